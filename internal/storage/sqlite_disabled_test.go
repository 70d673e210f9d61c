//go:build !sqlite

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	logx "habitping/pkg/logx"
)

func TestSQLiteNeedsBuildTag(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "sqlite", Path: "x.db"}, logx.Nop())
	assert.ErrorIs(t, err, ErrSQLiteNotBuilt)
}
