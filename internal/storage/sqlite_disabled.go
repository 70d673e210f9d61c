//go:build !sqlite

package storage

import (
	"errors"

	logx "habitping/pkg/logx"
)

// ErrSQLiteNotBuilt is returned for driver "sqlite" in default builds.
var ErrSQLiteNotBuilt = errors.New("sqlite storage not built: rebuild with -tags sqlite")

func openSQLite(Config, logx.Logger) (Store, error) {
	return nil, ErrSQLiteNotBuilt
}
