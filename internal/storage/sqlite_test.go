//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "habitping/pkg/logx"
)

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "habitping.db")
	cfg := Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "fcmToken", []byte(`"tok"`)))
	require.NoError(t, st.PutDedup(ctx, "reminder:2026-10-16T20:00:00Z", time.Now().Add(time.Hour)))
	require.NoError(t, st.PutDedup(ctx, "reminder:2026-10-15T20:00:00Z", time.Now().Add(-time.Hour)))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "permission.granted", Outcome: "granted"}))
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	v, ok, err := st.Get(ctx, "fcmToken")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"tok"`, string(v))

	_, ok, err = st.GetDedup(ctx, "reminder:2026-10-16T20:00:00Z")
	require.NoError(t, err)
	assert.True(t, ok)

	// Expired marks are pruned when the database is opened.
	_, ok, err = st.GetDedup(ctx, "reminder:2026-10-15T20:00:00Z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteClosedStoreFails(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	_, _, err = st.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}
