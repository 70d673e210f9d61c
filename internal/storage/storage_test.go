package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "habitping/pkg/logx"
)

func openTestFile(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	require.NoError(t, err)
	return st
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{}, logx.Nop())
	require.Error(t, err)
}

func TestKVContract(t *testing.T) {
	t.Parallel()
	drivers := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file":   func(t *testing.T) Store { return openTestFile(t, t.TempDir()) },
	}
	for name, open := range drivers {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			_, ok, err := st.Get(ctx, "fcmToken")
			require.NoError(t, err)
			assert.False(t, ok, "absent key must read as unset")

			require.NoError(t, st.Put(ctx, "fcmToken", []byte(`"tok-1"`)))
			v, ok, err := st.Get(ctx, "fcmToken")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, `"tok-1"`, string(v))

			// Returned slices must not alias the stored value.
			v[0] = 'X'
			v2, _, _ := st.Get(ctx, "fcmToken")
			assert.Equal(t, `"tok-1"`, string(v2))

			require.NoError(t, st.Delete(ctx, "fcmToken"))
			_, ok, err = st.Get(ctx, "fcmToken")
			require.NoError(t, err)
			assert.False(t, ok)

			// Deleting an absent key is fine.
			require.NoError(t, st.Delete(ctx, "nope"))

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "reminder:2026-10-16", until))
			got, ok, err := st.GetDedup(ctx, "reminder:2026-10-16")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Equal(until))

			require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "permission", Outcome: "granted"}))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st := openTestFile(t, dir)
	require.NoError(t, st.Put(ctx, "notificationsEnabled", []byte("true")))
	require.NoError(t, st.Put(ctx, "fcmToken", []byte(`"tok"`)))
	require.NoError(t, st.Delete(ctx, "fcmToken"))
	require.NoError(t, st.PutDedup(ctx, "k", time.Now().Add(time.Hour)))

	// Simulate a crash: close the journal without the compaction Close performs.
	fs := st.(*fileStore)
	require.NoError(t, fs.journalFile.Close())
	require.NoError(t, fs.auditFile.Close())
	require.NoError(t, fs.lock.Close())

	st2 := openTestFile(t, dir)
	defer st2.Close()

	v, ok, err := st2.Get(ctx, "notificationsEnabled")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "true", string(v))

	_, ok, err = st2.Get(ctx, "fcmToken")
	require.NoError(t, err)
	assert.False(t, ok, "deleted key must stay deleted after replay")

	_, ok, err = st2.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreCompactsOnClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st := openTestFile(t, dir)
	require.NoError(t, st.Put(ctx, "notificationTime", []byte(`{"hour":8,"minute":0,"period":"PM"}`)))
	require.NoError(t, st.Close())

	info, err := os.Stat(filepath.Join(dir, "store.journal.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "journal should be folded into the snapshot")

	st2 := openTestFile(t, dir)
	defer st2.Close()
	v, ok, err := st2.Get(ctx, "notificationTime")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"hour":8,"minute":0,"period":"PM"}`, string(v))
}

func TestFileStoreSharedBetweenHandles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	daemon := openTestFile(t, dir)
	_, ok, err := daemon.Get(ctx, "fcmToken")
	require.NoError(t, err)
	require.False(t, ok)

	// A one-shot command writes through its own handle and exits.
	cli := openTestFile(t, dir)
	require.NoError(t, cli.Put(ctx, "fcmToken", []byte(`"tok-1"`)))
	require.NoError(t, cli.Put(ctx, "notificationsEnabled", []byte("true")))
	require.NoError(t, cli.Close())

	v, ok, err := daemon.Get(ctx, "fcmToken")
	require.NoError(t, err)
	require.True(t, ok, "write from another handle must be visible")
	assert.Equal(t, `"tok-1"`, string(v))
	v, ok, err = daemon.Get(ctx, "notificationsEnabled")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "true", string(v))

	// Interleaved writers, then the stale-looking handle compacts last.
	other := openTestFile(t, dir)
	require.NoError(t, daemon.Put(ctx, "notificationTime", []byte(`{"hour":7,"minute":0,"period":"AM"}`)))
	require.NoError(t, other.PutDedup(ctx, "reminder:x", time.Now().Add(time.Hour)))
	require.NoError(t, other.Close())
	require.NoError(t, daemon.Close())

	reopened := openTestFile(t, dir)
	defer reopened.Close()
	for _, key := range []string{"fcmToken", "notificationsEnabled", "notificationTime"} {
		_, ok, err := reopened.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "%s lost by compaction", key)
	}
	_, ok, err = reopened.GetDedup(ctx, "reminder:x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st := openTestFile(t, t.TempDir())
	require.NoError(t, st.Close())
	_, _, err := st.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, st.Close())
}

func TestFileStoreIgnoresTornJournalTail(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	journal := filepath.Join(dir, "store.journal.jsonl")
	content := `{"op":"put","key":"notificationsEnabled","val":"dHJ1ZQ=="}` + "\n" + `{"op":"put","key":"fcm`
	require.NoError(t, os.WriteFile(journal, []byte(content), 0o600))

	st := openTestFile(t, dir)
	defer st.Close()
	v, ok, err := st.Get(context.Background(), "notificationsEnabled")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "true", string(v))
}

func TestMemoryStoreClosed(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	require.NoError(t, st.Close())
	_, _, err := st.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, st.Put(context.Background(), "x", nil), ErrClosed)
}
