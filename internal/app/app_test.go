package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitping/internal/alarm"
	"habitping/internal/config"
	"habitping/internal/eventbus"
	"habitping/internal/permission"
	"habitping/internal/schedule"
	"habitping/internal/storage"
)

const testConfig = `{
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "memory"},
  "provider": {"api_key": "AIza-test", "project_id": "habit-tracker", "messaging_sender_id": "42", "app_id": "1:42:web:x"},
  "push": {"vapid_key": "BPk-test", "send_endpoint": "http://push.test"},
  "app": {},
  "schedule": {"timezone": "UTC", "default_time": "9:00 PM"},
  "host": {"permission_policy": "grant"}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func waitReady(t *testing.T, a *App) {
	t.Helper()
	select {
	case <-a.Foreground().Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("foreground never became ready")
	}
}

func stopApp(t *testing.T, a *App, reason StopReason) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, reason))
}

func TestEnableAndSendTestEndToEnd(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
	httpmock.RegisterResponder(http.MethodPost, "http://push.test/send-notification",
		httpmock.NewStringResponder(http.StatusOK, `{"success":true,"result":"projects/habit-tracker/messages/0:1"}`))

	a, err := NewApp(writeConfig(t, testConfig))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a, StopAppStop)
	waitReady(t, a)

	ctx := context.Background()
	tok, err := a.Foreground().Enable(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tok, "hp_"), "token = %s", tok)

	st, err := a.Foreground().Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.True(t, st.HasToken)
	assert.Equal(t, permission.Granted, st.Permission)
	assert.Equal(t, schedule.NotificationTime{Hour: 9, Minute: 0, Period: schedule.PM}, st.Time)

	d, err := a.Foreground().SendTest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "projects/habit-tracker/messages/0:1", d.MessageID)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())

	assert.Eventually(t, func() bool {
		seen := map[string]bool{}
		for _, e := range storage.Audit(a.store) {
			seen[e.Action] = true
		}
		return seen[eventbus.TypePermissionGranted] && seen[eventbus.TypeTestSent]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSetTimeRearmsAlarm(t *testing.T) {
	a, err := NewApp(writeConfig(t, testConfig))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a, StopAppStop)
	waitReady(t, a)

	assert.Equal(t, "0 21 * * *", a.alarm.Snapshot().Spec)

	_, at, err := a.Foreground().SetTime(context.Background(), "6:45 AM")
	require.NoError(t, err)
	assert.Equal(t, 6, at.Hour())
	assert.Equal(t, 45, at.Minute())

	assert.Eventually(t, func() bool {
		return a.alarm.Snapshot().Spec == "45 6 * * *"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartForegroundOnlyRunsPage(t *testing.T) {
	a, err := NewApp(writeConfig(t, testConfig))
	require.NoError(t, err)
	require.NoError(t, a.StartForeground(context.Background()))
	waitReady(t, a)

	st, err := a.Foreground().Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.RegistrationActive)
	assert.Empty(t, a.alarm.Snapshot().Spec, "alarm must stay unarmed")

	stopApp(t, a, StopCommandDone)
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
	assert.NoError(t, a.Err())
}

func TestOneShotCommandReachesRunningDaemon(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store")
	body := strings.Replace(testConfig, `"storage": {"driver": "memory"}`,
		fmt.Sprintf(`"storage": {"driver": "file", "path": %q}`, storePath), 1)
	body = strings.Replace(body, `"default_time": "9:00 PM"`, `"default_time": "9:00 PM", "poll_interval": "20ms"`, 1)
	cfgPath := writeConfig(t, body)

	daemon, err := NewApp(cfgPath)
	require.NoError(t, err)
	require.NoError(t, daemon.Start(context.Background()))
	defer stopApp(t, daemon, StopAppStop)
	waitReady(t, daemon)
	assert.Equal(t, "0 21 * * *", daemon.alarm.Snapshot().Spec)

	cli, err := NewApp(cfgPath)
	require.NoError(t, err)
	require.NoError(t, cli.StartForeground(context.Background()))
	waitReady(t, cli)
	ctx := context.Background()
	tok, err := cli.Foreground().Enable(ctx)
	require.NoError(t, err)
	_, _, err = cli.Foreground().SetTime(ctx, "6:45 AM")
	require.NoError(t, err)
	stopApp(t, cli, StopCommandDone)

	got, err := daemon.prefs.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, got)
	enabled, err := daemon.prefs.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	assert.Eventually(t, func() bool {
		return daemon.alarm.Snapshot().Spec == "45 6 * * *"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, string(permission.Granted), daemon.health()["permission"])
}

func TestInboundEvictionRestartsBackground(t *testing.T) {
	body := strings.Replace(testConfig, `"permission_policy": "grant"`, `"permission_policy": "grant", "listen_addr": "127.0.0.1:0"`, 1)
	a, err := NewApp(writeConfig(t, body))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a, StopAppStop)
	waitReady(t, a)

	first, ok := a.registry.Current()
	require.True(t, ok)

	addr, err := a.inbound.Listen()
	require.NoError(t, err)
	resp, err := http.Post("http://"+addr.String()+"/registration/evict", "application/json", http.NoBody)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		cur, ok := a.registry.Current()
		return ok && cur.ID != first.ID
	}, 3*time.Second, 20*time.Millisecond)
}

func TestNewAppRejectsBadDefaultTime(t *testing.T) {
	body := strings.Replace(testConfig, `"9:00 PM"`, `"25:00"`, 1)
	_, err := NewApp(writeConfig(t, body))
	require.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      *config.StorageConfig
		want    storage.Config
		wantErr bool
	}{
		{name: "omitted", in: nil, want: storage.Config{Driver: "file", Path: DefaultStoragePath}},
		{name: "file default path", in: &config.StorageConfig{Driver: "file"}, want: storage.Config{Driver: "file", Path: DefaultStoragePath}},
		{name: "memory", in: &config.StorageConfig{Driver: "MEM"}, want: storage.Config{Driver: "memory"}},
		{name: "sqlite", in: &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "2s"}, want: storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: 2 * time.Second}},
		{name: "sqlite needs path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "redis", in: &config.StorageConfig{Driver: "redis", Addr: "127.0.0.1:6379", Prefix: "hp:"}, want: storage.Config{Driver: "redis", Addr: "127.0.0.1:6379", Prefix: "hp:"}},
		{name: "redis needs addr", in: &config.StorageConfig{Driver: "redis"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "etcd"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&Config{Storage: tt.in})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuditEntry(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC)

	e, ok := auditEntry(eventbus.Event{Type: eventbus.TypeTokenInvalidated, Time: at, Data: map[string]string{"reason": "rejected"}})
	require.True(t, ok)
	assert.Equal(t, "invalidated", e.Outcome)
	assert.JSONEq(t, `{"reason":"rejected"}`, e.MetaJSON)

	e, ok = auditEntry(eventbus.Event{Type: "notifier.failed", Time: at})
	require.True(t, ok)
	assert.Equal(t, "failed", e.Outcome)
	assert.True(t, e.At.Equal(at))

	e, ok = auditEntry(eventbus.Event{Type: alarm.EventFired, Time: at, Data: alarm.Fired{At: at, Queued: true}})
	require.True(t, ok)
	assert.Contains(t, e.MetaJSON, `"queued":true`)

	_, ok = auditEntry(eventbus.Event{Type: eventbus.TypePush, Data: []byte(`{}`)})
	assert.False(t, ok)
}
