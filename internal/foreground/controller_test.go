package foreground

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitping/internal/eventbus"
	"habitping/internal/host/local"
	"habitping/internal/permission"
	"habitping/internal/prefs"
	"habitping/internal/pushclient"
	"habitping/internal/relay"
	"habitping/internal/schedule"
	"habitping/internal/storage"
	logx "habitping/pkg/logx"
)

type stubPermissions struct {
	state    permission.State
	enabled  int
	disabled int
}

func (s *stubPermissions) Sync(context.Context) (permission.State, error) { return s.state, nil }
func (s *stubPermissions) Enable(context.Context) (string, error) {
	s.enabled++
	s.state = permission.State{Status: permission.Granted, Token: "tok"}
	return "tok", nil
}
func (s *stubPermissions) Disable(context.Context) error { s.disabled++; return nil }
func (s *stubPermissions) State() permission.State        { return s.state }

type stubTester struct{ calls int }

func (s *stubTester) SendTest(context.Context) (pushclient.Delivered, error) {
	s.calls++
	return pushclient.Delivered{MessageID: "m-1"}, nil
}

type fixture struct {
	bus      eventbus.Bus
	registry *local.Registry
	windows  *local.Windows
	store    *prefs.Store
	perms    *stubPermissions
	tester   *stubTester
	ctl      *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New()
	f := &fixture{
		bus:      bus,
		registry: local.NewRegistry("/", "", bus, logx.Nop()),
		windows:  local.NewWindows("http://127.0.0.1:8787", nil, logx.Nop()),
		store:    prefs.New(storage.NewMemory(), logx.Nop()),
		perms:    &stubPermissions{state: permission.State{Status: permission.NotRequested}},
		tester:   &stubTester{},
	}
	planner := schedule.NewPlanner(f.store, bus, logx.Nop())
	provider := relay.Payload{APIKey: "k", ProjectID: "habit-tracker", MessagingSenderID: "42"}
	f.ctl = New(Deps{
		Windows:      f.windows,
		Registrar:    f.registry,
		Relay:        relay.New(bus, logx.Nop()),
		Provider:     func() relay.Payload { return provider },
		Permissions:  f.perms,
		Planner:      planner,
		Records:      f.store,
		Tester:       f.tester,
		ReadyTimeout: 2 * time.Second,
	}, logx.Nop())
	return f
}

func waitConfigRelay(t *testing.T, ch <-chan eventbus.Event) relay.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type != eventbus.TypeChannelMessage {
				continue
			}
			var m relay.Message
			require.NoError(t, json.Unmarshal(e.Data.([]byte), &m))
			return m
		case <-deadline:
			t.Fatal("config was not relayed")
			return relay.Message{}
		}
	}
}

func TestRunRelaysOnReadyAndOnReactivation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(32)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ctl.Run(ctx) }()

	reg := f.registry.Activate()
	select {
	case <-f.ctl.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("controller never became ready")
	}
	m := waitConfigRelay(t, ch)
	assert.Equal(t, relay.MessageType, m.Type)
	require.NotNil(t, m.Config)
	assert.Equal(t, "habit-tracker", m.Config.ProjectID)

	wins, err := f.windows.MatchAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, wins, 1, "Run should register its own window")

	// A recreated background context gets the config again.
	f.registry.Deactivate(reg.ID)
	f.registry.Activate()
	m = waitConfigRelay(t, ch)
	assert.Equal(t, "42", m.Config.MessagingSenderID)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	wins, _ = f.windows.MatchAll(context.Background())
	assert.Empty(t, wins)
}

func TestRunFailsWithoutRegistration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ctl.d.ReadyTimeout = 20 * time.Millisecond
	err := f.ctl.Run(context.Background())
	require.Error(t, err)
}

func TestSetTimeParsesAndPersists(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	nt, at, err := f.ctl.SetTime(ctx, "7:15 AM")
	require.NoError(t, err)
	assert.Equal(t, schedule.NotificationTime{Hour: 7, Minute: 15, Period: schedule.AM}, nt)
	assert.True(t, at.After(time.Now()))

	st, err := f.ctl.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.TimeSet)
	assert.Equal(t, nt, st.Time)
	assert.True(t, st.NextFire.Equal(at))

	_, _, err = f.ctl.SetTime(ctx, "25:00")
	assert.Error(t, err)
}

func TestStatusReflectsPermissionAndRegistration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, permission.NotRequested, st.Permission)
	assert.False(t, st.RegistrationActive)
	assert.Equal(t, schedule.DefaultTime, st.Time)
	assert.False(t, st.TimeSet)

	reg := f.registry.Activate()
	tok, err := f.ctl.Enable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	st, err = f.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, permission.Granted, st.Permission)
	assert.True(t, st.RegistrationActive)
	assert.Equal(t, reg.ID, st.Registration)

	require.NoError(t, f.ctl.Disable(ctx))
	assert.Equal(t, 1, f.perms.disabled)

	d, err := f.ctl.SendTest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m-1", d.MessageID)
}
