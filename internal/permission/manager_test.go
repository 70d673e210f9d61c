package permission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitping/internal/apperr"
	"habitping/internal/eventbus"
	"habitping/internal/host"
	"habitping/internal/prefs"
	"habitping/internal/storage"
	logx "habitping/pkg/logx"
)

type fakePrompter struct {
	mu       sync.Mutex
	state    host.PermissionState
	answer   host.PermissionState
	requests atomic.Int32
	delay    time.Duration
}

func (p *fakePrompter) Permission(context.Context) (host.PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

func (p *fakePrompter) Request(context.Context) (host.PermissionState, error) {
	p.requests.Add(1)
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answer != host.PermissionDefault {
		p.state = p.answer
	}
	return p.answer, nil
}

type fakeRegistrar struct{ reg host.Registration }

func (r fakeRegistrar) Ready(context.Context) (host.Registration, error) { return r.reg, nil }
func (r fakeRegistrar) Active() bool                                      { return true }
func (r fakeRegistrar) Current() (host.Registration, bool)                { return r.reg, true }
func (r fakeRegistrar) Activate() host.Registration                       { return r.reg }
func (r fakeRegistrar) Deactivate(string)                                 {}

type noRegistrar struct{ fakeRegistrar }

func (noRegistrar) Ready(ctx context.Context) (host.Registration, error) {
	return host.Registration{}, host.ErrNoRegistration
}

type fakeIssuer struct {
	calls    atomic.Int32
	err      error
	gotReg   string
	gotVAPID string
}

func (i *fakeIssuer) Issue(_ context.Context, reg host.Registration, vapid string) (string, error) {
	i.calls.Add(1)
	i.gotReg, i.gotVAPID = reg.ID, vapid
	if i.err != nil {
		return "", i.err
	}
	return "tok-" + reg.ID, nil
}

type capability bool

func (c capability) Supported() bool { return bool(c) }

// countingStore counts mutations of the underlying store.
type countingStore struct {
	storage.Store
	writes atomic.Int32
}

func (c *countingStore) Put(ctx context.Context, k string, v []byte) error {
	c.writes.Add(1)
	return c.Store.Put(ctx, k, v)
}

func (c *countingStore) Delete(ctx context.Context, k string) error {
	c.writes.Add(1)
	return c.Store.Delete(ctx, k)
}

type fixture struct {
	m       *Manager
	prompt  *fakePrompter
	issuer  *fakeIssuer
	store   *countingStore
	prefs   *prefs.Store
	relayed atomic.Int32
	bus     eventbus.Bus
}

func newFixture(t *testing.T, answer host.PermissionState) *fixture {
	t.Helper()
	st := &countingStore{Store: storage.NewMemory()}
	t.Cleanup(func() { _ = st.Close() })
	f := &fixture{
		prompt: &fakePrompter{state: host.PermissionDefault, answer: answer},
		issuer: &fakeIssuer{},
		store:  st,
		prefs:  prefs.New(st, logx.Nop()),
		bus:    eventbus.New(),
	}
	f.m = New(Deps{
		Capability: capability(true),
		Prompter:   f.prompt,
		Registrar:  fakeRegistrar{reg: host.Registration{ID: "reg-1"}},
		Tokens:     f.issuer,
		Record:     f.prefs,
		Bus:        f.bus,
		Relay:      func() { f.relayed.Add(1) },
		VAPIDKey:   func() string { return "BPk" },
	}, logx.Nop())
	return f
}

func TestAcquireTwicePromptsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, host.PermissionGranted)

	tok, err := f.m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-reg-1", tok)
	assert.Equal(t, "reg-1", f.issuer.gotReg, "token must be bound to the ready registration")
	assert.Equal(t, "BPk", f.issuer.gotVAPID)
	assert.Equal(t, int32(1), f.relayed.Load(), "config relayed once registration is ready")

	rec, err := f.prefs.Load(ctx)
	require.NoError(t, err)
	assert.True(t, rec.Enabled)
	assert.Equal(t, "tok-reg-1", rec.Token)
	writesAfterFirst := f.store.writes.Load()

	tok2, err := f.m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, tok2)
	assert.Equal(t, int32(1), f.prompt.requests.Load())
	assert.Equal(t, int32(1), f.issuer.calls.Load())
	assert.Equal(t, writesAfterFirst, f.store.writes.Load(), "second acquire must not write")
	assert.Equal(t, State{Status: Granted, Token: tok}, f.m.State())
}

func TestAcquireDeniedPersistsNothing(t *testing.T) {
	t.Parallel()
	for _, answer := range []host.PermissionState{host.PermissionDenied, host.PermissionDefault} {
		f := newFixture(t, answer)
		ctx := context.Background()

		_, err := f.m.Acquire(ctx)
		require.ErrorIs(t, err, apperr.ErrDenied, "answer=%s", answer)
		assert.Zero(t, f.issuer.calls.Load())
		assert.Zero(t, f.store.writes.Load())

		_, ok, _ := f.store.Get(ctx, prefs.KeyEnabled)
		assert.False(t, ok, "enabled must stay unset")
		_, ok, _ = f.store.Get(ctx, prefs.KeyToken)
		assert.False(t, ok)
		assert.Equal(t, Denied, f.m.State().Status)
	}
}

func TestAcquireAlreadyDeniedDoesNotPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, host.PermissionGranted)
	f.prompt.state = host.PermissionDenied

	_, err := f.m.Acquire(context.Background())
	require.ErrorIs(t, err, apperr.ErrDenied)
	assert.Zero(t, f.prompt.requests.Load())
}

func TestAcquireAlreadyGrantedSkipsPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, host.PermissionDenied)
	f.prompt.state = host.PermissionGranted

	_, err := f.m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.prompt.requests.Load())
	assert.Equal(t, int32(1), f.issuer.calls.Load())
}

func TestAcquireProviderErrorPersistsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, host.PermissionGranted)
	f.issuer.err = errors.New("issuer down")

	_, err := f.m.Acquire(context.Background())
	require.ErrorIs(t, err, apperr.ErrProviderError)
	assert.Zero(t, f.store.writes.Load())
	assert.Equal(t, int32(1), f.issuer.calls.Load(), "no automatic retry")
}

func TestAcquireUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, host.PermissionGranted)
	f.m.d.Capability = capability(false)
	_, err := f.m.Acquire(context.Background())
	require.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Zero(t, f.prompt.requests.Load())

	f.m.d.Capability = capability(true)
	f.m.d.Registrar = noRegistrar{}
	_, err = f.m.Acquire(context.Background())
	require.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Zero(t, f.prompt.requests.Load())
}

func TestConcurrentAcquireIsSerialised(t *testing.T) {
	t.Parallel()
	f := newFixture(t, host.PermissionGranted)
	f.prompt.delay = 30 * time.Millisecond

	var wg sync.WaitGroup
	toks := make([]string, 5)
	errs := make([]error, 5)
	for i := range toks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			toks[i], errs[i] = f.m.Acquire(context.Background())
		}(i)
	}
	wg.Wait()
	for i := range toks {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-reg-1", toks[i])
	}
	assert.Equal(t, int32(1), f.prompt.requests.Load())
	assert.Equal(t, int32(1), f.issuer.calls.Load())
}

func TestDisableKeepsTokenAndEnableReuses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, host.PermissionGranted)
	tok, err := f.m.Enable(ctx)
	require.NoError(t, err)

	require.NoError(t, f.m.Disable(ctx))
	rec, _ := f.prefs.Load(ctx)
	assert.False(t, rec.Enabled)
	assert.Equal(t, tok, rec.Token)

	tok2, err := f.m.Enable(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, tok2)
	rec, _ = f.prefs.Load(ctx)
	assert.True(t, rec.Enabled)
	assert.Equal(t, int32(1), f.issuer.calls.Load())
	assert.Equal(t, int32(1), f.prompt.requests.Load())
}

func TestInvalidateForcesFullFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, host.PermissionGranted)
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	_, err := f.m.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, f.m.Invalidate(ctx, "provider rejected"))
	assert.Equal(t, NotRequested, f.m.State().Status)
	rec, _ := f.prefs.Load(ctx)
	assert.False(t, rec.HasToken())
	assert.True(t, rec.Enabled, "invalidation leaves the preference alone")

	_, err = f.m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.issuer.calls.Load())

	var types []string
	for len(types) < 3 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.TypePermissionGranted, eventbus.TypeTokenInvalidated, eventbus.TypePermissionGranted}, types)
}

func TestSyncDerivesState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, host.PermissionGranted)
	st, err := f.m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, NotRequested, st.Status)

	f.prompt.state = host.PermissionDenied
	st, _ = f.m.Sync(ctx)
	assert.Equal(t, Denied, st.Status)

	require.NoError(t, f.prefs.SetToken(ctx, "stored"))
	st, _ = f.m.Sync(ctx)
	assert.Equal(t, State{Status: Granted, Token: "stored"}, st)
	assert.Zero(t, f.prompt.requests.Load())
}
