package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitping/internal/eventbus"
	"habitping/internal/host"
	"habitping/internal/storage"
	logx "habitping/pkg/logx"
)

func TestPrompterPolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		policy Policy
		in     string
		want   host.PermissionState
	}{
		{PolicyGrant, "", host.PermissionGranted},
		{PolicyDeny, "", host.PermissionDenied},
		{PolicyPrompt, "y\n", host.PermissionGranted},
		{PolicyPrompt, "no\n", host.PermissionDenied},
		{PolicyPrompt, "whatever\n", host.PermissionDefault},
		{PolicyPrompt, "", host.PermissionDefault},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		p := NewPrompter(tt.policy, logx.Nop(), WithTerminal(strings.NewReader(tt.in), &out), WithPromptTimeout(time.Second))

		before, err := p.Permission(ctx)
		require.NoError(t, err)
		assert.Equal(t, host.PermissionDefault, before, "querying must never prompt")
		assert.Empty(t, out.String())

		got, err := p.Request(ctx)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "policy=%s in=%q", tt.policy, tt.in)

		after, _ := p.Permission(ctx)
		assert.Equal(t, tt.want, after)
	}
}

func TestPrompterRemembersAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	defer st.Close()

	p1 := NewPrompter(PolicyDeny, logx.Nop(), WithRemember(st))
	got, err := p1.Request(ctx)
	require.NoError(t, err)
	require.Equal(t, host.PermissionDenied, got)

	// A later process with a granting policy still sees the remembered denial.
	p2 := NewPrompter(PolicyGrant, logx.Nop(), WithRemember(st))
	got, err = p2.Permission(ctx)
	require.NoError(t, err)
	assert.Equal(t, host.PermissionDenied, got)

	require.NoError(t, p2.Reset(ctx))
	got, _ = p2.Request(ctx)
	assert.Equal(t, host.PermissionGranted, got)
}

func TestRegistryReadyAndRecreation(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	r := NewRegistry("/", "http://127.0.0.1:8787/push", bus, logx.Nop())

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Ready(short)
	require.ErrorIs(t, err, host.ErrNoRegistration)

	got := make(chan host.Registration, 1)
	go func() {
		reg, err := r.Ready(context.Background())
		if err == nil {
			got <- reg
		}
	}()
	first := r.Activate()
	select {
	case reg := <-got:
		assert.Equal(t, first.ID, reg.ID)
	case <-time.After(time.Second):
		t.Fatal("Ready did not observe activation")
	}

	r.Deactivate("someone-else")
	assert.True(t, r.Active())
	r.Deactivate(first.ID)
	assert.False(t, r.Active())

	second := r.Activate()
	assert.NotEqual(t, first.ID, second.ID, "recreation must produce a new id")
	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, second.ID, cur.ID)

	var types []string
	for len(types) < 3 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.TypeRegistrationActivated, eventbus.TypeRegistrationDeactivated, eventbus.TypeRegistrationActivated}, types)
}

func TestHTTPIssuer(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	const endpoint = "http://issuer.test/register"
	reg := host.Registration{ID: "reg-1", Scope: "/", Endpoint: "http://127.0.0.1:8787/push"}

	httpmock.RegisterResponder(http.MethodPost, endpoint, func(req *http.Request) (*http.Response, error) {
		var in issueRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			return httpmock.NewStringResponse(http.StatusBadRequest, `{"error":"bad json"}`), nil
		}
		if in.VAPIDKey != "BPk" || in.RegistrationID != "reg-1" {
			return httpmock.NewStringResponse(http.StatusBadRequest, `{"error":"unexpected binding"}`), nil
		}
		return httpmock.NewJsonResponse(http.StatusOK, issueResponse{Token: "tok-from-issuer"})
	})

	i := NewHTTPIssuer(endpoint, "123", time.Second, logx.Nop())
	tok, err := i.Issue(context.Background(), reg, "BPk")
	require.NoError(t, err)
	assert.Equal(t, "tok-from-issuer", tok)

	_, err = i.Issue(context.Background(), host.Registration{ID: "other"}, "BPk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected binding")

	_, err = i.Issue(context.Background(), reg, "")
	require.Error(t, err)

	httpmock.RegisterResponder(http.MethodPost, endpoint, httpmock.NewErrorResponder(errors.New("connection refused")))
	_, err = i.Issue(context.Background(), reg, "BPk")
	require.Error(t, err)
}

func TestLocalIssuerBindsToRegistrationAndKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, err := LocalIssuer{}.Issue(ctx, host.Registration{ID: "r1"}, "k1")
	require.NoError(t, err)
	again, _ := LocalIssuer{}.Issue(ctx, host.Registration{ID: "r1"}, "k1")
	otherReg, _ := LocalIssuer{}.Issue(ctx, host.Registration{ID: "r2"}, "k1")
	otherKey, _ := LocalIssuer{}.Issue(ctx, host.Registration{ID: "r1"}, "k2")

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, otherReg)
	assert.NotEqual(t, a, otherKey)
	assert.True(t, strings.HasPrefix(a, "hp_"))

	_, err = LocalIssuer{}.Issue(ctx, host.Registration{ID: "r1"}, " ")
	assert.Error(t, err)
}

func TestDisplayReplacesSameTag(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	d, err := NewDisplay(nil, bus, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := d.Show(ctx, "Habit Tracker", host.DisplayOptions{Body: "one", Tag: "habit-reminder"})
	require.NoError(t, err)
	second, err := d.Show(ctx, "Habit Tracker", host.DisplayOptions{Body: "two", Tag: "habit-reminder"})
	require.NoError(t, err)
	_, err = d.Show(ctx, "Other", host.DisplayOptions{Body: "three", Tag: "other"})
	require.NoError(t, err)

	vis := d.Visible()
	require.Len(t, vis, 2)
	assert.Equal(t, second.ID, vis[0].ID)
	assert.NotEqual(t, first.ID, vis[0].ID)

	require.NoError(t, d.Close(ctx, second.ID))
	require.NoError(t, d.Close(ctx, "unknown"))
	assert.Len(t, d.Visible(), 1)

	_, err = d.Show(ctx, "", host.DisplayOptions{})
	assert.Error(t, err)

	select {
	case e := <-events:
		assert.Equal(t, eventbus.TypeNotificationShown, e.Type)
	case <-time.After(time.Second):
		t.Fatal("notification.shown not published")
	}
}

func TestDisplayRejectsBadMirrorURL(t *testing.T) {
	t.Parallel()
	_, err := NewDisplay([]string{"notaservice://x"}, nil, logx.Nop())
	assert.Error(t, err)
}

func TestWindowsFocusAndOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var opened []string
	w := NewWindows("http://127.0.0.1:8787", func(u string) error {
		opened = append(opened, u)
		return nil
	}, logx.Nop())

	none, err := w.MatchAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)

	a := w.Register("http://127.0.0.1:8787/")
	b := w.Register("http://127.0.0.1:8787/stats")
	require.NoError(t, w.Focus(ctx, b.ID))
	all, _ := w.MatchAll(ctx)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID, "host order is registration order")
	assert.False(t, all[0].Focused)
	assert.True(t, all[1].Focused)
	assert.Error(t, w.Focus(ctx, "missing"))

	win, err := w.Open(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8787/", win.URL)
	assert.Equal(t, []string{"http://127.0.0.1:8787/"}, opened)

	w.Unregister(a.ID)
	all, _ = w.MatchAll(ctx)
	assert.Len(t, all, 2)

	failing := NewWindows("", func(string) error { return io.ErrClosedPipe }, logx.Nop())
	_, err = failing.Open(ctx, "/")
	assert.Error(t, err)
	all, _ = failing.MatchAll(ctx)
	assert.Empty(t, all)
}
