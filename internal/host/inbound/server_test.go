package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitping/internal/eventbus"
	logx "habitping/pkg/logx"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	t.Cleanup(unsub)
	return New("127.0.0.1:0", bus, logx.Nop(), opts...), ch
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func next(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return eventbus.Event{}
	}
}

func TestPushPublishesRawBody(t *testing.T) {
	t.Parallel()
	s, ch := newTestServer(t)
	body := `{"notification":{"title":"Hi","body":"there"},"data":{"url":"/today"}}`

	rec := do(s, http.MethodPost, "/push", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	e := next(t, ch)
	assert.Equal(t, eventbus.TypePush, e.Type)
	assert.JSONEq(t, body, string(e.Data.([]byte)))
}

func TestPushWithoutPayloadStillPublishes(t *testing.T) {
	t.Parallel()
	s, ch := newTestServer(t)
	rec := do(s, http.MethodPost, "/push", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	e := next(t, ch)
	assert.Equal(t, eventbus.TypePush, e.Type)
	assert.Empty(t, e.Data.([]byte))
}

func TestPushRejectsNonJSON(t *testing.T) {
	t.Parallel()
	s, ch := newTestServer(t)
	rec := do(s, http.MethodPost, "/push", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestClickPublishesNotificationID(t *testing.T) {
	t.Parallel()
	s, ch := newTestServer(t)
	rec := do(s, http.MethodPost, "/notifications/n-42/click", `{"data":{"url":"/"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	e := next(t, ch)
	assert.Equal(t, eventbus.TypeNotificationClick, e.Type)
	var got clickEvent
	require.NoError(t, json.Unmarshal(e.Data.([]byte), &got))
	assert.Equal(t, "n-42", got.NotificationID)
	assert.Equal(t, "/", got.Data["url"])

	rec = do(s, http.MethodPost, "/notifications/n-43/click", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	e = next(t, ch)
	require.NoError(t, json.Unmarshal(e.Data.([]byte), &got))
	assert.Equal(t, "n-43", got.NotificationID)
}

func TestHealthzIncludesExtraFields(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, WithHealth(func() map[string]any {
		return map[string]any{"registration": "active"}
	}))
	rec := do(s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","registration":"active"}`, rec.Body.String())
}

func TestEvictRoute(t *testing.T) {
	t.Parallel()
	active := true
	s, _ := newTestServer(t, WithEvict(func() (string, bool) {
		if !active {
			return "", false
		}
		active = false
		return "reg-1", true
	}))

	rec := do(s, http.MethodPost, "/registration/evict", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"evicted":"reg-1"}`, rec.Body.String())

	rec = do(s, http.MethodPost, "/registration/evict", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	plain, _ := newTestServer(t)
	rec = do(plain, http.MethodPost, "/registration/evict", "")
	assert.NotEqual(t, http.StatusAccepted, rec.Code)
}

func TestRunServesUntilCanceled(t *testing.T) {
	t.Parallel()
	s, ch := newTestServer(t)
	addr, err := s.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	url := fmt.Sprintf("http://%s/push", addr.String())
	require.Eventually(t, func() bool {
		resp, err := http.Post(url, "application/json", strings.NewReader(`{}`))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusAccepted
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, eventbus.TypePush, next(t, ch).Type)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
