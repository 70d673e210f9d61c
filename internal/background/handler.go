// Package background is the background delivery context: it receives
// inbound pushes, renders them, and routes notification clicks back to a
// foreground window.
//
// Nothing here survives an incarnation. Each Worker run starts with an
// empty relay receiver and rebuilds everything else from the message
// channel; durable state lives in the preference store only.
package background

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"

	"habitping/internal/config"
	"habitping/internal/host"
	"habitping/internal/relay"
	logx "habitping/pkg/logx"
)

// Tag is constant so a new reminder replaces the previous one.
const Tag = "habit-reminder"

var Vibrate = []int{200, 100, 200}

type State string

const (
	Idle                State = "idle"
	Rendering           State = "rendering"
	AwaitingClickTarget State = "awaiting_click_target"
)

// PushEvent is an inbound push as delivered by the provider.
type PushEvent struct {
	Notification *PushNotification `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

type PushNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// ClickEvent reports a click on a rendered notification.
type ClickEvent struct {
	NotificationID string            `json:"notification_id"`
	Data           map[string]string `json:"data,omitempty"`
}

// ClickOutcome says what a click did.
type ClickOutcome struct {
	Focused string `json:"focused,omitempty"`
	Opened  bool   `json:"opened"`
}

type Handler struct {
	display host.Displayer
	clients host.Clients
	current func() (relay.Payload, bool)
	app     config.AppConfig
	log     logx.Logger

	mu    sync.Mutex
	state State
}

// NewHandler builds a handler. current reports the config relayed to this
// incarnation so far.
func NewHandler(display host.Displayer, clients host.Clients, current func() (relay.Payload, bool), app config.AppConfig, log logx.Logger) *Handler {
	if current == nil {
		current = func() (relay.Payload, bool) { return relay.Payload{}, false }
	}
	return &Handler{
		display: display,
		clients: clients,
		current: current,
		app:     app.WithDefaults(),
		log:     log.With(logx.String("comp", "background")),
		state:   Idle,
	}
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// enter moves from Idle to s; it fails if another event is mid-flight.
func (h *Handler) enter(s State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Idle {
		return fmt.Errorf("background handler busy (%s)", h.state)
	}
	h.state = s
	return nil
}

func (h *Handler) leave() {
	h.mu.Lock()
	h.state = Idle
	h.mu.Unlock()
}

// Render decides title and options for ev. Without relayed config the
// fixed fallback text is used; with config, missing fields fall back
// individually.
func (h *Handler) Render(ev PushEvent) (string, host.DisplayOptions) {
	title, body := h.app.FallbackTitle, h.app.FallbackBody
	if _, ok := h.current(); ok && ev.Notification != nil {
		if t := strings.TrimSpace(ev.Notification.Title); t != "" {
			title = t
		}
		if b := strings.TrimSpace(ev.Notification.Body); b != "" {
			body = b
		}
	}
	data := maps.Clone(ev.Data)
	if data == nil {
		data = map[string]string{}
	}
	if data["url"] == "" {
		data["url"] = h.app.RootURL
	}
	return title, host.DisplayOptions{
		Body:    body,
		Icon:    h.app.Icon,
		Badge:   h.app.Badge,
		Tag:     Tag,
		Data:    data,
		Vibrate: append([]int(nil), Vibrate...),
	}
}

// OnPush renders ev and returns only after the host accepted the display
// request. A display failure is logged and returned; it never panics.
func (h *Handler) OnPush(ctx context.Context, ev PushEvent) (host.Shown, error) {
	if err := h.enter(Rendering); err != nil {
		return host.Shown{}, err
	}
	defer h.leave()

	_, configured := h.current()
	title, opts := h.Render(ev)
	shown, err := h.display.Show(ctx, title, opts)
	if err != nil {
		h.log.Warn("notification display failed", logx.Err(err), logx.String("title", title))
		return host.Shown{}, err
	}
	h.log.Debug("push rendered", logx.String("id", shown.ID), logx.Bool("configured", configured))
	return shown, nil
}

// OnClick closes the notification and focuses the first open window in
// host order, or opens one at the app root when none exist. Focus and open
// failures are logged and not retried.
func (h *Handler) OnClick(ctx context.Context, ev ClickEvent) ClickOutcome {
	if err := h.enter(AwaitingClickTarget); err != nil {
		h.log.Warn("click dropped", logx.Err(err))
		return ClickOutcome{}
	}
	defer h.leave()

	if ev.NotificationID != "" {
		if err := h.display.Close(ctx, ev.NotificationID); err != nil {
			h.log.Debug("notification close failed", logx.Err(err))
		}
	}

	wins, err := h.clients.MatchAll(ctx)
	if err != nil {
		h.log.Warn("window enumeration failed", logx.Err(err))
		return ClickOutcome{}
	}
	if len(wins) > 0 {
		if err := h.clients.Focus(ctx, wins[0].ID); err != nil {
			h.log.Warn("window focus failed", logx.Err(err), logx.String("window", wins[0].ID))
			return ClickOutcome{}
		}
		return ClickOutcome{Focused: wins[0].ID}
	}
	if _, err := h.clients.Open(ctx, h.app.RootURL); err != nil {
		h.log.Warn("window open failed", logx.Err(err), logx.String("url", h.app.RootURL))
		return ClickOutcome{}
	}
	return ClickOutcome{Opened: true}
}
