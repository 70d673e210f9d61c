package background

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"habitping/internal/config"
	"habitping/internal/eventbus"
	"habitping/internal/host"
	"habitping/internal/relay"
	"habitping/internal/runtime/supervisor"
	logx "habitping/pkg/logx"
)

// ErrEvicted ends an incarnation whose registration was retired by the host.
var ErrEvicted = errors.New("background registration evicted")

// Worker runs incarnations of the background context. Run is meant to be
// driven by supervisor.GoRestart: returning ErrEvicted gets a fresh
// incarnation with a new registration.
type Worker struct {
	bus       eventbus.Bus
	registrar host.Registrar
	display   host.Displayer
	clients   host.Clients
	app       func() config.AppConfig
	log       logx.Logger

	// eventTimeout bounds one push or click.
	eventTimeout time.Duration
}

func NewWorker(bus eventbus.Bus, h host.Host, app func() config.AppConfig, log logx.Logger) *Worker {
	if app == nil {
		app = func() config.AppConfig { return config.AppConfig{} }
	}
	return &Worker{
		bus:          bus,
		registrar:    h.Registrar,
		display:      h.Display,
		clients:      h.Clients,
		app:          app,
		log:          log.With(logx.String("comp", "background")),
		eventTimeout: 30 * time.Second,
	}
}

// Run is one incarnation. It subscribes to the channel before activating
// its registration so a config relay answering the activation is not missed.
func (w *Worker) Run(ctx context.Context) error {
	log := w.log.With(logx.Uint64("incarnation", supervisor.Incarnation(ctx)))
	recv := relay.NewReceiver(log)
	h := NewHandler(w.display, w.clients, recv.Current, w.app(), log)

	ch, unsub := w.bus.Subscribe(64)
	defer unsub()

	reg := w.registrar.Activate()
	defer w.registrar.Deactivate(reg.ID)
	log.Info("background context started", logx.String("registration", reg.ID))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := w.dispatch(ctx, h, recv, reg, e); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, h *Handler, recv *relay.Receiver, reg host.Registration, e eventbus.Event) error {
	raw, _ := e.Data.([]byte)
	switch e.Type {
	case eventbus.TypeChannelMessage:
		recv.Handle(raw)

	case eventbus.TypePush:
		var ev PushEvent
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev); err != nil {
				w.log.Warn("push payload unreadable; rendering fallback", logx.Err(err))
				ev = PushEvent{}
			}
		}
		ectx, cancel := context.WithTimeout(ctx, w.eventTimeout)
		_, _ = h.OnPush(ectx, ev)
		cancel()

	case eventbus.TypeNotificationClick:
		var ev ClickEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			w.log.Warn("click payload unreadable", logx.Err(err))
			return nil
		}
		ectx, cancel := context.WithTimeout(ctx, w.eventTimeout)
		h.OnClick(ectx, ev)
		cancel()

	case eventbus.TypeRegistrationDeactivated:
		var gone host.Registration
		if json.Unmarshal(raw, &gone) == nil && gone.ID == reg.ID {
			return ErrEvicted
		}
	}
	return nil
}
