package local

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"habitping/internal/eventbus"
	"habitping/internal/host"
	logx "habitping/pkg/logx"
)

// Display "renders" notifications by logging them, keeping the visible set,
// and optionally mirroring them to shoutrrr services (desktop, chat, ...).
type Display struct {
	log    logx.Logger
	bus    eventbus.Bus
	sender *router.ServiceRouter

	mu    sync.Mutex
	shown map[string]host.Shown
	order []string
}

// NewDisplay builds a displayer. urls are shoutrrr service URLs; an invalid
// URL fails construction.
func NewDisplay(urls []string, bus eventbus.Bus, logger logx.Logger) (*Display, error) {
	d := &Display{
		log:   logger.With(logx.String("comp", "host.display")),
		bus:   bus,
		shown: map[string]host.Shown{},
	}
	if len(urls) > 0 {
		sender, err := shoutrrr.CreateSender(slices.Clone(urls)...)
		if err != nil {
			return nil, err
		}
		sender.Timeout = 10 * time.Second
		sender.SetLogger(log.New(io.Discard, "", 0))
		d.sender = sender
	}
	return d, nil
}

func (d *Display) Show(ctx context.Context, title string, opts host.DisplayOptions) (host.Shown, error) {
	if err := ctx.Err(); err != nil {
		return host.Shown{}, err
	}
	if title == "" {
		return host.Shown{}, errors.New("display: empty title")
	}
	n := host.Shown{ID: uuid.NewString(), Title: title, Options: opts, ShownAt: time.Now()}

	d.mu.Lock()
	// A new notification with the same tag replaces the old one.
	if opts.Tag != "" {
		for _, id := range d.order {
			if d.shown[id].Options.Tag == opts.Tag {
				d.removeLocked(id)
				break
			}
		}
	}
	d.shown[n.ID] = n
	d.order = append(d.order, n.ID)
	d.mu.Unlock()

	d.log.Info("notification shown", logx.String("id", n.ID), logx.String("title", title), logx.String("body", opts.Body), logx.String("tag", opts.Tag))

	if d.sender != nil {
		params := stypes.Params{}
		params.SetTitle(title)
		for _, err := range d.sender.Send(opts.Body, &params) {
			if err != nil {
				d.log.Warn("display mirror failed", logx.Err(err))
			}
		}
	}
	if d.bus != nil {
		if b, err := json.Marshal(n); err == nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeNotificationShown, Data: b})
		}
	}
	return n, nil
}

// Close dismisses id; unknown ids are ignored.
func (d *Display) Close(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(id)
	return nil
}

// Visible returns the currently shown notifications, oldest first.
func (d *Display) Visible() []host.Shown {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]host.Shown, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.shown[id])
	}
	return out
}

func (d *Display) removeLocked(id string) {
	if _, ok := d.shown[id]; !ok {
		return
	}
	delete(d.shown, id)
	d.order = slices.DeleteFunc(d.order, func(s string) bool { return s == id })
}
