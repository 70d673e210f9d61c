// Package foreground is the user-facing context. It owns the open window,
// relays provider config to the background context and turns user actions
// (enable, disable, set time, test) into calls on the core services.
package foreground

import (
	"context"
	"errors"
	"time"

	"habitping/internal/host"
	"habitping/internal/permission"
	"habitping/internal/prefs"
	"habitping/internal/pushclient"
	"habitping/internal/relay"
	"habitping/internal/schedule"
	logx "habitping/pkg/logx"
)

// Windows tracks the windows this context has open.
type Windows interface {
	Register(rawURL string) host.Window
	Unregister(id string)
}

// Permissions is the Permission & Address Manager as seen from the window.
type Permissions interface {
	Sync(ctx context.Context) (permission.State, error)
	Enable(ctx context.Context) (string, error)
	Disable(ctx context.Context) error
	State() permission.State
}

type Planner interface {
	SetTime(ctx context.Context, t schedule.NotificationTime) (time.Time, error)
}

type Records interface {
	Load(ctx context.Context) (prefs.Record, error)
}

type Tester interface {
	SendTest(ctx context.Context) (pushclient.Delivered, error)
}

type Deps struct {
	Windows   Windows
	Registrar host.Registrar
	Relay     *relay.Relay
	// Provider is read on every relay so config reloads apply.
	Provider    func() relay.Payload
	Permissions Permissions
	Planner     Planner
	Records     Records
	Tester      Tester
	RootURL     string
	// ReadyTimeout bounds the wait for the background registration in Run.
	ReadyTimeout time.Duration
}

// Status is what the settings screen shows.
type Status struct {
	Enabled            bool                      `json:"enabled"`
	HasToken           bool                      `json:"has_token"`
	Permission         permission.Status         `json:"permission"`
	Time               schedule.NotificationTime `json:"time"`
	TimeSet            bool                      `json:"time_set"`
	NextFire           time.Time                 `json:"next_fire,omitempty"`
	Registration       string                    `json:"registration,omitempty"`
	RegistrationActive bool                      `json:"registration_active"`
}

type Controller struct {
	d   Deps
	log logx.Logger

	ready chan struct{}
}

func New(d Deps, log logx.Logger) *Controller {
	if d.RootURL == "" {
		d.RootURL = "/"
	}
	if d.ReadyTimeout <= 0 {
		d.ReadyTimeout = 30 * time.Second
	}
	if d.Provider == nil {
		d.Provider = func() relay.Payload { return relay.Payload{} }
	}
	return &Controller{d: d, log: log.With(logx.String("comp", "foreground")), ready: make(chan struct{})}
}

// Ready is closed once Run has relayed config to a ready registration.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Run opens the window, waits for the background registration, relays the
// provider config and keeps re-relaying on every activation until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	if c.d.Windows != nil {
		w := c.d.Windows.Register(c.d.RootURL)
		defer c.d.Windows.Unregister(w.ID)
	}
	if _, err := c.d.Permissions.Sync(ctx); err != nil {
		c.log.Warn("permission state unreadable", logx.Err(err))
	}

	follow, stop := c.d.Relay.Follower(c.d.Provider)
	defer stop()

	rctx, cancel := context.WithTimeout(ctx, c.d.ReadyTimeout)
	reg, err := c.d.Registrar.Ready(rctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	c.d.Relay.Propagate(c.d.Provider())
	close(c.ready)
	c.log.Info("foreground ready", logx.String("registration", reg.ID))

	follow(ctx)
	return ctx.Err()
}

// Enable turns reminders on, acquiring an address when none is stored.
func (c *Controller) Enable(ctx context.Context) (string, error) {
	return c.d.Permissions.Enable(ctx)
}

func (c *Controller) Disable(ctx context.Context) error {
	return c.d.Permissions.Disable(ctx)
}

// SetTime parses raw ("8:00 PM", "20:00") and stores it.
func (c *Controller) SetTime(ctx context.Context, raw string) (schedule.NotificationTime, time.Time, error) {
	t, err := schedule.ParseTime(raw)
	if err != nil {
		return schedule.NotificationTime{}, time.Time{}, err
	}
	at, err := c.d.Planner.SetTime(ctx, t)
	if err != nil {
		return schedule.NotificationTime{}, time.Time{}, err
	}
	return t, at, nil
}

func (c *Controller) SendTest(ctx context.Context) (pushclient.Delivered, error) {
	if c.d.Tester == nil {
		return pushclient.Delivered{}, errors.New("diagnostic sender not configured")
	}
	return c.d.Tester.SendTest(ctx)
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	rec, err := c.d.Records.Load(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Enabled:    rec.Enabled,
		HasToken:   rec.HasToken(),
		Permission: c.d.Permissions.State().Status,
		Time:       rec.ScheduledTime,
		TimeSet:    rec.TimeSet,
		NextFire:   rec.FireInstant,
	}
	if c.d.Registrar != nil {
		if reg, ok := c.d.Registrar.Current(); ok {
			st.Registration = reg.ID
		}
		st.RegistrationActive = c.d.Registrar.Active()
	}
	return st, nil
}
