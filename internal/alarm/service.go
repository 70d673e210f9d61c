package alarm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"habitping/internal/eventbus"
	"habitping/internal/notifier"
	rtsup "habitping/internal/runtime/supervisor"
	"habitping/internal/schedule"
	logx "habitping/pkg/logx"
)

// EntryName is the name of the daily cron entry.
const EntryName = "reminder"

// EventFired is published after every fire, queued or not.
const EventFired = "alarm.fired"

// Fires missed for longer than this are not replayed on Start.
const maxCatchUp = 6 * time.Hour

// Preferences is the slice of the preference store the alarm reads and writes.
type Preferences interface {
	Enabled(ctx context.Context) (bool, error)
	Token(ctx context.Context) (string, error)
	ScheduledTime(ctx context.Context) (schedule.NotificationTime, bool, error)
	FireInstant(ctx context.Context) (time.Time, bool, error)
	SetFireInstant(ctx context.Context, at time.Time) error
}

// Enqueuer accepts reminders for delivery.
type Enqueuer interface {
	Notify(ctx context.Context, r notifier.Reminder) error
}

// DefaultPollInterval is how often the stored time is re-read.
const DefaultPollInterval = 30 * time.Second

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local

	// PollInterval re-reads the stored reminder time so a change written
	// by another process (a one-shot CLI command) re-arms the entry.
	PollInterval time.Duration
}

// Fired is the payload of EventFired.
type Fired struct {
	At     time.Time `json:"at"`
	Queued bool      `json:"queued"`
	Reason string    `json:"reason,omitempty"`
	Next   time.Time `json:"next"`
}

type Snapshot struct {
	Timezone string
	Spec     string
	Time     schedule.NotificationTime
	Next     time.Time
	Prev     time.Time
	LastFire time.Time
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	bus   eventbus.Bus
	prefs Preferences
	out   Enqueuer

	parser  cron.Parser
	c       *cron.Cron
	entryID cron.EntryID
	spec    string
	at      schedule.NotificationTime

	sup      *rtsup.Supervisor
	lastFire time.Time
	now      func() time.Time
}

func New(cfg Config, prefs Preferences, out Enqueuer, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "alarm")),
		bus:   bus,
		prefs: prefs,
		out:   out,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

// Location returns the zone the alarm fires in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		return s.loadLocationLocked()
	}
	return s.loc
}

// Apply swaps the config; a timezone change rebuilds the cron runner.
// PollInterval takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	var stopped context.Context
	if s.c != nil && oldTZ != newTZ {
		stopped = s.restartLocked()
	}
	s.mu.Unlock()

	// A fire still running on the old runner needs s.mu to finish.
	if stopped != nil {
		<-stopped.Done()
	}
}

// Start arms the entry from the stored time, replays a recently missed fire
// and follows schedule.updated events.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.c.Start()
	loc := s.loc
	poll := s.cfg.PollInterval
	s.mu.Unlock()
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	if err := s.Reschedule(ctx); err != nil {
		s.Stop(ctx)
		return err
	}
	s.catchUp(ctx)

	if s.bus != nil {
		// Subscribe before returning so no update published after Start is lost.
		ch, unsub := s.bus.Subscribe(16)
		sup.Go0("alarm.follow", func(c context.Context) {
			defer unsub()
			s.follow(c, ch)
		})
	}
	sup.Go0("alarm.poll", func(c context.Context) {
		t := time.NewTicker(poll)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				s.refresh(c)
			}
		}
	})
	s.log.Info("alarm started", logx.String("tz", loc.String()))
	return nil
}

// Stop stops triggering. The stored fire instant stays so a restart can
// replay a fire that was due meanwhile.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	sup := s.sup
	s.c = nil
	s.sup = nil
	s.entryID = 0
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("alarm stopped")
}

// Reschedule (re)registers the daily entry from the stored time.
func (s *Service) Reschedule(ctx context.Context) error {
	t, _, err := s.prefs.ScheduledTime(ctx)
	if err != nil {
		return err
	}
	spec := schedule.CronSpec(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.at = t
	s.spec = spec
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(); err != nil {
		return err
	}
	args := []logx.Field{logx.String("entry", EntryName), logx.String("time", t.String()), logx.String("spec", spec)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("reminder armed", args...)
	return nil
}

// Fire handles one alarm: it queues a reminder when notifications are
// enabled and an address is stored, then persists the next fire instant.
func (s *Service) Fire(ctx context.Context, at time.Time) Fired {
	res := Fired{At: at}

	enabled, err := s.prefs.Enabled(ctx)
	switch {
	case err != nil:
		res.Reason = "preferences unreadable"
		s.log.Warn("alarm could not read preferences", logx.Err(err))
	case !enabled:
		res.Reason = "disabled"
	default:
		tok, err := s.prefs.Token(ctx)
		switch {
		case err != nil:
			res.Reason = "preferences unreadable"
			s.log.Warn("alarm could not read token", logx.Err(err))
		case tok == "":
			res.Reason = "no address"
		default:
			if err := s.out.Notify(ctx, notifier.Reminder{FiredAt: at}); err != nil {
				res.Reason = err.Error()
				s.log.Warn("reminder not queued", logx.Err(err))
			} else {
				res.Queued = true
			}
		}
	}

	s.mu.Lock()
	s.lastFire = at
	s.mu.Unlock()
	res.Next = s.persistNext(ctx, at)

	s.log.Info("alarm fired", logx.Time("at", at), logx.Bool("queued", res.Queued), logx.String("reason", res.Reason), logx.Time("next", res.Next))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventFired, Data: res})
	}
	return res
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Spec: s.spec, Time: s.at, LastFire: s.lastFire}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	if s.c != nil && s.entryID != 0 {
		e := s.c.Entry(s.entryID)
		snap.Next = e.Next
		snap.Prev = e.Prev
		if snap.Next.IsZero() {
			// Entry not picked up by the runner yet.
			if sched, err := s.parser.Parse(s.spec); err == nil {
				snap.Next = sched.Next(s.now().In(s.loc))
			}
		}
	}
	return snap
}

func (s *Service) follow(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type != eventbus.TypeScheduleUpdated {
				continue
			}
			if err := s.Reschedule(ctx); err != nil {
				s.log.Warn("reschedule failed", logx.Err(err))
			}
		}
	}
}

// refresh re-arms the entry when the stored time no longer matches the
// armed one.
func (s *Service) refresh(ctx context.Context) {
	t, _, err := s.prefs.ScheduledTime(ctx)
	if err != nil {
		s.log.Debug("stored time unreadable", logx.Err(err))
		return
	}
	s.mu.Lock()
	same := t == s.at
	s.mu.Unlock()
	if same {
		return
	}
	s.log.Info("stored reminder time changed", logx.String("time", t.String()))
	if err := s.Reschedule(ctx); err != nil {
		s.log.Warn("reschedule failed", logx.Err(err))
	}
}

// catchUp replays the stored fire instant if it passed while nothing was
// armed.
func (s *Service) catchUp(ctx context.Context) {
	at, ok, err := s.prefs.FireInstant(ctx)
	if err != nil || !ok {
		return
	}
	now := s.now()
	if !at.Before(now) {
		return
	}
	if now.Sub(at) > maxCatchUp {
		s.log.Info("missed reminder too old to replay", logx.Time("due", at))
		s.persistNext(ctx, now)
		return
	}
	s.log.Info("replaying missed reminder", logx.Time("due", at))
	s.Fire(ctx, at)
}

// persistNext stores the first fire instant strictly after from (or after
// the current clock, whichever is later).
func (s *Service) persistNext(ctx context.Context, from time.Time) time.Time {
	s.mu.Lock()
	t := s.at
	s.mu.Unlock()
	loc := s.Location()
	if now := s.now(); now.After(from) {
		from = now
	}
	next := schedule.NextFireInstant(t, from.In(loc))
	if err := s.prefs.SetFireInstant(ctx, next); err != nil {
		s.log.Warn("next fire instant not persisted", logx.Err(err))
	}
	return next
}

// registerLocked replaces the daily entry. Call with s.mu held.
func (s *Service) registerLocked() error {
	if s.entryID != 0 {
		s.c.Remove(s.entryID)
		s.entryID = 0
	}
	sup := s.sup
	id, err := s.c.AddJob(s.spec, cron.FuncJob(func() {
		ctx := context.Background()
		if sup != nil {
			ctx = sup.Context()
		}
		if ctx.Err() != nil {
			return
		}
		fctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s.Fire(fctx, s.now().Truncate(time.Minute))
	}))
	if err != nil {
		s.log.Error("reminder register failed", logx.String("spec", s.spec), logx.Err(err))
		return err
	}
	s.entryID = id
	return nil
}

// restartLocked swaps in a runner for the current timezone. The returned
// context is done once jobs of the old runner have returned; wait on it
// only after releasing s.mu.
func (s *Service) restartLocked() context.Context {
	stopped := s.c.Stop()
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.entryID = 0
	if s.spec != "" {
		_ = s.registerLocked()
	}
	s.c.Start()
	s.log.Info("alarm restarted", logx.String("tz", s.loc.String()))
	return stopped
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists upcoming fire times for debug logs. Call with
// s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := s.now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}
