package schedule

import (
	"context"
	"encoding/json"
	"time"

	"habitping/internal/eventbus"
	logx "habitping/pkg/logx"
)

// Recorder persists the scheduled time and the fire instant.
type Recorder interface {
	SetScheduledTime(ctx context.Context, t NotificationTime) error
	SetFireInstant(ctx context.Context, at time.Time) error
}

// Update is the payload of eventbus.TypeScheduleUpdated.
type Update struct {
	Time        NotificationTime `json:"time"`
	FireInstant time.Time        `json:"fire_instant"`
}

// Planner records a new reminder time. It never arms timers; the alarm host
// reacts to the published schedule.updated event.
type Planner struct {
	rec Recorder
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
	loc func() *time.Location
}

func NewPlanner(rec Recorder, bus eventbus.Bus, log logx.Logger) *Planner {
	return &Planner{
		rec: rec,
		bus: bus,
		log: log.With(logx.String("comp", "schedule")),
		now: time.Now,
		loc: func() *time.Location { return time.Local },
	}
}

// SetLocation sets the zone fire instants are computed in. fn is read on
// every call so config reloads take effect.
func (p *Planner) SetLocation(fn func() *time.Location) {
	if fn != nil {
		p.loc = fn
	}
}

// SetClock overrides the time source.
func (p *Planner) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Next computes the fire instant for t from the current clock.
func (p *Planner) Next(t NotificationTime) time.Time {
	return NextFireInstant(t, p.now().In(p.loc()))
}

// SetTime validates and persists t together with its fire instant, which
// supersedes any previously stored one.
func (p *Planner) SetTime(ctx context.Context, t NotificationTime) (time.Time, error) {
	if err := t.Validate(); err != nil {
		return time.Time{}, err
	}
	at := p.Next(t)
	if err := p.rec.SetScheduledTime(ctx, t); err != nil {
		return time.Time{}, err
	}
	if err := p.rec.SetFireInstant(ctx, at); err != nil {
		return time.Time{}, err
	}
	p.log.Info("notification time set", logx.String("time", t.String()), logx.Time("next", at))
	if p.bus != nil {
		if b, err := json.Marshal(Update{Time: t, FireInstant: at}); err == nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleUpdated, Data: b})
		}
	}
	return at, nil
}
