package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"habitping/internal/eventbus"
	"habitping/internal/host"
	logx "habitping/pkg/logx"
)

// Registry holds the current background registration.
type Registry struct {
	scope    string
	endpoint string
	bus      eventbus.Bus
	log      logx.Logger

	mu      sync.Mutex
	cur     *host.Registration
	changed chan struct{}
}

// NewRegistry creates an empty registry. endpoint is where pushes for the
// registration arrive (the inbound /push URL).
func NewRegistry(scope, endpoint string, bus eventbus.Bus, log logx.Logger) *Registry {
	if scope == "" {
		scope = "/"
	}
	return &Registry{
		scope:    scope,
		endpoint: endpoint,
		bus:      bus,
		log:      log.With(logx.String("comp", "host.registry")),
		changed:  make(chan struct{}),
	}
}

func (r *Registry) Ready(ctx context.Context) (host.Registration, error) {
	for {
		r.mu.Lock()
		if r.cur != nil {
			reg := *r.cur
			r.mu.Unlock()
			return reg, nil
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return host.Registration{}, fmt.Errorf("%w: %w", host.ErrNoRegistration, ctx.Err())
		case <-ch:
		}
	}
}

func (r *Registry) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil
}

func (r *Registry) Current() (host.Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return host.Registration{}, false
	}
	return *r.cur, true
}

func (r *Registry) Activate() host.Registration {
	reg := host.Registration{
		ID:          uuid.NewString(),
		Scope:       r.scope,
		Endpoint:    r.endpoint,
		ActivatedAt: time.Now(),
	}
	r.mu.Lock()
	r.cur = &reg
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()

	r.log.Info("registration activated", logx.String("id", reg.ID))
	r.announce(eventbus.TypeRegistrationActivated, reg)
	return reg
}

func (r *Registry) Deactivate(id string) {
	r.mu.Lock()
	if r.cur == nil || r.cur.ID != id {
		r.mu.Unlock()
		return
	}
	reg := *r.cur
	r.cur = nil
	r.mu.Unlock()

	r.log.Info("registration deactivated", logx.String("id", id))
	r.announce(eventbus.TypeRegistrationDeactivated, reg)
}

// Evict retires the current registration the way a host reclaims an idle
// background context. The background worker then restarts with a new one.
func (r *Registry) Evict() (host.Registration, bool) {
	reg, ok := r.Current()
	if !ok {
		return host.Registration{}, false
	}
	r.Deactivate(reg.ID)
	return reg, true
}

func (r *Registry) announce(typ string, reg host.Registration) {
	if r.bus == nil {
		return
	}
	b, err := json.Marshal(reg)
	if err != nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: b})
}
