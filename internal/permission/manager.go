// Package permission acquires and guards the durable push delivery address.
//
// Acquire is serialised: while one acquisition is in flight, a second caller
// waits and then re-reads the store, so the user is prompted at most once
// and at most one token is requested.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"habitping/internal/apperr"
	"habitping/internal/eventbus"
	"habitping/internal/host"
	"habitping/internal/prefs"
	logx "habitping/pkg/logx"
)

// Status is the acquisition state.
type Status string

const (
	NotRequested Status = "not_requested"
	Denied       Status = "denied"
	Granted      Status = "granted"
)

// State is Status plus the token when Granted.
type State struct {
	Status Status `json:"status"`
	Token  string `json:"-"`
}

// Record is the subset of the preference store the manager writes.
type Record interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	InvalidateToken(ctx context.Context, reason string) error
	Enabled(ctx context.Context) (bool, error)
	SetEnabled(ctx context.Context, enabled bool) error
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Capability host.Capability
	Prompter   host.Prompter
	Registrar  host.Registrar
	Tokens     host.TokenIssuer
	Record     Record
	Bus        eventbus.Bus
	// Relay is called with the ready registration before asking for
	// permission, so the background context is configured by the time
	// pushes can arrive. It must not block.
	Relay func()
	// VAPIDKey is read on every acquisition so config reloads apply.
	VAPIDKey func() string
}

type Manager struct {
	d   Deps
	log logx.Logger

	acquireMu sync.Mutex

	mu    sync.RWMutex
	state State
}

func New(d Deps, log logx.Logger) *Manager {
	if d.VAPIDKey == nil {
		d.VAPIDKey = func() string { return "" }
	}
	return &Manager{d: d, log: log.With(logx.String("comp", "permission")), state: State{Status: NotRequested}}
}

// State returns the current acquisition state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Sync derives the state from the store and the remembered permission
// without prompting. Called on start.
func (m *Manager) Sync(ctx context.Context) (State, error) {
	tok, err := m.d.Record.Token(ctx)
	if err != nil {
		return m.State(), err
	}
	if tok != "" {
		m.setState(State{Status: Granted, Token: tok})
		return m.State(), nil
	}
	if m.d.Prompter != nil {
		if p, err := m.d.Prompter.Permission(ctx); err == nil && p == host.PermissionDenied {
			m.setState(State{Status: Denied})
			return m.State(), nil
		}
	}
	m.setState(State{Status: NotRequested})
	return m.State(), nil
}

// Acquire returns the delivery address, obtaining one if needed. A first
// acquisition also marks notifications enabled. Errors carry apperr kinds Unavailable, Denied or
// ProviderError; on error nothing is persisted.
func (m *Manager) Acquire(ctx context.Context) (string, error) {
	const op = "permission.acquire"

	if m.d.Capability == nil || !m.d.Capability.Supported() {
		return "", apperr.E(apperr.Unavailable, op, nil)
	}

	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	// Re-read under the lock: a concurrent caller may have just finished.
	tok, err := m.d.Record.Token(ctx)
	if err != nil {
		return "", apperr.E(apperr.ProviderError, op, err)
	}
	if tok != "" {
		m.setState(State{Status: Granted, Token: tok})
		m.log.Debug("stored token reused", logx.Redact("token", tok))
		return tok, nil
	}

	reg, err := m.d.Registrar.Ready(ctx)
	if err != nil {
		if errors.Is(err, host.ErrNoRegistration) {
			return "", apperr.E(apperr.Unavailable, op, err)
		}
		return "", apperr.E(apperr.ProviderError, op, err)
	}
	if m.d.Relay != nil {
		m.d.Relay()
	}

	perm, err := m.d.Prompter.Permission(ctx)
	if err != nil {
		return "", apperr.E(apperr.ProviderError, op, err)
	}
	if perm == host.PermissionDenied {
		m.denied("previously denied")
		return "", apperr.E(apperr.Denied, op, nil)
	}
	if perm != host.PermissionGranted {
		perm, err = m.d.Prompter.Request(ctx)
		if err != nil {
			return "", apperr.E(apperr.ProviderError, op, err)
		}
		// A dismissed prompt counts as a denial for this attempt.
		if perm != host.PermissionGranted {
			m.denied(string(perm))
			return "", apperr.E(apperr.Denied, op, nil)
		}
	}

	tok, err = m.d.Tokens.Issue(ctx, reg, m.d.VAPIDKey())
	if err != nil {
		m.log.Warn("token request failed", logx.Err(err), logx.String("registration", reg.ID))
		return "", apperr.E(apperr.ProviderError, op, err)
	}
	if err := m.d.Record.SetToken(ctx, tok); err != nil {
		if errors.Is(err, prefs.ErrTokenAlreadySet) {
			// Another writer won; keep what is stored.
			stored, rerr := m.d.Record.Token(ctx)
			if rerr == nil && stored != "" {
				tok = stored
			} else {
				return "", apperr.E(apperr.ProviderError, op, err)
			}
		} else {
			return "", apperr.E(apperr.ProviderError, op, err)
		}
	}
	if err := m.d.Record.SetEnabled(ctx, true); err != nil {
		return "", apperr.E(apperr.ProviderError, op, err)
	}

	m.setState(State{Status: Granted, Token: tok})
	m.log.Info("notifications enabled", logx.String("registration", reg.ID), logx.Redact("token", tok))
	m.publish(eventbus.TypePermissionGranted, map[string]string{"registration": reg.ID})
	return tok, nil
}

// Enable is Acquire followed by turning reminders back on when a stored
// address was reused after Disable. Acquire itself never writes when an
// address is already stored.
func (m *Manager) Enable(ctx context.Context) (string, error) {
	tok, err := m.Acquire(ctx)
	if err != nil {
		return "", err
	}
	on, err := m.d.Record.Enabled(ctx)
	if err != nil {
		return "", apperr.E(apperr.ProviderError, "permission.enable", err)
	}
	if !on {
		if err := m.d.Record.SetEnabled(ctx, true); err != nil {
			return "", apperr.E(apperr.ProviderError, "permission.enable", err)
		}
		m.log.Info("notifications re-enabled with stored token")
	}
	return tok, nil
}

func (m *Manager) denied(reason string) {
	m.setState(State{Status: Denied})
	m.log.Info("notification permission denied", logx.String("reason", reason))
	m.publish(eventbus.TypePermissionDenied, map[string]string{"reason": reason})
}

// Disable turns reminders off. The stored address is kept.
func (m *Manager) Disable(ctx context.Context) error {
	if err := m.d.Record.SetEnabled(ctx, false); err != nil {
		return fmt.Errorf("disable: %w", err)
	}
	m.log.Info("notifications disabled")
	return nil
}

// Invalidate clears the stored address after the provider refused it. The
// next Acquire runs the full flow again.
func (m *Manager) Invalidate(ctx context.Context, reason string) error {
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()
	if err := m.d.Record.InvalidateToken(ctx, reason); err != nil {
		return err
	}
	m.setState(State{Status: NotRequested})
	m.publish(eventbus.TypeTokenInvalidated, map[string]string{"reason": reason})
	return nil
}

func (m *Manager) publish(typ string, data map[string]string) {
	if m.d.Bus == nil {
		return
	}
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	m.d.Bus.Publish(eventbus.Event{Type: typ, Data: b})
}
