// Package prefs is the typed view of the single per-install preference
// record. Each field lives under its own stable key in the durable store;
// an absent or unparseable key reads as unset.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"habitping/internal/schedule"
	"habitping/internal/storage"
	logx "habitping/pkg/logx"
)

// Persisted keys. These strings are part of the on-disk format.
const (
	KeyEnabled     = "notificationsEnabled"
	KeyToken       = "fcmToken"
	KeyTime        = "notificationTime"
	KeyFireInstant = "nextNotificationAt"
)

// ErrTokenAlreadySet is returned when a different address is already stored.
// An address is only replaced after an explicit InvalidateToken.
var ErrTokenAlreadySet = errors.New("prefs: a different token is already stored")

// Record is a point-in-time copy of all preference fields.
type Record struct {
	Enabled       bool                      `json:"enabled"`
	Token         string                    `json:"token,omitempty"`
	ScheduledTime schedule.NotificationTime `json:"scheduled_time"`
	// TimeSet is false when ScheduledTime is the default.
	TimeSet     bool      `json:"time_set"`
	FireInstant time.Time `json:"fire_instant,omitempty"`
}

func (r Record) HasToken() bool { return r.Token != "" }

type Store struct {
	st          storage.Store
	log         logx.Logger
	defaultTime schedule.NotificationTime
}

type Option func(*Store)

// WithDefaultTime sets the scheduled time reported while none is stored.
func WithDefaultTime(t schedule.NotificationTime) Option {
	return func(s *Store) {
		if t.Validate() == nil {
			s.defaultTime = t
		}
	}
}

func New(st storage.Store, log logx.Logger, opts ...Option) *Store {
	s := &Store{st: st, log: log.With(logx.String("comp", "prefs")), defaultTime: schedule.DefaultTime}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load reads every field. Storage errors are returned; bad values are not.
func (s *Store) Load(ctx context.Context) (Record, error) {
	var r Record
	var err error
	if r.Enabled, err = s.Enabled(ctx); err != nil {
		return Record{}, err
	}
	if r.Token, err = s.Token(ctx); err != nil {
		return Record{}, err
	}
	if r.ScheduledTime, r.TimeSet, err = s.ScheduledTime(ctx); err != nil {
		return Record{}, err
	}
	if r.FireInstant, _, err = s.FireInstant(ctx); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *Store) Enabled(ctx context.Context) (bool, error) {
	var v bool
	ok, err := s.get(ctx, KeyEnabled, &v)
	if err != nil || !ok {
		return false, err
	}
	return v, nil
}

func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	return s.put(ctx, KeyEnabled, enabled)
}

// Token returns the stored delivery address, or "" when unset.
func (s *Store) Token(ctx context.Context) (string, error) {
	var v string
	ok, err := s.get(ctx, KeyToken, &v)
	if err != nil || !ok {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

// SetToken stores the address. Writing the same token again is a no-op;
// writing a different one while an address exists fails.
func (s *Store) SetToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("prefs: empty token")
	}
	cur, err := s.Token(ctx)
	if err != nil {
		return err
	}
	switch cur {
	case token:
		return nil
	case "":
		return s.put(ctx, KeyToken, token)
	default:
		return ErrTokenAlreadySet
	}
}

// InvalidateToken clears the stored address. The enabled flag is untouched.
func (s *Store) InvalidateToken(ctx context.Context, reason string) error {
	if err := s.st.Delete(ctx, KeyToken); err != nil {
		return fmt.Errorf("prefs: delete %s: %w", KeyToken, err)
	}
	s.log.Info("stored token invalidated", logx.String("reason", reason))
	return nil
}

// ScheduledTime returns the stored time, or the default with set=false.
func (s *Store) ScheduledTime(ctx context.Context) (t schedule.NotificationTime, set bool, err error) {
	var v schedule.NotificationTime
	ok, err := s.get(ctx, KeyTime, &v)
	if err != nil {
		return schedule.NotificationTime{}, false, err
	}
	if !ok {
		return s.defaultTime, false, nil
	}
	if verr := v.Validate(); verr != nil {
		s.log.Warn("stored notification time invalid; using default", logx.Err(verr))
		return s.defaultTime, false, nil
	}
	return v, true, nil
}

func (s *Store) SetScheduledTime(ctx context.Context, t schedule.NotificationTime) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.put(ctx, KeyTime, t)
}

// FireInstant returns the last computed fire instant.
func (s *Store) FireInstant(ctx context.Context) (time.Time, bool, error) {
	var raw string
	ok, err := s.get(ctx, KeyFireInstant, &raw)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ts, perr := time.Parse(time.RFC3339Nano, raw)
	if perr != nil {
		s.log.Warn("stored fire instant unparseable; treating as unset", logx.String("value", raw))
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

func (s *Store) SetFireInstant(ctx context.Context, at time.Time) error {
	return s.put(ctx, KeyFireInstant, at.Format(time.RFC3339Nano))
}

func (s *Store) get(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := s.st.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("prefs: get %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.Warn("stored value unparseable; treating as unset", logx.String("key", key), logx.Err(err))
		return false, nil
	}
	return true, nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.st.Put(ctx, key, b); err != nil {
		return fmt.Errorf("prefs: put %s: %w", key, err)
	}
	return nil
}
