package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultRootURL       = "/"
	DefaultIcon          = "/assets/icon.jpg"
	DefaultBadge         = "/assets/badge.jpg"
	DefaultFallbackTitle = "Habit Tracker"
	DefaultFallbackBody  = "Time to check your habits!"
	DefaultDefaultTime   = "8:00 PM"
	DefaultPushTimeout   = 10 * time.Second
	DefaultPromptTimeout = 2 * time.Minute
)

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:       true,
		Workers:       1,
		QueueSize:     64,
		RatePerSec:    1,
		RetryMax:      3,
		RetryBase:     "1s",
		RetryMaxDelay: "30s",
		DedupWindow:   "20h",
	}
}

// WithDefaults returns a copy of a with empty fields filled.
func (a AppConfig) WithDefaults() AppConfig {
	def := func(s *string, v string) {
		if strings.TrimSpace(*s) == "" {
			*s = v
		}
	}
	def(&a.RootURL, DefaultRootURL)
	def(&a.Icon, DefaultIcon)
	def(&a.Badge, DefaultBadge)
	def(&a.FallbackTitle, DefaultFallbackTitle)
	def(&a.FallbackBody, DefaultFallbackBody)
	return a
}

// Location resolves the schedule timezone; empty means time.Local.
func (s ScheduleConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func (p PushConfig) TimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("push.timeout", p.Timeout, DefaultPushTimeout)
	if err != nil {
		return DefaultPushTimeout
	}
	return d
}

// Validate checks invariants that the strict decoder cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := cfg.Schedule.Location(); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	if _, err := ParseDurationField("push.timeout", cfg.Push.Timeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("schedule.poll_interval", cfg.Schedule.PollInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("host.prompt_timeout", cfg.Host.PromptTimeout); err != nil {
		errs = append(errs, err)
	}
	for _, ep := range []struct{ name, raw string }{
		{"push.registration_endpoint", cfg.Push.RegistrationEndpoint},
		{"push.send_endpoint", cfg.Push.SendEndpoint},
	} {
		if strings.TrimSpace(ep.raw) == "" {
			continue
		}
		u, err := url.Parse(ep.raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: must be an absolute URL, got %q", ep.name, ep.raw))
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Host.PermissionPolicy)) {
	case "", "prompt", "grant", "deny":
	default:
		errs = append(errs, fmt.Errorf("host.permission_policy: want prompt|grant|deny, got %q", cfg.Host.PermissionPolicy))
	}
	if n := cfg.Notifier; n != nil {
		for _, d := range []struct{ name, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(d.name, d.raw); err != nil {
				errs = append(errs, err)
			}
		}
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			errs = append(errs, errors.New("notifier: numeric fields must be >= 0"))
		}
	}
	if s := cfg.Storage; s != nil {
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
