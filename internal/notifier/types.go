package notifier

import (
	"time"

	"habitping/internal/config"
)

const (
	ReminderTitle = "Habit Tracker"
	ReminderBody  = "Time to check your habits!"
)

// Bus event types.
const (
	EventQueued   = "notifier.queued"
	EventDeduped  = "notifier.deduped"
	EventSent     = "notifier.sent"
	EventFailed   = "notifier.failed"
	EventDropped  = "notifier.dropped"
	EventRejected = "notifier.rejected"
)

// Config controls the async reminder pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// RootURL is the page a click on the reminder opens.
	RootURL string
}

// ConfigFrom converts the file-level section.
func ConfigFrom(nc config.NotifierConfig, rootURL string) (Config, error) {
	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, time.Second)
	if err != nil {
		return Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   window,
		RootURL:       rootURL,
	}, nil
}

// Reminder is one scheduled fire of the daily alarm.
type Reminder struct {
	FiredAt time.Time
}

type HistoryItem struct {
	At        time.Time
	FiredAt   time.Time
	Outcome   string
	MessageID string
}

// ReminderEvent is emitted on the event bus for pipeline lifecycle events.
type ReminderEvent struct {
	Key       string    `json:"key"`
	FiredAt   time.Time `json:"fired_at"`
	At        time.Time `json:"at"`
	MessageID string    `json:"message_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
}
