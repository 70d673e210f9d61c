package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Period string

const (
	AM Period = "AM"
	PM Period = "PM"
)

// NotificationTime is the user's preferred reminder time on a 12-hour clock.
type NotificationTime struct {
	Hour   int    `json:"hour"`   // 1..12
	Minute int    `json:"minute"` // 0..59
	Period Period `json:"period"`
}

// DefaultTime is used until the user picks one.
var DefaultTime = NotificationTime{Hour: 8, Minute: 0, Period: PM}

func (t NotificationTime) Validate() error {
	if t.Hour < 1 || t.Hour > 12 {
		return fmt.Errorf("hour must be 1..12, got %d", t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("minute must be 0..59, got %d", t.Minute)
	}
	if t.Period != AM && t.Period != PM {
		return fmt.Errorf("period must be AM or PM, got %q", t.Period)
	}
	return nil
}

// To24Hour converts to a 24-hour clock: 12 AM is 0, PM hours below 12 gain 12.
func (t NotificationTime) To24Hour() (hour, minute int) {
	h := t.Hour
	if t.Period == PM && h < 12 {
		h += 12
	}
	if t.Period == AM && h == 12 {
		h = 0
	}
	return h, t.Minute
}

// String renders "8:05 PM".
func (t NotificationTime) String() string {
	return fmt.Sprintf("%d:%02d %s", t.Hour, t.Minute, t.Period)
}

// From24Hour builds a NotificationTime from a 24-hour clock reading.
func From24Hour(hour, minute int) (NotificationTime, error) {
	if hour < 0 || hour > 23 {
		return NotificationTime{}, fmt.Errorf("hour must be 0..23, got %d", hour)
	}
	if minute < 0 || minute > 59 {
		return NotificationTime{}, fmt.Errorf("minute must be 0..59, got %d", minute)
	}
	p := AM
	if hour >= 12 {
		p = PM
	}
	h := hour % 12
	if h == 0 {
		h = 12
	}
	return NotificationTime{Hour: h, Minute: minute, Period: p}, nil
}

var reClock = regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*([aApP][mM])?$`)

// ParseTime accepts "8:05 PM", "8:05pm" and 24-hour "20:05".
func ParseTime(raw string) (NotificationTime, error) {
	s := strings.TrimSpace(raw)
	m := reClock.FindStringSubmatch(s)
	if m == nil {
		return NotificationTime{}, fmt.Errorf("invalid time %q (use e.g. '8:00 PM' or '20:00')", raw)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if m[3] == "" {
		return From24Hour(h, mm)
	}
	t := NotificationTime{Hour: h, Minute: mm, Period: Period(strings.ToUpper(m[3]))}
	if err := t.Validate(); err != nil {
		return NotificationTime{}, err
	}
	return t, nil
}

// CronSpec renders the daily cron expression ("M H * * *") for t.
func CronSpec(t NotificationTime) string {
	h, m := t.To24Hour()
	return fmt.Sprintf("%d %d * * *", m, h)
}
