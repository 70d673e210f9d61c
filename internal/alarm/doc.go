// Package alarm arms the daily reminder.
//
// It stands in for the host's alarm facility: a cron entry named "reminder"
// fires at the stored notification time in the configured timezone. Each
// fire queues a reminder (when notifications are enabled and an address is
// stored) and then persists the next fire instant.
//
// The entry is re-registered whenever the schedule changes and the cron
// runner is rebuilt when the timezone changes. Delivery is at-least-once:
// a fire missed while the process was down is replayed on Start, and the
// reminder pipeline dedups by fire instant.
package alarm
