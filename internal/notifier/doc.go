// Package notifier delivers daily habit reminders through the Push Delivery
// Service.
//
// Reminders are queued when the alarm host fires and handed to a small worker
// pool. Each send is rate limited and transport failures are retried with a
// jittered exponential backoff. A provider rejection is final: the stored
// address is invalidated so the user is asked to re-enable.
//
// # Dedup
//
// Reminders are keyed by their fire instant. The key is written through to
// storage before the reminder is queued, so an alarm that fires twice (or a
// process that restarts right after firing) does not send the same reminder twice.
//
// # History
//
// The service keeps a small in-memory history of recent outcomes for the
// status command.
package notifier
