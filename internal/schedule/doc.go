// Package schedule turns a user-chosen wall-clock time into the next
// absolute fire instant.
//
// The package only computes *when* the daily reminder should conceptually
// fire. Waking anything up at that instant is the alarm host's job
// (internal/alarm), which promises at-least-once, approximately-on-time
// delivery and nothing finer than a minute.
package schedule
