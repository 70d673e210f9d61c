// Package storage provides the durable key/value layer shared by the
// foreground and background contexts.
//
// It supports:
//   - Whole-value key/value records (the preference record lives here)
//   - Audit log appends (lifecycle events: grants, denials, invalidations)
//   - Reminder dedup state (to survive restarts)
package storage
