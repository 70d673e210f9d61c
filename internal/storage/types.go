package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (tests, dry runs)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (build tag sqlite)
//   - "redis": remote redis instance (Addr/Password/DB/Prefix)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string // redis only
	Password string // redis only
	DB       int    // redis only
	Prefix   string // redis only; default "habitping:"
}

// AuditEntry records a lifecycle event (permission outcome, token
// invalidation, test send). Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Action   string    `json:"action"`
	Outcome  string    `json:"outcome"`
	Detail   string    `json:"detail,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
