//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "habitping/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var schemaSQL string

const schemaVersion = 1

// sqliteStore keeps the preference keys, the audit trail and reminder dedup
// marks in one database file. Expired dedup marks are pruned on open.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the preference record is tiny and writes are rare.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = FULL"}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	if n, err := st.pruneDedup(ctx, time.Now()); err == nil && n > 0 {
		log.Debug("expired reminder dedup marks pruned", logx.Int64("rows", n))
	}
	return st, nil
}

// migrate applies the schema when user_version is behind.
func (s *sqliteStore) migrate(ctx context.Context) error {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return err
	}
	if v >= schemaVersion {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Info("sqlite schema migrated", logx.Int("from", v), logx.Int("to", schemaVersion))
	return nil
}

func (s *sqliteStore) open() error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s.open() != nil {
		return nil
	}
	db := s.db
	s.db = nil
	return db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.open(); err != nil {
		return nil, false, err
	}
	var v []byte
	switch err := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, key).Scan(&v); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return v, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, val []byte) error {
	if err := s.open(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("key required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prefs(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, val, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if err := s.open(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM prefs WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := s.open(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, outcome, detail, meta) VALUES(?, ?, ?, ?, ?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Action, e.Outcome, optional(e.Detail), optional(e.MetaJSON))
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := s.open(); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminder_dedup(key, until) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli())
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if err := s.open(); err != nil {
		return time.Time{}, false, err
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	switch err := s.db.QueryRowContext(ctx, `SELECT until FROM reminder_dedup WHERE key = ?`, key).Scan(&ms); {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneDedup(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminder_dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func optional(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
