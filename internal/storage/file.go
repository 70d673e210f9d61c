package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	logx "habitping/pkg/logx"
)

// fileStore persists to plain files that several processes may share: the
// daemon and one-shot CLI commands open the same path.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (periodic snapshot of kv + dedup)
//   - <prefix>.journal.jsonl  (append-only journal of mutations)
//   - <prefix>.lock           (advisory lock held around every operation)
//
// Every operation takes the lock and first folds in journal records other
// handles appended since the last one, so reads never serve a stale value
// and compaction never drops a foreign write.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	lock      *flock.Flock
	auditFile *os.File

	snapshotPath string
	snapInfo     os.FileInfo // snapshot as last loaded; nil if absent
	journalFile  *os.File
	journalOff   int64 // journal bytes already applied

	kv    map[string][]byte
	dedup map[string]int64 // unix milli

	writes     int
	compactAt  int
	syncWrites bool
}

const (
	opPut   = "put"
	opDel   = "del"
	opDedup = "dedup"
)

const lockRetry = 5 * time.Millisecond

type journalRecord struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Val   []byte `json:"val,omitempty"`
	Until int64  `json:"until,omitempty"`
}

type snapshot struct {
	KV    map[string][]byte `json:"kv"`
	Dedup map[string]int64  `json:"dedup"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		lock:         flock.New(prefix + ".lock"),
		snapshotPath: prefix + ".snapshot.json",
		compactAt:    500,
		syncWrites:   true,
	}
	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("storage: lock %s: %w", s.lock.Path(), err)
	}
	defer func() { _ = s.lock.Unlock() }()

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = s.lock.Close()
		return nil, err
	}
	jf, err := os.OpenFile(prefix+".journal.jsonl", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		_ = s.lock.Close()
		return nil, err
	}
	s.auditFile = af
	s.journalFile = jf

	if err := s.reloadLocked(); err != nil {
		_ = af.Close()
		_ = jf.Close()
		_ = s.lock.Close()
		return nil, err
	}
	return s, nil
}

// acquire takes s.mu and the file lock and syncs with disk. The returned
// func releases both.
func (s *fileStore) acquire(ctx context.Context) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.journalFile == nil {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	ok, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil || !ok {
		s.mu.Unlock()
		if err == nil {
			err = errors.New("storage: file lock not acquired")
		}
		return nil, err
	}
	release := func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}
	if err := s.syncLocked(); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	if err := s.lock.Lock(); err == nil {
		// Leave a compact snapshot behind so the next open is cheap.
		if err := s.syncLocked(); err != nil {
			s.log.Debug("sync on close failed", logx.Err(err))
		} else if err := s.compactLocked(); err != nil {
			s.log.Debug("compact on close failed", logx.Err(err))
		}
		_ = s.lock.Unlock()
	}
	err1 := s.auditFile.Close()
	err2 := s.journalFile.Close()
	s.auditFile = nil
	s.journalFile = nil
	_ = s.lock.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	defer release()
	v, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Put(ctx context.Context, key string, val []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key required")
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	cp := append([]byte(nil), val...)
	if err := s.appendLocked(journalRecord{Op: opPut, Key: key, Val: cp}); err != nil {
		return err
	}
	s.kv[key] = cp
	return nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, ok := s.kv[key]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: opDel, Key: key}); err != nil {
		return err
	}
	delete(s.kv, key)
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := s.appendLocked(journalRecord{Op: opDedup, Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedup[key] = ms
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	defer release()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// syncLocked brings the maps up to date with disk. A replaced snapshot or a
// journal shorter than what was applied means another handle compacted, so
// everything is reloaded; otherwise only the new journal tail is applied.
// Call with s.mu and the file lock held.
func (s *fileStore) syncLocked() error {
	info, err := os.Stat(s.snapshotPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		info = nil
	}
	ji, err := s.journalFile.Stat()
	if err != nil {
		return err
	}
	if !sameSnapshot(s.snapInfo, info) || ji.Size() < s.journalOff {
		return s.reloadLocked()
	}
	if ji.Size() == s.journalOff {
		return nil
	}
	snap := snapshot{KV: s.kv, Dedup: s.dedup}
	return s.replayTailLocked(ji.Size(), &snap)
}

// reloadLocked rebuilds the maps from the snapshot and the whole journal.
func (s *fileStore) reloadLocked() error {
	snap := snapshot{KV: map[string][]byte{}, Dedup: map[string]int64{}}
	if err := loadSnapshot(s.snapshotPath, &snap); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("snapshot unreadable; starting from journal only", logx.Err(err), logx.String("path", s.snapshotPath))
	}
	s.snapInfo = nil
	if info, err := os.Stat(s.snapshotPath); err == nil {
		s.snapInfo = info
	}
	ji, err := s.journalFile.Stat()
	if err != nil {
		return err
	}
	s.journalOff = 0
	if err := s.replayTailLocked(ji.Size(), &snap); err != nil {
		s.log.Warn("journal replay stopped early", logx.Err(err), logx.String("path", s.journalFile.Name()))
	}
	pruneExpiredDedup(snap.Dedup)
	s.kv = snap.KV
	s.dedup = snap.Dedup
	return nil
}

// replayTailLocked applies journal bytes [journalOff, size) to out. Writers
// hold the file lock, so an unterminated last line is a crash remnant; it is
// closed off with a newline so the next record starts on its own line.
func (s *fileStore) replayTailLocked(size int64, out *snapshot) error {
	n, err := replayJournal(io.NewSectionReader(s.journalFile, s.journalOff, size-s.journalOff), out)
	s.journalOff += n
	if err != nil {
		return err
	}
	if s.journalOff < size {
		if _, err := s.journalFile.Write([]byte("\n")); err != nil {
			return err
		}
		s.journalOff = size + 1
	}
	return nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journalFile.Write(b); err != nil {
		return err
	}
	if s.syncWrites {
		if err := s.journalFile.Sync(); err != nil {
			return err
		}
	}
	s.journalOff += int64(len(b))
	s.writes++
	if s.compactAt > 0 && s.writes%s.compactAt == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked folds the journal into the snapshot. The maps must be in
// sync with disk.
func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snapshot{KV: s.kv, Dedup: s.dedup}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if info, err := os.Stat(s.snapshotPath); err == nil {
		s.snapInfo = info
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	s.journalOff = 0
	return nil
}

func sameSnapshot(a, b os.FileInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return os.SameFile(a, b) && a.Size() == b.Size() && a.ModTime().Equal(b.ModTime())
}

func loadSnapshot(path string, out *snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.KV {
		out.KV[k] = v
	}
	for k, v := range snap.Dedup {
		out.Dedup[k] = v
	}
	return nil
}

// replayJournal applies newline-terminated records from r and returns the
// number of bytes they span. A trailing partial line is left unconsumed.
func replayJournal(r io.Reader, out *snapshot) (int64, error) {
	br := bufio.NewReader(r)
	var n int64
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		n += int64(len(line))
		var rec journalRecord
		if err := json.Unmarshal(bytes.TrimSpace(line), &rec); err != nil || rec.Key == "" {
			continue
		}
		switch rec.Op {
		case opPut:
			out.KV[rec.Key] = rec.Val
		case opDel:
			delete(out.KV, rec.Key)
		case opDedup:
			out.Dedup[rec.Key] = rec.Until
		}
	}
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
