package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"adbot/internal/errors"
	logx "adbot/pkg/logx"
)

// fileStore keeps three files next to each other:
//   - <prefix>.audit.jsonl             append-only audit log
//   - <prefix>.lastsent.snapshot.json  compacted ledger
//   - <prefix>.lastsent.journal.jsonl  appends since the last compaction
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath string
	auditFile *os.File

	snapshotPath string
	journal      *os.File
	lastSent     map[string]int64 // unix milli, 0 = forgotten

	writes       int
	compactEvery int
}

type ledgerRecord struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.Validationf("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "storage dir")
	}

	s := &fileStore{
		log:          log,
		auditPath:    prefix + ".audit.jsonl",
		snapshotPath: prefix + ".lastsent.snapshot.json",
		lastSent:     map[string]int64{},
		compactEvery: 1000,
	}
	journalPath := prefix + ".lastsent.journal.jsonl"

	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open audit log")
	}
	if err := loadSnapshot(s.snapshotPath, s.lastSent); err != nil && !os.IsNotExist(err) {
		log.Warn("last-sent snapshot unreadable", logx.Err(err))
	}
	if err := replayJournal(journalPath, s.lastSent); err != nil && !os.IsNotExist(err) {
		log.Warn("last-sent journal unreadable", logx.Err(err))
	}
	for k, v := range s.lastSent {
		if v == 0 {
			delete(s.lastSent, k)
		}
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, errors.Wrap(err, "open last-sent journal")
	}
	s.auditFile = af
	s.journal = jf
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("last_sent", len(s.lastSent)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil, ErrDisabled
	}
	f, err := os.Open(s.auditPath)
	if err != nil {
		return nil, errors.Wrap(err, "read audit log")
	}
	defer f.Close()

	ring := make([]AuditEntry, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]AuditEntry, len(ring))
	for i, e := range ring {
		out[len(ring)-1-i] = e
	}
	return out, nil
}

func (s *fileStore) PutLastSent(_ context.Context, key string, at time.Time) error {
	return s.writeLedger(key, at.UnixMilli())
}

func (s *fileStore) ForgetLastSent(_ context.Context, key string) error {
	return s.writeLedger(key, 0)
}

func (s *fileStore) writeLedger(key string, ms int64) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	if ms == 0 {
		if _, ok := s.lastSent[key]; !ok {
			return nil
		}
		delete(s.lastSent, key)
	} else {
		s.lastSent[key] = ms
	}
	if err := json.NewEncoder(s.journal).Encode(ledgerRecord{Key: key, At: ms}); err != nil {
		return errors.Wrap(err, "append last-sent journal")
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("last-sent compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LastSent(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.lastSent[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.lastSent); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r ledgerRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.At
	}
	return sc.Err()
}
