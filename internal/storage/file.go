package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jobmesh/internal/task"
	logx "jobmesh/pkg/logx"
)

// fileStore is a dependency-free persistence backend. State lives in a
// memStore; every mutation is appended to a journal before it returns.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (periodic snapshot)
//   - <prefix>.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	*memStore
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	writes       int
}

const compactEvery = 1000

type journalRecord struct {
	Op    string          `json:"op"` // put | del
	Kind  string          `json:"kind"`
	Key   string          `json:"key"`
	Data  json.RawMessage `json:"data,omitempty"`
	Until int64           `json:"until,omitempty"`
}

type snapshot struct {
	Tasks    []task.Task      `json:"tasks"`
	Statuses []task.RunStatus `json:"statuses"`
	Ranges   []task.TimeRange `json:"ranges"`
	Dedup    map[string]int64 `json:"dedup"`
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

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	mem := newMemStore()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage journal replay stopped", logx.String("path", journalPath), logx.Err(err))
	}
	pruneExpiredDedup(mem.dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		memStore:     mem,
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact on close failed", logx.Err(err))
		}
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// mutate applies fn to memory and journals rec under one lock so the
// journal order matches the in-memory order.
func (s *fileStore) mutate(rec journalRecord, v any, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("storage journal closed")
	}
	if err := fn(); err != nil {
		return err
	}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		rec.Data = b
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) PutTask(ctx context.Context, t task.Task) error {
	return s.mutate(journalRecord{Op: "put", Kind: "task", Key: t.ID}, t, func() error {
		return s.memStore.PutTask(ctx, t)
	})
}

func (s *fileStore) DeleteTask(ctx context.Context, org, id string) error {
	return s.mutate(journalRecord{Op: "del", Kind: "task", Key: id}, nil, func() error {
		return s.memStore.DeleteTask(ctx, org, id)
	})
}

func (s *fileStore) PutStatus(ctx context.Context, st task.RunStatus) error {
	return s.mutate(journalRecord{Op: "put", Kind: "status", Key: st.TaskID}, st, func() error {
		return s.memStore.PutStatus(ctx, st)
	})
}

func (s *fileStore) PutTimeRange(ctx context.Context, r task.TimeRange) error {
	return s.mutate(journalRecord{Op: "put", Kind: "range", Key: r.Name}, r, func() error {
		return s.memStore.PutTimeRange(ctx, r)
	})
}

func (s *fileStore) DeleteTimeRange(ctx context.Context, name string) error {
	return s.mutate(journalRecord{Op: "del", Kind: "range", Key: name}, nil, func() error {
		return s.memStore.DeleteTimeRange(ctx, name)
	})
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.mutate(journalRecord{Op: "put", Kind: "dedup", Key: key, Until: until.UnixMilli()}, nil, func() error {
		return s.memStore.PutDedup(ctx, key, until)
	})
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) compactLocked() error {
	s.memStore.mu.Lock()
	pruneExpiredDedup(s.memStore.dedup)
	s.memStore.mu.Unlock()

	snap := snapshot{Dedup: map[string]int64{}}
	s.memStore.mu.RLock()
	for _, t := range s.memStore.tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	for _, st := range s.memStore.statuses {
		snap.Statuses = append(snap.Statuses, st)
	}
	for _, r := range s.memStore.ranges {
		snap.Ranges = append(snap.Ranges, r)
	}
	for k, v := range s.memStore.dedup {
		snap.Dedup[k] = v
	}
	s.memStore.mu.RUnlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, m *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, t := range snap.Tasks {
		m.tasks[t.ID] = t
	}
	for _, st := range snap.Statuses {
		m.statuses[st.TaskID] = st
	}
	for _, r := range snap.Ranges {
		m.ranges[r.Name] = r
	}
	for k, v := range snap.Dedup {
		m.dedup[k] = v
	}
	return nil
}

func replayJournal(path string, m *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		applyRecord(m, r)
	}
	return sc.Err()
}

func applyRecord(m *memStore, r journalRecord) {
	switch r.Kind + "/" + r.Op {
	case "task/put":
		var t task.Task
		if json.Unmarshal(r.Data, &t) == nil {
			m.tasks[r.Key] = t
		}
	case "task/del":
		delete(m.tasks, r.Key)
		delete(m.statuses, r.Key)
	case "status/put":
		var st task.RunStatus
		if json.Unmarshal(r.Data, &st) == nil {
			m.statuses[r.Key] = st
		}
	case "range/put":
		var tr task.TimeRange
		if json.Unmarshal(r.Data, &tr) == nil {
			m.ranges[r.Key] = tr
		}
	case "range/del":
		delete(m.ranges, r.Key)
	case "dedup/put":
		m.dedup[r.Key] = r.Until
	}
}
