package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"botfleet/internal/broadcast"
	"botfleet/internal/queue"
	logx "botfleet/pkg/logx"
)

// FileStore persists jobs and broadcasts without a database.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type FileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	compactEvery int
	writes       int

	jobs       map[string]queue.Job
	broadcasts map[string]broadcast.Broadcast
}

// journalRecord is one line of the journal. Exactly one of Job, Broadcast
// or Delete is set.
type journalRecord struct {
	Job       *queue.Job           `json:"job,omitempty"`
	Broadcast *broadcast.Broadcast `json:"broadcast,omitempty"`
	Delete    *deleteRecord        `json:"delete,omitempty"`
}

type deleteRecord struct {
	Kind string   `json:"kind"` // "job" | "broadcast"
	IDs  []string `json:"ids"`
}

type fileSnapshot struct {
	Jobs       []queue.Job           `json:"jobs"`
	Broadcasts []broadcast.Broadcast `json:"broadcasts"`
}

func OpenFile(cfg FileConfig, log logx.Logger) (*FileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.file.path is required for the file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &FileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: cfg.CompactEvery,
		jobs:         make(map[string]queue.Job),
		broadcasts:   make(map[string]broadcast.Broadcast),
	}
	if s.compactEvery <= 0 {
		s.compactEvery = 1000
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("jobs", len(s.jobs)), logx.Int("broadcasts", len(s.broadcasts)))
	return s, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *FileStore) InsertJobs(_ context.Context, jobs []queue.Job) error {
	return s.putJobs(jobs)
}

func (s *FileStore) UpdateJobs(_ context.Context, jobs []queue.Job) error {
	return s.putJobs(jobs)
}

func (s *FileStore) putJobs(jobs []queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]journalRecord, len(jobs))
	for i := range jobs {
		recs[i] = journalRecord{Job: &jobs[i]}
	}
	if err := s.appendLocked(recs...); err != nil {
		return err
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s.maybeCompactLocked(len(jobs))
}

func (s *FileStore) LoadJobs(context.Context) ([]queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *FileStore) DeleteJobs(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Delete: &deleteRecord{Kind: "job", IDs: ids}}); err != nil {
		return err
	}
	for _, id := range ids {
		delete(s.jobs, id)
	}
	return s.maybeCompactLocked(1)
}

func (s *FileStore) SaveBroadcast(_ context.Context, b broadcast.Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Broadcast: &b}); err != nil {
		return err
	}
	s.broadcasts[b.ID] = b
	return s.maybeCompactLocked(1)
}

func (s *FileStore) LoadBroadcasts(context.Context) ([]broadcast.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broadcast.Broadcast, 0, len(s.broadcasts))
	for _, b := range s.broadcasts {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) DeleteBroadcasts(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Delete: &deleteRecord{Kind: "broadcast", IDs: ids}}); err != nil {
		return err
	}
	for _, id := range ids {
		delete(s.broadcasts, id)
	}
	return s.maybeCompactLocked(1)
}

func (s *FileStore) appendLocked(recs ...journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	w := bufio.NewWriter(s.journal)
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (s *FileStore) maybeCompactLocked(n int) error {
	before := s.writes / s.compactEvery
	s.writes += n
	if s.writes/s.compactEvery == before {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		// The journal still holds every record; compaction retries later.
		s.log.Warn("file store compact failed", logx.Err(err))
	}
	return nil
}

func (s *FileStore) compactLocked() error {
	snap := fileSnapshot{
		Jobs:       make([]queue.Job, 0, len(s.jobs)),
		Broadcasts: make([]broadcast.Broadcast, 0, len(s.broadcasts)),
	}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}
	for _, b := range s.broadcasts {
		snap.Broadcasts = append(snap.Broadcasts, b)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
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
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *FileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, j := range snap.Jobs {
		s.jobs[j.ID] = j
	}
	for _, b := range snap.Broadcasts {
		s.broadcasts[b.ID] = b
	}
	return nil
}

// replay applies the journal on top of the snapshot. A torn final line
// from a crash is skipped.
func (s *FileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Warn("skipping corrupt journal line", logx.Err(err))
			continue
		}
		switch {
		case r.Job != nil:
			s.jobs[r.Job.ID] = *r.Job
		case r.Broadcast != nil:
			s.broadcasts[r.Broadcast.ID] = *r.Broadcast
		case r.Delete != nil:
			for _, id := range r.Delete.IDs {
				if r.Delete.Kind == "job" {
					delete(s.jobs, id)
				} else {
					delete(s.broadcasts, id)
				}
			}
		}
	}
	return sc.Err()
}
