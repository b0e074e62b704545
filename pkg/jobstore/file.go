package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockRetry is how often a blocked FileStore re-tries the document lock.
const lockRetry = 10 * time.Millisecond

// FileStore keeps all records in one JSON document keyed by job id.
//
// Layout:
//
//	{
//	  "4711": { "job_id": "4711", "state": "pending", ... },
//	  ...
//	}
//
// The document is re-read on every operation so external edits by an
// operator are honoured, and rewritten through a temp file + rename so a
// crash never leaves a truncated store behind.
//
// Every operation holds an OS lock on <path>.lock for its whole
// read-modify-write, so a watcher and a `jobs` command sharing the file never
// overwrite each other's changes.
type FileStore struct {
	path string
	mu   sync.Mutex
	lk   *flock.Flock
}

var _ Store = (*FileStore)(nil)

// OpenFile returns a FileStore rooted at path, creating its parent directory.
func OpenFile(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("job store path is required")
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0755); err != nil {
		return nil, fmt.Errorf("create job store dir: %w", err)
	}
	path = filepath.Clean(path)
	s := &FileStore{path: path, lk: flock.New(path + ".lock")}
	unlock, err := s.lock(context.Background())
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// lock serializes access within the process and across processes.
func (s *FileStore) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	ok, err := s.lk.TryLockContext(ctx, lockRetry)
	if err != nil || !ok {
		s.mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("lock job store %s: %w", s.path, err)
	}
	return func() {
		_ = s.lk.Unlock()
		s.mu.Unlock()
	}, nil
}

// Path returns the backing document path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Insert(ctx context.Context, rec *Record) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := all[rec.JobID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.JobID)
	}
	all[rec.JobID] = rec.Clone()
	return s.save(all)
}

func (s *FileStore) Get(ctx context.Context, jobID string) (*Record, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	rec, ok := all[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return &rec, nil
}

func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(all))
	for _, rec := range all {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *FileStore) Update(ctx context.Context, jobID string, fn func(*Record) error) (*Record, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	prev, ok := all[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	next, err := applyUpdate(prev, fn)
	if err != nil {
		return nil, err
	}
	all[jobID] = next
	if err := s.save(all); err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *FileStore) Delete(ctx context.Context, jobID string) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := all[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	delete(all, jobID)
	return s.save(all)
}

func (s *FileStore) Close() error {
	return s.lk.Close()
}

func (s *FileStore) load() (map[string]Record, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("read job store: %w", err)
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return map[string]Record{}, nil
	}

	var all map[string]Record
	if err := json.Unmarshal([]byte(trimmed), &all); err != nil {
		return nil, fmt.Errorf("parse job store %s: %w", s.path, err)
	}
	if all == nil {
		all = map[string]Record{}
	}
	// The map key is authoritative; older documents may omit job_id.
	for id, rec := range all {
		if rec.JobID == "" {
			rec.JobID = id
			all[id] = rec
		}
	}
	return all, nil
}

func (s *FileStore) save(all map[string]Record) error {
	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job store: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp job store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename job store: %w", err)
	}
	return nil
}
