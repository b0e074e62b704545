// Package jobstore persists in-flight validation jobs keyed by the job id the
// remote service assigned at submission time.
//
// The store is the single source of truth for work that has been submitted
// but not yet finalized. Three backends share one contract:
//
//   - FileStore: a single JSON document guarded by a lock and replaced
//     atomically (temp file + rename)
//   - SQLiteStore: an embedded SQLite database (WAL, single connection)
//   - RedisStore: a Redis hash, updated with optimistic WATCH transactions
//
// Every backend provides read-all, insert, per-key atomic read-modify-write
// and delete-by-key.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no record exists for the job id.
	ErrNotFound = errors.New("job record not found")

	// ErrExists indicates a record with the same job id is already stored.
	ErrExists = errors.New("job record already exists")

	// ErrAttemptRegression indicates an update tried to lower AttemptCount.
	ErrAttemptRegression = errors.New("attempt count cannot decrease")
)

// Store is the durable mapping from job id to Record.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Insert stores a new record. It fails with ErrExists if the id is taken.
	Insert(ctx context.Context, rec *Record) error

	// Get returns the record for jobID or ErrNotFound.
	Get(ctx context.Context, jobID string) (*Record, error)

	// List returns every record, oldest submission first.
	List(ctx context.Context) ([]Record, error)

	// Update applies fn to the current record and persists the result as one
	// atomic read-modify-write. The job id cannot be changed.
	Update(ctx context.Context, jobID string, fn func(*Record) error) (*Record, error)

	// Delete removes the record for jobID or returns ErrNotFound.
	Delete(ctx context.Context, jobID string) error

	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "json"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of "json" (default), "sqlite" or "redis".
	Backend string

	// Path is the JSON document or SQLite database path.
	Path string

	// RedisURL is a redis:// URL (redis backend only).
	RedisURL string

	// RedisKey is the hash key holding the records (redis backend only).
	RedisKey string
}

// Open opens the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendFile:
		return OpenFile(cfg.Path)
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case BackendRedis:
		return OpenRedis(ctx, cfg.RedisURL, cfg.RedisKey)
	default:
		return nil, fmt.Errorf("unsupported job store backend: %q", cfg.Backend)
	}
}

func validateNew(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	if strings.TrimSpace(rec.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if rec.State == "" {
		rec.State = StatePending
	}
	if !rec.State.Valid() {
		return fmt.Errorf("invalid job state: %q", rec.State)
	}
	return nil
}

// applyUpdate runs fn against a copy of prev and enforces the record
// invariants shared by every backend.
func applyUpdate(prev Record, fn func(*Record) error) (Record, error) {
	next := prev.Clone()
	if err := fn(&next); err != nil {
		return Record{}, err
	}
	next.JobID = prev.JobID
	if next.AttemptCount < prev.AttemptCount {
		return Record{}, fmt.Errorf("%w: %d -> %d", ErrAttemptRegression, prev.AttemptCount, next.AttemptCount)
	}
	if !next.State.Valid() {
		return Record{}, fmt.Errorf("invalid job state: %q", next.State)
	}
	return next, nil
}

func sortRecords(out []Record) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}
