package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriver        = "sqlite"
	sqliteSchemaVersion = 1
)

// SQLiteStore persists records in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and creates if needed) the database at path.
//
// Notes:
// - Parent directories are created if they do not exist.
// - WAL and busy_timeout are applied; a single connection serializes writers.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}
	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("job store path is required")
	}
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path, nil
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create store directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if dsn == ":memory:" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobstore_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO jobstore_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			source_path TEXT NOT NULL,
			source_file_name TEXT NOT NULL,
			cost_center_tag TEXT,
			created_at TEXT NOT NULL,
			state TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			row_count INTEGER NOT NULL DEFAULT 0,
			last_checked_at TEXT,
			last_error TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, sqliteSchemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const selectColumns = `job_id, source_path, source_file_name, cost_center_tag, created_at, state, attempt_count, row_count, last_checked_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec         Record
		tag         sql.NullString
		createdAt   string
		state       string
		lastChecked sql.NullString
		lastErr     sql.NullString
	)
	if err := row.Scan(&rec.JobID, &rec.SourcePath, &rec.SourceFileName, &tag, &createdAt, &state, &rec.AttemptCount, &rec.RowCount, &lastChecked, &lastErr); err != nil {
		return Record{}, err
	}
	rec.CostCenterTag = tag.String
	rec.State = State(state)
	rec.LastError = lastErr.String

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse created_at for %s: %w", rec.JobID, err)
	}
	rec.CreatedAt = t
	if lastChecked.Valid && lastChecked.String != "" {
		lc, err := time.Parse(time.RFC3339Nano, lastChecked.String)
		if err != nil {
			return Record{}, fmt.Errorf("parse last_checked_at for %s: %w", rec.JobID, err)
		}
		rec.LastCheckedAt = &lc
	}
	return rec, nil
}

func formatOptional(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *Record) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, rec.JobID).Scan(&exists)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrExists, rec.JobID)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check job %s: %w", rec.JobID, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			job_id, source_path, source_file_name, cost_center_tag, created_at, state, attempt_count, row_count, last_checked_at, last_error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.JobID, rec.SourcePath, rec.SourceFileName, rec.CostCenterTag,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), string(rec.State),
		rec.AttemptCount, rec.RowCount, formatOptional(rec.LastCheckedAt), rec.LastError, now,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", rec.JobID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE job_id = ?`, jobID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *SQLiteStore) Update(ctx context.Context, jobID string, fn func(*Record) error) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE job_id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	next, err := applyUpdate(prev, fn)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET
			source_path=?, source_file_name=?, cost_center_tag=?, state=?, attempt_count=?, row_count=?,
			last_checked_at=?, last_error=?, updated_at=?
		WHERE job_id=?
	`,
		next.SourcePath, next.SourceFileName, next.CostCenterTag, string(next.State), next.AttemptCount, next.RowCount,
		formatOptional(next.LastCheckedAt), next.LastError, time.Now().UTC().Format(time.RFC3339Nano),
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update %s: %w", jobID, err)
	}
	return &next, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
