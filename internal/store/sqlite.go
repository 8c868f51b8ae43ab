// Package store persists job records in SQLite. It is the single source of
// truth for job state; every mutation goes through a guarded transition and
// bumps updated_at.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"printforge/internal/apperrors"
	"printforge/internal/job"
)

// ErrTerminal is returned when a write targets a job that already reached a
// terminal state. Such writes are no-ops; a stale retry completing after a
// fresher writer must stand down.
var ErrTerminal = errors.New("job is already terminal")

// ErrRetryExhausted is returned when an increment would push retry_count
// past max_retries.
var ErrRetryExhausted = errors.New("retry budget exhausted")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  id              TEXT PRIMARY KEY,
  resource_key    TEXT NOT NULL,
  content_key     TEXT NOT NULL,
  provider        TEXT NOT NULL,
  status          TEXT NOT NULL,
  input_params    TEXT,
  output_url      TEXT,
  output_metadata TEXT,
  error_message   TEXT,
  retry_count     INTEGER NOT NULL DEFAULT 0,
  max_retries     INTEGER NOT NULL DEFAULT 0,
  created_at      INTEGER NOT NULL,
  started_at      INTEGER,
  completed_at    INTEGER,
  updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_resource_status ON jobs (resource_key, status);
`

// Store is a SQLite-backed job store.
type Store struct {
	db       *sql.DB
	onChange func(job.Job)
	now      func() time.Time
}

// Open opens (creating if needed) the job database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent executor goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle so sibling tables (cache index) can share
// the database file and connection.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// OnChange registers a hook invoked with the fresh row after every
// successful mutation. Set before any writes happen; not synchronized.
func (s *Store) OnChange(fn func(job.Job)) { s.onChange = fn }

func (s *Store) notify(j job.Job) {
	if s.onChange != nil {
		s.onChange(j)
	}
}

// Create inserts a new pending job, conditional on no active (pending or
// processing) job existing for the same resource key. The existence check
// and the insert are a single statement, so two concurrent submitters cannot
// both win. On conflict the error carries the existing job's id.
func (s *Store) Create(ctx context.Context, j job.Job) (job.Job, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO jobs (id, resource_key, content_key, provider, status, input_params,
                          retry_count, max_retries, created_at, updated_at)
        SELECT ?, ?, ?, ?, ?, ?, 0, ?, ?, ?
        WHERE NOT EXISTS (
            SELECT 1 FROM jobs WHERE resource_key = ? AND status IN (?, ?)
        )`,
		j.ID, j.ResourceKey, j.ContentKey, j.Provider, string(job.StatusPending),
		string(j.InputParams), j.MaxRetries, now, now,
		j.ResourceKey, string(job.StatusPending), string(job.StatusProcessing),
	)
	if err != nil {
		return job.Job{}, apperrors.Internal("store.create", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return job.Job{}, apperrors.Internal("store.create", err)
	}
	if n == 0 {
		existing, found, err := s.FindActive(ctx, j.ResourceKey)
		if err != nil {
			return job.Job{}, err
		}
		id := ""
		if found {
			id = existing.ID
		}
		return job.Job{}, apperrors.Conflict("job", id,
			fmt.Sprintf("an active job already exists for resource %s", j.ResourceKey))
	}

	created, err := s.Get(ctx, j.ID)
	if err != nil {
		return job.Job{}, err
	}
	s.notify(created)
	return created, nil
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, apperrors.NotFound("job", id)
	}
	if err != nil {
		return job.Job{}, apperrors.Internal("store.get", err)
	}
	return j, nil
}

// FindActive returns the pending or processing job for a resource key, if any.
func (s *Store) FindActive(ctx context.Context, resourceKey string) (job.Job, bool, error) {
	row := s.db.QueryRowContext(ctx,
		selectJob+` WHERE resource_key = ? AND status IN (?, ?) ORDER BY created_at LIMIT 1`,
		resourceKey, string(job.StatusPending), string(job.StatusProcessing),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, false, nil
	}
	if err != nil {
		return job.Job{}, false, apperrors.Internal("store.findActive", err)
	}
	return j, true, nil
}

// List returns the most recently updated jobs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectJob+` ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListUnfinished returns all non-terminal jobs, oldest first. Used to
// re-adopt work after a service restart.
func (s *Store) ListUnfinished(ctx context.Context) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		selectJob+` WHERE status IN (?, ?) ORDER BY created_at`,
		string(job.StatusPending), string(job.StatusProcessing),
	)
	if err != nil {
		return nil, apperrors.Internal("store.listUnfinished", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkProcessing moves a job into processing. Idempotent for jobs already
// processing (a retry re-enters the remote call without leaving the state).
func (s *Store) MarkProcessing(ctx context.Context, id string) (job.Job, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
        WHERE id = ? AND status IN (?, ?)`,
		string(job.StatusProcessing), now, now,
		id, string(job.StatusPending), string(job.StatusProcessing),
	)
	if err != nil {
		return job.Job{}, apperrors.Internal("store.markProcessing", err)
	}
	return s.afterTransition(ctx, id, res)
}

// IncrementRetry bumps retry_count for a processing job. Fails with
// ErrRetryExhausted if the budget would be exceeded, so retry_count never
// passes max_retries.
func (s *Store) IncrementRetry(ctx context.Context, id string) (job.Job, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET retry_count = retry_count + 1, updated_at = ?
        WHERE id = ? AND status = ? AND retry_count < max_retries`,
		now, id, string(job.StatusProcessing),
	)
	if err != nil {
		return job.Job{}, apperrors.Internal("store.incrementRetry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return job.Job{}, apperrors.Internal("store.incrementRetry", err)
	}
	if n == 0 {
		cur, getErr := s.Get(ctx, id)
		if getErr != nil {
			return job.Job{}, getErr
		}
		if cur.Status.Terminal() {
			return cur, ErrTerminal
		}
		return cur, ErrRetryExhausted
	}
	updated, err := s.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	s.notify(updated)
	return updated, nil
}

// MarkCompleted finishes a processing job with its output artifact.
func (s *Store) MarkCompleted(ctx context.Context, id, outputURL string, metadata map[string]string) (job.Job, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return job.Job{}, apperrors.Internal("store.markCompleted", err)
	}
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET status = ?, output_url = ?, output_metadata = ?, completed_at = ?, updated_at = ?
        WHERE id = ? AND status = ?`,
		string(job.StatusCompleted), outputURL, string(metaJSON), now, now,
		id, string(job.StatusProcessing),
	)
	if err != nil {
		return job.Job{}, apperrors.Internal("store.markCompleted", err)
	}
	return s.afterTransition(ctx, id, res)
}

// MarkFailed finishes a processing or pending job with a short, human
// readable message. Technical detail belongs in logs, not in the row.
func (s *Store) MarkFailed(ctx context.Context, id, message string) (job.Job, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`,
		string(job.StatusFailed), message, now, now,
		id, string(job.StatusPending), string(job.StatusProcessing),
	)
	if err != nil {
		return job.Job{}, apperrors.Internal("store.markFailed", err)
	}
	return s.afterTransition(ctx, id, res)
}

// afterTransition resolves the outcome of a guarded UPDATE: zero affected
// rows means the job is missing or already terminal.
func (s *Store) afterTransition(ctx context.Context, id string, res sql.Result) (job.Job, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return job.Job{}, apperrors.Internal("store.transition", err)
	}
	if n == 0 {
		cur, getErr := s.Get(ctx, id)
		if getErr != nil {
			return job.Job{}, getErr
		}
		if cur.Status.Terminal() {
			return cur, ErrTerminal
		}
		return cur, apperrors.Conflict("job", id, "illegal status transition")
	}
	updated, err := s.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	s.notify(updated)
	return updated, nil
}

const selectJob = `
SELECT id, resource_key, content_key, provider, status, input_params,
       output_url, output_metadata, error_message, retry_count, max_retries,
       created_at, started_at, completed_at, updated_at
FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (job.Job, error) {
	var (
		j                             job.Job
		status                        string
		inputParams                   sql.NullString
		outputURL, outputMeta, errMsg sql.NullString
		createdMs, updatedMs          int64
		startedMs, completedMs        sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.ResourceKey, &j.ContentKey, &j.Provider, &status, &inputParams,
		&outputURL, &outputMeta, &errMsg, &j.RetryCount, &j.MaxRetries,
		&createdMs, &startedMs, &completedMs, &updatedMs)
	if err != nil {
		return job.Job{}, err
	}
	j.Status = job.Status(status)
	if inputParams.Valid && inputParams.String != "" {
		j.InputParams = json.RawMessage(inputParams.String)
	}
	if outputURL.Valid {
		j.OutputURL = outputURL.String
	}
	if outputMeta.Valid && outputMeta.String != "" {
		if err := json.Unmarshal([]byte(outputMeta.String), &j.OutputMetadata); err != nil {
			return job.Job{}, err
		}
	}
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	j.CreatedAt = time.UnixMilli(createdMs)
	j.UpdatedAt = time.UnixMilli(updatedMs)
	if startedMs.Valid {
		t := time.UnixMilli(startedMs.Int64)
		j.StartedAt = &t
	}
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64)
		j.CompletedAt = &t
	}
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]job.Job, error) {
	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("store.scan", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.scan", err)
	}
	return out, nil
}
