// Package store persists import and export job records in Postgres and
// provides the two primitives every state change must go through: an atomic
// status transition and a finalize, both executed under SERIALIZABLE
// isolation with the job row locked FOR UPDATE. Progress snapshots bypass
// the transaction discipline on purpose — they may lose races but never
// change status.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// ErrNotFound is returned when no job row matches.
var ErrNotFound = errors.New("job not found")

// StatusError reports a transition refused because the row was not in the
// expected state.
type StatusError struct {
	Got  types.JobStatus
	Want types.JobStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status is %s, expected %s", e.Got, e.Want)
}

// TransitionUpdate carries the fields applied together with a status change.
type TransitionUpdate struct {
	LockedBy  *string
	LockedAt  *time.Time
	StartedAt *time.Time
}

// Store is the Postgres-backed job store.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// New wraps an open database handle.
func New(db *sql.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log.With(zap.String("component", "store"))}
}

// DB exposes the underlying handle for the pipelines that run their own
// transactions (upsert batches, export queries).
func (s *Store) DB() *sql.DB { return s.db }

const importColumns = `id, idempotency_key, resource_type, status, file_url, storage_key,
	file_name, file_size, file_format, total_rows, processed_rows, successful_rows,
	failed_rows, skipped_rows, errors, metrics, error_message, started_at,
	completed_at, locked_by, locked_at, version, created_at, updated_at`

// CreateImport inserts a new PENDING import job, assigning an ID when unset.
func (s *Store) CreateImport(ctx context.Context, job *types.ImportJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = types.StatusPending
	errJSON, err := json.Marshal(job.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO import_jobs (id, idempotency_key, resource_type, status, file_url,
			storage_key, file_name, file_size, file_format, errors, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, now(), now())
		RETURNING version, created_at, updated_at`,
		job.ID, job.IdempotencyKey, job.ResourceType, job.Status, nullStr(job.FileURL),
		nullStr(job.StorageKey), job.FileName, job.FileSize, job.FileFormat, errJSON)
	return row.Scan(&job.Version, &job.CreatedAt, &job.UpdatedAt)
}

// GetImport fetches one import job by ID.
func (s *Store) GetImport(ctx context.Context, id uuid.UUID) (*types.ImportJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+importColumns+` FROM import_jobs WHERE id = $1`, id)
	return scanImport(row)
}

// GetImportByIdempotencyKey fetches the import job previously created with
// the given key, or ErrNotFound.
func (s *Store) GetImportByIdempotencyKey(ctx context.Context, key string) (*types.ImportJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+importColumns+` FROM import_jobs WHERE idempotency_key = $1`, key)
	return scanImport(row)
}

// TransitionImport atomically moves a job from one status to another,
// applying the update in the same transaction. Exactly one of two racing
// calls with the same `from` can succeed; the loser gets a StatusError.
func (s *Store) TransitionImport(ctx context.Context, id uuid.UUID, from, to types.JobStatus, up TransitionUpdate) (*types.ImportJob, error) {
	if !types.CanTransition(from, to) {
		return nil, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	var job *types.ImportJob
	err := s.serializable(ctx, func(tx *sql.Tx) error {
		var current types.JobStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM import_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if current != from {
			return &StatusError{Got: current, Want: from}
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE import_jobs
			SET status = $2, locked_by = $3, locked_at = $4,
				started_at = COALESCE($5, started_at),
				version = version + 1, updated_at = now()
			WHERE id = $1
			RETURNING `+importColumns,
			id, to, up.LockedBy, up.LockedAt, up.StartedAt)
		job, err = scanImport(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ImportFinal carries the terminal snapshot written by FinalizeImport.
type ImportFinal struct {
	Counters     types.Counters
	Errors       []types.RowError
	Metrics      *types.Metrics
	ErrorMessage string
	CompletedAt  time.Time
}

// FinalizeImport moves a PROCESSING job owned by nodeID to a terminal
// status and clears ownership. When the row is no longer PROCESSING or is
// owned elsewhere — a lost lock — the call no-ops with a warning; the new
// owner drives the job.
func (s *Store) FinalizeImport(ctx context.Context, id uuid.UUID, nodeID string, terminal types.JobStatus, fin ImportFinal) (*types.ImportJob, error) {
	if !terminal.Terminal() {
		return nil, fmt.Errorf("finalize to non-terminal status %s", terminal)
	}
	errJSON, err := json.Marshal(fin.Errors)
	if err != nil {
		return nil, fmt.Errorf("marshal errors: %w", err)
	}
	metJSON, err := marshalMetrics(fin.Metrics)
	if err != nil {
		return nil, err
	}
	var job *types.ImportJob
	err = s.serializable(ctx, func(tx *sql.Tx) error {
		var current types.JobStatus
		var lockedBy sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT status, locked_by FROM import_jobs WHERE id = $1 FOR UPDATE`, id).
			Scan(&current, &lockedBy)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if current != types.StatusProcessing || (lockedBy.Valid && lockedBy.String != nodeID) {
			s.log.Warn("finalize skipped, job no longer owned",
				zap.String("job_id", id.String()),
				zap.String("status", string(current)),
				zap.String("locked_by", lockedBy.String),
				zap.String("node_id", nodeID))
			return nil
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE import_jobs
			SET status = $2, total_rows = $3, processed_rows = $4, successful_rows = $5,
				failed_rows = $6, skipped_rows = $7, errors = $8, metrics = $9,
				error_message = $10, completed_at = $11,
				locked_by = NULL, locked_at = NULL,
				version = version + 1, updated_at = now()
			WHERE id = $1
			RETURNING `+importColumns,
			id, terminal, fin.Counters.Total, fin.Counters.Processed,
			fin.Counters.Successful, fin.Counters.Failed, fin.Counters.Skipped,
			errJSON, metJSON, nullStr(fin.ErrorMessage), fin.CompletedAt)
		job, err = scanImport(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateImportProgress writes a progress snapshot without a status change.
// It is racy by design: a stale snapshot only lags, it never moves counters
// backwards past a later snapshot because updates are monotone per owner.
func (s *Store) UpdateImportProgress(ctx context.Context, id uuid.UUID, c types.Counters, errs []types.RowError) error {
	errJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET total_rows = $2, processed_rows = $3, successful_rows = $4,
			failed_rows = $5, skipped_rows = $6, errors = $7,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND status = $8`,
		id, c.Total, c.Processed, c.Successful, c.Failed, c.Skipped, errJSON,
		types.StatusProcessing)
	return err
}

// ListStaleImports finds jobs abandoned by a dead owner: PROCESSING past
// the stale threshold, or still holding a lock past the lock threshold.
func (s *Store) ListStaleImports(ctx context.Context, now time.Time, stale, staleLock time.Duration) ([]*types.ImportJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+importColumns+` FROM import_jobs
		WHERE (status = $1 AND started_at < $2)
		   OR (locked_by IS NOT NULL AND locked_at < $3 AND status IN ($1, $4))
		ORDER BY created_at ASC`,
		types.StatusProcessing, now.Add(-stale), now.Add(-staleLock), types.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*types.ImportJob
	for rows.Next() {
		job, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReclaimImport recovers one stale import job. With restart the job returns
// to PENDING for re-delivery; otherwise it is failed outright. The status
// is rechecked under the row lock so a job that finished meanwhile is left
// alone.
func (s *Store) ReclaimImport(ctx context.Context, id uuid.UUID, restart bool, reason string, now time.Time) error {
	return s.serializable(ctx, func(tx *sql.Tx) error {
		var current types.JobStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM import_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if restart && current == types.StatusProcessing {
			_, err = tx.ExecContext(ctx, `
				UPDATE import_jobs
				SET status = $2, locked_by = NULL, locked_at = NULL, started_at = NULL,
					error_message = $3, version = version + 1, updated_at = now()
				WHERE id = $1`,
				id, types.StatusPending, reason)
			return err
		}
		if current.Terminal() {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE import_jobs
			SET status = $2, locked_by = NULL, locked_at = NULL,
				completed_at = $3, error_message = $4,
				version = version + 1, updated_at = now()
			WHERE id = $1`,
			id, types.StatusFailed, now, reason)
		return err
	})
}

// serializable runs fn inside a SERIALIZABLE transaction with
// commit/rollback handling.
func (s *Store) serializable(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImport(r rowScanner) (*types.ImportJob, error) {
	var job types.ImportJob
	var (
		idemKey, fileURL, storageKey, errMsg, lockedBy sql.NullString
		startedAt, completedAt, lockedAt               sql.NullTime
		errJSON, metJSON                               []byte
	)
	err := r.Scan(&job.ID, &idemKey, &job.ResourceType, &job.Status, &fileURL,
		&storageKey, &job.FileName, &job.FileSize, &job.FileFormat,
		&job.Total, &job.Processed, &job.Successful, &job.Failed, &job.Skipped,
		&errJSON, &metJSON, &errMsg, &startedAt, &completedAt, &lockedBy,
		&lockedAt, &job.Version, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.IdempotencyKey = strPtr(idemKey)
	job.FileURL = fileURL.String
	job.StorageKey = storageKey.String
	job.ErrorMessage = errMsg.String
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.LockedBy = strPtr(lockedBy)
	job.LockedAt = timePtr(lockedAt)
	if len(errJSON) > 0 {
		if err := json.Unmarshal(errJSON, &job.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	if len(metJSON) > 0 {
		job.Metrics = &types.Metrics{}
		if err := json.Unmarshal(metJSON, job.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	return &job, nil
}

func marshalMetrics(m *types.Metrics) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}
	return b, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
