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

const exportColumns = `id, resource_type, format, status, filters, fields, download_url,
	file_name, file_size, total_rows, exported_rows, metrics, error_message,
	expires_at, started_at, completed_at, locked_by, locked_at, version,
	created_at, updated_at`

// CreateExport inserts a new PENDING export job.
func (s *Store) CreateExport(ctx context.Context, job *types.ExportJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = types.StatusPending
	filtJSON, err := json.Marshal(job.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	fieldsJSON, err := json.Marshal(job.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO export_jobs (id, resource_type, format, status, filters, fields,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, now(), now())
		RETURNING version, created_at, updated_at`,
		job.ID, job.ResourceType, job.Format, job.Status, filtJSON, fieldsJSON)
	return row.Scan(&job.Version, &job.CreatedAt, &job.UpdatedAt)
}

// GetExport fetches one export job by ID.
func (s *Store) GetExport(ctx context.Context, id uuid.UUID) (*types.ExportJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+exportColumns+` FROM export_jobs WHERE id = $1`, id)
	return scanExport(row)
}

// TransitionExport is the export-side atomic status transition.
func (s *Store) TransitionExport(ctx context.Context, id uuid.UUID, from, to types.JobStatus, up TransitionUpdate) (*types.ExportJob, error) {
	if !types.CanTransition(from, to) {
		return nil, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	var job *types.ExportJob
	err := s.serializable(ctx, func(tx *sql.Tx) error {
		var current types.JobStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM export_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
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
			UPDATE export_jobs
			SET status = $2, locked_by = $3, locked_at = $4,
				started_at = COALESCE($5, started_at),
				version = version + 1, updated_at = now()
			WHERE id = $1
			RETURNING `+exportColumns,
			id, to, up.LockedBy, up.LockedAt, up.StartedAt)
		job, err = scanExport(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ExportFinal carries the terminal snapshot written by FinalizeExport.
type ExportFinal struct {
	TotalRows    int64
	ExportedRows int64
	FileName     string
	FileSize     int64
	DownloadURL  string
	ExpiresAt    *time.Time
	Metrics      *types.Metrics
	ErrorMessage string
	CompletedAt  time.Time
}

// FinalizeExport is the export-side finalize; same lost-lock no-op
// semantics as FinalizeImport.
func (s *Store) FinalizeExport(ctx context.Context, id uuid.UUID, nodeID string, terminal types.JobStatus, fin ExportFinal) (*types.ExportJob, error) {
	if !terminal.Terminal() {
		return nil, fmt.Errorf("finalize to non-terminal status %s", terminal)
	}
	metJSON, err := marshalMetrics(fin.Metrics)
	if err != nil {
		return nil, err
	}
	var job *types.ExportJob
	err = s.serializable(ctx, func(tx *sql.Tx) error {
		var current types.JobStatus
		var lockedBy sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT status, locked_by FROM export_jobs WHERE id = $1 FOR UPDATE`, id).
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
			UPDATE export_jobs
			SET status = $2, total_rows = $3, exported_rows = $4, file_name = $5,
				file_size = $6, download_url = $7, expires_at = $8, metrics = $9,
				error_message = $10, completed_at = $11,
				locked_by = NULL, locked_at = NULL,
				version = version + 1, updated_at = now()
			WHERE id = $1
			RETURNING `+exportColumns,
			id, terminal, fin.TotalRows, fin.ExportedRows, nullStr(fin.FileName),
			fin.FileSize, nullStr(fin.DownloadURL), fin.ExpiresAt, metJSON,
			nullStr(fin.ErrorMessage), fin.CompletedAt)
		job, err = scanExport(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateExportProgress writes total/exported row counts without a status
// change. Same racy-snapshot contract as the import side.
func (s *Store) UpdateExportProgress(ctx context.Context, id uuid.UUID, total, exported int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET total_rows = $2, exported_rows = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, total, exported, types.StatusProcessing)
	return err
}

// RefreshExportURL persists a regenerated presigned URL. This is the only
// write allowed on a terminal job.
func (s *Store) RefreshExportURL(ctx context.Context, id uuid.UUID, url string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET download_url = $2, expires_at = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, url, expiresAt, types.StatusCompleted)
	return err
}

// ListStaleExports mirrors ListStaleImports for export jobs.
func (s *Store) ListStaleExports(ctx context.Context, now time.Time, stale, staleLock time.Duration) ([]*types.ExportJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+exportColumns+` FROM export_jobs
		WHERE (status = $1 AND started_at < $2)
		   OR (locked_by IS NOT NULL AND locked_at < $3 AND status IN ($1, $4))
		ORDER BY created_at ASC`,
		types.StatusProcessing, now.Add(-stale), now.Add(-staleLock), types.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*types.ExportJob
	for rows.Next() {
		job, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReclaimExport recovers one stale export job; see ReclaimImport.
func (s *Store) ReclaimExport(ctx context.Context, id uuid.UUID, restart bool, reason string, now time.Time) error {
	return s.serializable(ctx, func(tx *sql.Tx) error {
		var current types.JobStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM export_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if restart && current == types.StatusProcessing {
			_, err = tx.ExecContext(ctx, `
				UPDATE export_jobs
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
			UPDATE export_jobs
			SET status = $2, locked_by = NULL, locked_at = NULL,
				completed_at = $3, error_message = $4,
				version = version + 1, updated_at = now()
			WHERE id = $1`,
			id, types.StatusFailed, now, reason)
		return err
	})
}

func scanExport(r rowScanner) (*types.ExportJob, error) {
	var job types.ExportJob
	var (
		downloadURL, fileName, errMsg, lockedBy      sql.NullString
		expiresAt, startedAt, completedAt, lockedAt  sql.NullTime
		filtJSON, fieldsJSON, metJSON                []byte
	)
	err := r.Scan(&job.ID, &job.ResourceType, &job.Format, &job.Status, &filtJSON,
		&fieldsJSON, &downloadURL, &fileName, &job.FileSize, &job.TotalRows,
		&job.ExportedRows, &metJSON, &errMsg, &expiresAt, &startedAt, &completedAt,
		&lockedBy, &lockedAt, &job.Version, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.DownloadURL = downloadURL.String
	job.FileName = fileName.String
	job.ErrorMessage = errMsg.String
	job.ExpiresAt = timePtr(expiresAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.LockedBy = strPtr(lockedBy)
	job.LockedAt = timePtr(lockedAt)
	if len(filtJSON) > 0 {
		if err := json.Unmarshal(filtJSON, &job.Filters); err != nil {
			return nil, fmt.Errorf("unmarshal filters: %w", err)
		}
	}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &job.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal fields: %w", err)
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
