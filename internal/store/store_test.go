package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/pkg/types"
)

var importCols = []string{
	"id", "idempotency_key", "resource_type", "status", "file_url", "storage_key",
	"file_name", "file_size", "file_format", "total_rows", "processed_rows",
	"successful_rows", "failed_rows", "skipped_rows", "errors", "metrics",
	"error_message", "started_at", "completed_at", "locked_by", "locked_at",
	"version", "created_at", "updated_at",
}

func importRow(id uuid.UUID, status types.JobStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(importCols).AddRow(
		id.String(), nil, "users", string(status), nil, nil,
		"users.ndjson", int64(0), "ndjson", int64(0), int64(0),
		int64(0), int64(0), int64(0), []byte("[]"), nil,
		nil, nil, nil, nil, nil,
		int64(2), now, now,
	)
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, zap.NewNop()), mock
}

func TestTransitionImportWinsRace(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM import_jobs").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectQuery("UPDATE import_jobs").
		WillReturnRows(importRow(id, types.StatusProcessing))
	mock.ExpectCommit()

	node := "node-1"
	now := time.Now()
	job, err := s.TransitionImport(context.Background(), id,
		types.StatusPending, types.StatusProcessing,
		TransitionUpdate{LockedBy: &node, LockedAt: &now, StartedAt: &now})
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionImportLosesRace(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM import_jobs").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))
	mock.ExpectRollback()

	_, err := s.TransitionImport(context.Background(), id,
		types.StatusPending, types.StatusProcessing, TransitionUpdate{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.StatusProcessing, se.Got)
	assert.Equal(t, types.StatusPending, se.Want)
	assert.Equal(t, "status is processing, expected pending", se.Error())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionImportRejectsIllegalEdge(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.TransitionImport(context.Background(), uuid.New(),
		types.StatusCompleted, types.StatusProcessing, TransitionUpdate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")
}

func TestTransitionImportNotFound(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM import_jobs").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, err := s.TransitionImport(context.Background(), id,
		types.StatusPending, types.StatusProcessing, TransitionUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeImportNoopsWhenNotOwned(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, locked_by FROM import_jobs").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status", "locked_by"}).
			AddRow("processing", "node-2"))
	mock.ExpectCommit()

	job, err := s.FinalizeImport(context.Background(), id, "node-1",
		types.StatusCompleted, ImportFinal{CompletedAt: time.Now()})
	require.NoError(t, err)
	assert.Nil(t, job) // skipped, no update issued
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeImportRejectsNonTerminal(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.FinalizeImport(context.Background(), uuid.New(), "node-1",
		types.StatusProcessing, ImportFinal{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-terminal")
}

func TestFinalizeImportWritesSnapshot(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, locked_by FROM import_jobs").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status", "locked_by"}).
			AddRow("processing", "node-1"))
	mock.ExpectQuery("UPDATE import_jobs").
		WillReturnRows(importRow(id, types.StatusCompleted))
	mock.ExpectCommit()

	job, err := s.FinalizeImport(context.Background(), id, "node-1",
		types.StatusCompleted, ImportFinal{
			Counters:    types.Counters{Total: 10, Processed: 10, Successful: 9, Failed: 1},
			Metrics:     &types.Metrics{RowsPerSecond: 50},
			CompletedAt: time.Now(),
		})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateImportProgressOnlyWhileProcessing(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE import_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateImportProgress(context.Background(), id,
		types.Counters{Processed: 100, Successful: 95, Failed: 5}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleImports(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM import_jobs").
		WillReturnRows(importRow(id, types.StatusProcessing))

	jobs, err := s.ListStaleImports(context.Background(), time.Now(), 30*time.Minute, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimImportRestartsProcessing(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM import_jobs").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))
	mock.ExpectExec("UPDATE import_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.ReclaimImport(context.Background(), id, true, "reset by recovery", time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimImportLeavesTerminalAlone(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM import_jobs").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectCommit()

	err := s.ReclaimImport(context.Background(), id, true, "reset by recovery", time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetImportNotFound(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM import_jobs").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(importCols))

	_, err := s.GetImport(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}
