package controller

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/config"
	"github.com/ChuLiYu/bulkflow/internal/store"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

type exportFinalCall struct {
	terminal types.JobStatus
	fin      store.ExportFinal
}

type fakeExportJobs struct {
	job      *types.ExportJob
	progress [][2]int64
	finals   []exportFinalCall
}

func (f *fakeExportJobs) GetExport(ctx context.Context, id uuid.UUID) (*types.ExportJob, error) {
	return f.job, nil
}

func (f *fakeExportJobs) TransitionExport(ctx context.Context, id uuid.UUID, from, to types.JobStatus, up store.TransitionUpdate) (*types.ExportJob, error) {
	if f.job.Status != from {
		return nil, &store.StatusError{Got: f.job.Status, Want: from}
	}
	f.job.Status = to
	return f.job, nil
}

func (f *fakeExportJobs) FinalizeExport(ctx context.Context, id uuid.UUID, nodeID string, terminal types.JobStatus, fin store.ExportFinal) (*types.ExportJob, error) {
	f.finals = append(f.finals, exportFinalCall{terminal: terminal, fin: fin})
	f.job.Status = terminal
	return f.job, nil
}

func (f *fakeExportJobs) UpdateExportProgress(ctx context.Context, id uuid.UUID, total, exported int64) error {
	f.progress = append(f.progress, [2]int64{total, exported})
	return nil
}

type fakeExporter struct {
	records []map[string]any
	err     error
}

func (f *fakeExporter) Count(ctx context.Context, resource types.ResourceType, filters types.ExportFilters) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(f.records)), nil
}

func (f *fakeExporter) Stream(ctx context.Context, resource types.ResourceType, filters types.ExportFilters, fields []string, fn func(map[string]any) error) (int64, error) {
	var n int64
	for _, rec := range f.records {
		if err := fn(rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

type fakePutter struct {
	uploads map[string][]byte
	signed  []string
	putErr  error
}

func newFakePutter() *fakePutter {
	return &fakePutter{uploads: make(map[string][]byte)}
}

func (f *fakePutter) PutStream(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]*string) (int64, error) {
	if f.putErr != nil {
		// reject without draining the reader, like a put that dies on the
		// first part
		return 0, f.putErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return int64(len(b)), err
	}
	f.uploads[key] = b
	return int64(len(b)), nil
}

func (f *fakePutter) PresignGet(key string, expiresIn time.Duration) (string, error) {
	f.signed = append(f.signed, key)
	return "https://signed.example.com/" + key, nil
}

func newExportFixture(job *types.ExportJob, q *fakeExporter) (*ExportController, *fakeExportJobs, *fakePutter, *fakeLocker) {
	jobs := &fakeExportJobs{job: job}
	putter := newFakePutter()
	locks := &fakeLocker{}
	c := NewExportController(jobs, q, putter, locks, NopObserver{},
		config.Default().Pipeline, time.Minute, zap.NewNop())
	return c, jobs, putter, locks
}

func TestExportRunHappyPath(t *testing.T) {
	id := uuid.New()
	q := &fakeExporter{records: []map[string]any{
		{"email": "a@x.com", "name": "A"},
		{"email": "b@x.com", "name": "B"},
	}}
	job := &types.ExportJob{ID: id, ResourceType: types.ResourceUsers, Format: types.FormatNDJSON, Status: types.StatusPending}
	c, jobs, putter, locks := newExportFixture(job, q)

	err := c.Run(context.Background(), types.JobData{
		JobID:        id,
		Kind:         types.KindExport,
		ResourceType: types.ResourceUsers,
		Format:       types.FormatNDJSON,
	})
	require.NoError(t, err)

	require.Len(t, jobs.finals, 1)
	final := jobs.finals[0]
	assert.Equal(t, types.StatusCompleted, final.terminal)
	assert.Equal(t, int64(2), final.fin.TotalRows)
	assert.Equal(t, int64(2), final.fin.ExportedRows)
	assert.Contains(t, final.fin.FileName, "exports/")
	assert.Contains(t, final.fin.FileName, id.String())
	assert.Contains(t, final.fin.DownloadURL, "signed.example.com")
	require.NotNil(t, final.fin.ExpiresAt)
	assert.Equal(t, final.fin.FileSize, int64(len(putter.uploads[final.fin.FileName])))

	body := string(putter.uploads[final.fin.FileName])
	assert.Equal(t, "{\"email\":\"a@x.com\",\"name\":\"A\"}\n{\"email\":\"b@x.com\",\"name\":\"B\"}\n", body)

	// the total was snapshotted before streaming began
	require.NotEmpty(t, jobs.progress)
	assert.Equal(t, [2]int64{2, 0}, jobs.progress[0])
	assert.Len(t, locks.released, 1)
}

func TestExportRunEmptyResult(t *testing.T) {
	id := uuid.New()
	job := &types.ExportJob{ID: id, ResourceType: types.ResourceUsers, Format: types.FormatJSON, Status: types.StatusPending}
	c, jobs, putter, _ := newExportFixture(job, &fakeExporter{})

	err := c.Run(context.Background(), types.JobData{
		JobID:        id,
		Kind:         types.KindExport,
		ResourceType: types.ResourceUsers,
		Format:       types.FormatJSON,
	})
	require.NoError(t, err)

	require.Len(t, jobs.finals, 1)
	final := jobs.finals[0]
	assert.Equal(t, types.StatusCompleted, final.terminal)
	assert.Equal(t, int64(0), final.fin.ExportedRows)
	// an empty JSON export is still a valid document
	assert.Equal(t, "[]", string(putter.uploads[final.fin.FileName]))
}

func TestExportRunCountFailureFinalizesFailed(t *testing.T) {
	id := uuid.New()
	job := &types.ExportJob{ID: id, ResourceType: types.ResourceUsers, Format: types.FormatCSV, Status: types.StatusPending}
	c, jobs, _, _ := newExportFixture(job, &fakeExporter{err: fmt.Errorf("db down")})

	err := c.Run(context.Background(), types.JobData{
		JobID:        id,
		Kind:         types.KindExport,
		ResourceType: types.ResourceUsers,
		Format:       types.FormatCSV,
	})
	require.NoError(t, err)

	require.Len(t, jobs.finals, 1)
	assert.Equal(t, types.StatusFailed, jobs.finals[0].terminal)
	assert.Contains(t, jobs.finals[0].fin.ErrorMessage, "count export rows")
}

func TestExportRunUploadFailureFinalizesFailed(t *testing.T) {
	id := uuid.New()
	q := &fakeExporter{records: []map[string]any{
		{"email": "a@x.com", "name": "A"},
		{"email": "b@x.com", "name": "B"},
	}}
	job := &types.ExportJob{ID: id, ResourceType: types.ResourceUsers, Format: types.FormatNDJSON, Status: types.StatusPending}
	c, jobs, putter, locks := newExportFixture(job, q)
	putter.putErr = fmt.Errorf("access denied")

	runDone := make(chan error, 1)
	go func() {
		runDone <- c.Run(context.Background(), types.JobData{
			JobID:        id,
			Kind:         types.KindExport,
			ResourceType: types.ResourceUsers,
			Format:       types.FormatNDJSON,
		})
	}()

	// a put that stops reading must not strand the encoder on the pipe
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after upload failure")
	}

	require.Len(t, jobs.finals, 1)
	assert.Equal(t, types.StatusFailed, jobs.finals[0].terminal)
	assert.Contains(t, jobs.finals[0].fin.ErrorMessage, "upload artifact")
	assert.Contains(t, jobs.finals[0].fin.ErrorMessage, "access denied")
	assert.Len(t, locks.released, 1)
}

func TestExportRunNotPendingDrops(t *testing.T) {
	id := uuid.New()
	job := &types.ExportJob{ID: id, Status: types.StatusCompleted}
	c, jobs, _, locks := newExportFixture(job, &fakeExporter{})

	err := c.Run(context.Background(), types.JobData{JobID: id, Kind: types.KindExport})
	require.NoError(t, err)
	assert.Empty(t, jobs.finals)
	assert.Len(t, locks.released, 1)
}

func TestExportRunCSVColumnOrder(t *testing.T) {
	id := uuid.New()
	q := &fakeExporter{records: []map[string]any{
		{"id": "x", "email": "a@x.com", "name": "A"},
	}}
	job := &types.ExportJob{ID: id, ResourceType: types.ResourceUsers, Format: types.FormatCSV, Status: types.StatusPending}
	c, jobs, putter, _ := newExportFixture(job, q)

	err := c.Run(context.Background(), types.JobData{
		JobID:        id,
		Kind:         types.KindExport,
		ResourceType: types.ResourceUsers,
		Format:       types.FormatCSV,
		Fields:       []string{"email", "name", "id"},
	})
	require.NoError(t, err)

	require.Len(t, jobs.finals, 1)
	body := string(putter.uploads[jobs.finals[0].fin.FileName])
	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "email,name,id", lines[0]) // requested order preserved
	assert.Equal(t, "a@x.com,A,x", lines[1])
}
