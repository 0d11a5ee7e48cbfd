package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/codec"
	"github.com/ChuLiYu/bulkflow/internal/config"
	"github.com/ChuLiYu/bulkflow/internal/export"
	"github.com/ChuLiYu/bulkflow/internal/storage"
	"github.com/ChuLiYu/bulkflow/internal/store"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// ExportJobs is the job-store slice the export controller drives.
type ExportJobs interface {
	GetExport(ctx context.Context, id uuid.UUID) (*types.ExportJob, error)
	TransitionExport(ctx context.Context, id uuid.UUID, from, to types.JobStatus, up store.TransitionUpdate) (*types.ExportJob, error)
	FinalizeExport(ctx context.Context, id uuid.UUID, nodeID string, terminal types.JobStatus, fin store.ExportFinal) (*types.ExportJob, error)
	UpdateExportProgress(ctx context.Context, id uuid.UUID, total, exported int64) error
}

// Exporter streams filtered rows; *export.Querier is the production
// implementation.
type Exporter interface {
	Count(ctx context.Context, resource types.ResourceType, f types.ExportFilters) (int64, error)
	Stream(ctx context.Context, resource types.ResourceType, f types.ExportFilters, fields []string, fn func(map[string]any) error) (int64, error)
}

// ObjectPutter uploads export artifacts and signs download URLs.
type ObjectPutter interface {
	PutStream(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]*string) (int64, error)
	PresignGet(key string, expiresIn time.Duration) (string, error)
}

// ExportController runs export jobs end to end on a worker slot.
type ExportController struct {
	jobs    ExportJobs
	query   Exporter
	objects ObjectPutter
	locks   Locker
	metrics Observer
	cfg     config.Pipeline
	lockTTL time.Duration
	log     *zap.Logger
}

// NewExportController wires the export pipeline.
func NewExportController(jobs ExportJobs, query Exporter, objects ObjectPutter, locks Locker,
	metrics Observer, cfg config.Pipeline, lockTTL time.Duration, log *zap.Logger) *ExportController {
	return &ExportController{
		jobs:    jobs,
		query:   query,
		objects: objects,
		locks:   locks,
		metrics: metrics,
		cfg:     cfg,
		lockTTL: lockTTL,
		log:     log.With(zap.String("component", "export")),
	}
}

// Run executes one delivered export job: count, stream-encode-upload
// through a pipe, presign, finalize.
func (c *ExportController) Run(ctx context.Context, data types.JobData) error {
	log := c.log.With(zap.String("job_id", data.JobID.String()),
		zap.String("resource", string(data.ResourceType)))

	l, err := claim(ctx, c.locks, exportLockKey(data.JobID), c.lockTTL, log,
		func(up store.TransitionUpdate) error {
			_, err := c.jobs.TransitionExport(ctx, data.JobID, types.StatusPending, types.StatusProcessing, up)
			return err
		})
	if err != nil || l == nil {
		return err
	}
	defer c.locks.Release(context.WithoutCancel(ctx), l)

	start := time.Now()
	c.metrics.JobStarted(string(types.KindExport))

	filters := types.ExportFilters{}
	if data.Filters != nil {
		filters = *data.Filters
	}
	total, err := c.query.Count(ctx, data.ResourceType, filters)
	if err != nil {
		return c.fail(ctx, data.JobID, start, log, fmt.Sprintf("failed to count export rows: %v", err))
	}
	if err := c.jobs.UpdateExportProgress(ctx, data.JobID, total, 0); err != nil {
		log.Warn("progress snapshot failed", zap.Error(err))
	}
	log.Info("export started", zap.Int64("total_rows", total),
		zap.String("format", string(data.Format)))

	key := storage.ExportKey(start.UTC(), data.JobID, data.Format)
	fields := export.Project(data.ResourceType, data.Fields)

	exported, size, err := c.upload(ctx, data, filters, fields, total, key)
	if err != nil {
		if errors.Is(err, errCancelled) {
			log.Info("export cancelled, stopping")
			return nil
		}
		return c.fail(ctx, data.JobID, start, log, fmt.Sprintf("export failed: %v", err))
	}

	url, err := c.objects.PresignGet(key, c.cfg.URLExpiry)
	if err != nil {
		return c.fail(ctx, data.JobID, start, log, fmt.Sprintf("failed to sign download url: %v", err))
	}

	elapsed := time.Since(start)
	met := &types.Metrics{
		DurationMS: elapsed.Milliseconds(),
		TotalBytes: size,
	}
	if elapsed > 0 {
		met.RowsPerSecond = float64(exported) / elapsed.Seconds()
	}
	expiresAt := time.Now().UTC().Add(c.cfg.URLExpiry)
	_, err = c.jobs.FinalizeExport(ctx, data.JobID, c.locks.NodeID(), types.StatusCompleted, store.ExportFinal{
		TotalRows:    total,
		ExportedRows: exported,
		FileName:     key,
		FileSize:     size,
		DownloadURL:  url,
		ExpiresAt:    &expiresAt,
		Metrics:      met,
		CompletedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("finalize export: %w", err)
	}
	c.metrics.JobCompleted(string(types.KindExport), elapsed.Seconds())
	log.Info("export completed",
		zap.Int64("exported", exported),
		zap.Int64("bytes", size),
		zap.String("key", key))
	return nil
}

// upload runs the query stream through the encoder into a pipe consumed by
// the object-store uploader. Returns rows emitted and artifact size.
func (c *ExportController) upload(ctx context.Context, data types.JobData, filters types.ExportFilters,
	fields []string, total int64, key string) (int64, int64, error) {

	pr, pw := io.Pipe()
	type streamResult struct {
		rows int64
		err  error
	}
	done := make(chan streamResult, 1)

	go func() {
		enc, err := codec.NewEncoder(data.Format, pw, fields)
		if err != nil {
			pw.CloseWithError(err)
			done <- streamResult{err: err}
			return
		}
		var emitted int64
		rows, err := c.query.Stream(ctx, data.ResourceType, filters, fields, func(rec map[string]any) error {
			if err := enc.Encode(rec); err != nil {
				return err
			}
			emitted++
			if emitted%int64(c.cfg.BatchSize*progressEvery) == 0 {
				if err := c.exportCheckpoint(ctx, data.JobID, total, emitted); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			err = enc.Close()
		}
		pw.CloseWithError(err)
		done <- streamResult{rows: rows, err: err}
	}()

	size, upErr := c.objects.PutStream(ctx, key, pr, data.Format.ContentType(), nil)
	if upErr != nil {
		// The uploader may have stopped reading before EOF; close the read
		// end so the encoder goroutine is not left blocked on a pipe write.
		pr.CloseWithError(upErr)
	}
	res := <-done
	if errors.Is(res.err, errCancelled) {
		return res.rows, size, res.err
	}
	if upErr != nil {
		return res.rows, size, fmt.Errorf("upload artifact: %w", upErr)
	}
	if res.err != nil {
		return res.rows, size, res.err
	}
	return res.rows, size, nil
}

func (c *ExportController) exportCheckpoint(ctx context.Context, id uuid.UUID, total, exported int64) error {
	if err := c.jobs.UpdateExportProgress(ctx, id, total, exported); err != nil {
		return err
	}
	job, err := c.jobs.GetExport(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == types.StatusCancelled {
		return errCancelled
	}
	return nil
}

func (c *ExportController) fail(ctx context.Context, id uuid.UUID, start time.Time, log *zap.Logger, msg string) error {
	_, err := c.jobs.FinalizeExport(ctx, id, c.locks.NodeID(), types.StatusFailed, store.ExportFinal{
		Metrics:      &types.Metrics{DurationMS: time.Since(start).Milliseconds()},
		ErrorMessage: msg,
		CompletedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("finalize failed export: %w", err)
	}
	c.metrics.JobFailed(string(types.KindExport), time.Since(start).Seconds())
	log.Warn("export failed", zap.String("error", msg))
	return nil
}
