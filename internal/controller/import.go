package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/codec"
	"github.com/ChuLiYu/bulkflow/internal/config"
	"github.com/ChuLiYu/bulkflow/internal/record"
	"github.com/ChuLiYu/bulkflow/internal/store"
	"github.com/ChuLiYu/bulkflow/internal/upsert"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// ImportJobs is the job-store slice the import controller drives.
type ImportJobs interface {
	GetImport(ctx context.Context, id uuid.UUID) (*types.ImportJob, error)
	TransitionImport(ctx context.Context, id uuid.UUID, from, to types.JobStatus, up store.TransitionUpdate) (*types.ImportJob, error)
	FinalizeImport(ctx context.Context, id uuid.UUID, nodeID string, terminal types.JobStatus, fin store.ImportFinal) (*types.ImportJob, error)
	UpdateImportProgress(ctx context.Context, id uuid.UUID, c types.Counters, errs []types.RowError) error
}

// ObjectGetter opens staged import files.
type ObjectGetter interface {
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
}

// Upserter writes validated batches.
type Upserter interface {
	UpsertBatch(ctx context.Context, resource types.ResourceType, rows []record.Validated) (upsert.Result, error)
}

// ImportController runs import jobs end to end on a worker slot.
type ImportController struct {
	jobs    ImportJobs
	objects ObjectGetter
	upserts Upserter
	locks   Locker
	metrics Observer
	client  *http.Client
	cfg     config.Pipeline
	lockTTL time.Duration
	log     *zap.Logger
}

// NewImportController wires the import pipeline. client may be nil for the
// default HTTP client.
func NewImportController(jobs ImportJobs, objects ObjectGetter, upserts Upserter, locks Locker,
	metrics Observer, client *http.Client, cfg config.Pipeline, lockTTL time.Duration, log *zap.Logger) *ImportController {
	if client == nil {
		client = http.DefaultClient
	}
	return &ImportController{
		jobs:    jobs,
		objects: objects,
		upserts: upserts,
		locks:   locks,
		metrics: metrics,
		client:  client,
		cfg:     cfg,
		lockTTL: lockTTL,
		log:     log.With(zap.String("component", "import")),
	}
}

// Run executes one delivered import job. Errors returned before the job is
// claimed request redelivery; once the job is PROCESSING every failure is
// absorbed into the job record instead.
func (c *ImportController) Run(ctx context.Context, data types.JobData) error {
	log := c.log.With(zap.String("job_id", data.JobID.String()),
		zap.String("resource", string(data.ResourceType)))

	l, err := claim(ctx, c.locks, importLockKey(data.JobID), c.lockTTL, log,
		func(up store.TransitionUpdate) error {
			_, err := c.jobs.TransitionImport(ctx, data.JobID, types.StatusPending, types.StatusProcessing, up)
			return err
		})
	if err != nil || l == nil {
		return err
	}
	defer c.locks.Release(context.WithoutCancel(ctx), l)

	start := time.Now()
	c.metrics.JobStarted(string(types.KindImport))
	log.Info("import started", zap.String("format", string(data.FileFormat)))

	body, err := c.openSource(ctx, data)
	if err != nil {
		return c.fail(ctx, data.JobID, types.Counters{}, nil, nil, start, log,
			fmt.Sprintf("failed to open import file: %v", err))
	}
	defer body.Close()

	counted := codec.NewCountingReader(body)
	dec, err := codec.NewDecoder(data.FileFormat, newCappedReader(counted, c.cfg.MaxFileSize))
	if err != nil {
		return c.fail(ctx, data.JobID, types.Counters{}, nil, counted, start, log, err.Error())
	}
	batcher := codec.NewBatcher(dec, c.cfg.BatchSize)
	meter := codec.NewMeter(c.cfg.ProgressInterval, func(rep codec.MeterReport) {
		log.Info("import progress",
			zap.Int64("rows", rep.TotalRows),
			zap.Float64("rows_per_second", rep.RowsPerSecond))
	})

	var (
		counters types.Counters
		rowErrs  []types.RowError
		batches  int
	)
	for {
		rows, err := batcher.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			counters.Total = counters.Processed
			return c.fail(ctx, data.JobID, counters, rowErrs, counted, start, log,
				fmt.Sprintf("failed to parse import file: %v", err))
		}

		failedBefore := counters.Failed
		valid := make([]record.Validated, 0, len(rows))
		for _, row := range rows {
			counters.Processed++
			if row.Err != nil {
				counters.Failed++
				rowErrs = types.AppendError(rowErrs, types.RowError{Row: row.Line, Message: row.Err.Error()})
				continue
			}
			v, vErrs := record.Validate(data.ResourceType, row.Line, row.Record)
			if len(vErrs) > 0 {
				counters.Failed++
				for _, e := range vErrs {
					rowErrs = types.AppendError(rowErrs, e)
				}
				continue
			}
			valid = append(valid, *v)
		}

		res, err := c.upserts.UpsertBatch(ctx, data.ResourceType, valid)
		counters.Successful += res.Successful
		counters.Failed += res.Failed
		for _, e := range res.Errors {
			rowErrs = types.AppendError(rowErrs, e)
		}
		if err != nil {
			// Transaction-level failure: every row the engine had not yet
			// accounted for counts as failed.
			lost := int64(len(valid)) - res.Successful - res.Failed
			if lost > 0 {
				counters.Failed += lost
			}
			log.Error("batch write failed", zap.Error(err))
			rowErrs = types.AppendError(rowErrs, types.RowError{
				Row:     rows[0].Line,
				Message: fmt.Sprintf("batch write failed: %v", err),
			})
		}

		meter.Tick(len(rows))
		c.metrics.RowsProcessed(int64(len(rows)))
		c.metrics.RowsFailed(counters.Failed - failedBefore)

		batches++
		if batches%progressEvery == 0 {
			if err := c.checkpoint(ctx, data.JobID, counters, rowErrs); err != nil {
				if errors.Is(err, errCancelled) {
					log.Info("import cancelled, stopping")
					return nil
				}
				log.Warn("progress snapshot failed", zap.Error(err))
			}
		}
	}

	counters.Total = counters.Processed
	rep := meter.Finish()
	met := &types.Metrics{
		RowsPerSecond: rep.RowsPerSecond,
		DurationMS:    rep.ElapsedMS,
		TotalBytes:    counted.Count(),
	}
	if counters.Processed > 0 {
		met.ErrorRate = float64(counters.Failed) / float64(counters.Processed)
	}
	_, err = c.jobs.FinalizeImport(ctx, data.JobID, c.locks.NodeID(), types.StatusCompleted, store.ImportFinal{
		Counters:    counters,
		Errors:      rowErrs,
		Metrics:     met,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("finalize import: %w", err)
	}
	c.metrics.JobCompleted(string(types.KindImport), time.Since(start).Seconds())
	log.Info("import completed",
		zap.Int64("processed", counters.Processed),
		zap.Int64("successful", counters.Successful),
		zap.Int64("failed", counters.Failed),
		zap.Float64("rows_per_second", rep.RowsPerSecond))
	return nil
}

// checkpoint flushes progress and aborts with errCancelled when the job row
// was moved to CANCELLED behind our back.
func (c *ImportController) checkpoint(ctx context.Context, id uuid.UUID, counters types.Counters, rowErrs []types.RowError) error {
	if err := c.jobs.UpdateImportProgress(ctx, id, counters, rowErrs); err != nil {
		return err
	}
	job, err := c.jobs.GetImport(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == types.StatusCancelled {
		return errCancelled
	}
	return nil
}

// fail finalizes the job as FAILED. The delivery itself succeeds: the
// failure lives in the job record, not the queue.
func (c *ImportController) fail(ctx context.Context, id uuid.UUID, counters types.Counters,
	rowErrs []types.RowError, counted *codec.CountingReader, start time.Time, log *zap.Logger, msg string) error {

	var met *types.Metrics
	if counted != nil {
		met = &types.Metrics{
			DurationMS: time.Since(start).Milliseconds(),
			TotalBytes: counted.Count(),
		}
	}
	_, err := c.jobs.FinalizeImport(ctx, id, c.locks.NodeID(), types.StatusFailed, store.ImportFinal{
		Counters:     counters,
		Errors:       rowErrs,
		Metrics:      met,
		ErrorMessage: msg,
		CompletedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("finalize failed import: %w", err)
	}
	c.metrics.JobFailed(string(types.KindImport), time.Since(start).Seconds())
	log.Warn("import failed", zap.String("error", msg))
	return nil
}

// openSource yields the import byte stream: staged object first, source URL
// otherwise.
func (c *ImportController) openSource(ctx context.Context, data types.JobData) (io.ReadCloser, error) {
	if data.StorageKey != "" {
		return c.objects.GetStream(ctx, data.StorageKey)
	}
	if data.FileURL == "" {
		return nil, errors.New("job has neither a staged file nor a source URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, data.FileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", data.FileURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %s", data.FileURL, resp.Status)
	}
	return resp.Body, nil
}

// cappedReader fails the stream once more than max bytes have been read, so
// an oversized file aborts the job instead of silently truncating.
type cappedReader struct {
	r    io.Reader
	max  int64
	read int64
}

func newCappedReader(r io.Reader, max int64) io.Reader {
	if max <= 0 {
		return r
	}
	return &cappedReader{r: r, max: max}
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.max {
		return n, fmt.Errorf("file exceeds maximum size of %d bytes", c.max)
	}
	return n, err
}
