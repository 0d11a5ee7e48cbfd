// Package controller orchestrates job execution on a worker slot. Each
// handler runs the same skeleton: take the per-job Redis lease, win the
// atomic PENDING -> PROCESSING transition, run the pipeline, finalize. The
// database transition is the authority on ownership; the lease only keeps
// other nodes from burning work on a job already in flight.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/lock"
	"github.com/ChuLiYu/bulkflow/internal/store"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// errCancelled aborts a pipeline when the job row was cancelled mid-run.
// The run stops without finalizing; the row already carries its terminal
// status.
var errCancelled = errors.New("job cancelled")

// progressEvery is how many batches (import) or pages (export) pass between
// progress snapshots and cancellation checks.
const progressEvery = 10

// Locker is the slice of the lock manager the controllers use.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration, retries int, retryDelay time.Duration) (*lock.Lock, error)
	Release(ctx context.Context, l *lock.Lock) bool
	NodeID() string
}

// Observer receives job-level metric events.
type Observer interface {
	JobStarted(kind string)
	JobCompleted(kind string, seconds float64)
	JobFailed(kind string, seconds float64)
	RowsProcessed(n int64)
	RowsFailed(n int64)
}

// NopObserver satisfies Observer for tests and tooling that run pipelines
// without a registry.
type NopObserver struct{}

func (NopObserver) JobStarted(string)            {}
func (NopObserver) JobCompleted(string, float64) {}
func (NopObserver) JobFailed(string, float64)    {}
func (NopObserver) RowsProcessed(int64)          {}
func (NopObserver) RowsFailed(int64)             {}

func importLockKey(id uuid.UUID) string { return "import-job:" + id.String() }
func exportLockKey(id uuid.UUID) string { return "export-job:" + id.String() }

// Dispatcher routes queue payloads to the right controller. Its Handle
// method is the worker pool's handler.
type Dispatcher struct {
	imports *ImportController
	exports *ExportController
	log     *zap.Logger
}

// NewDispatcher wires the two controllers behind one handler.
func NewDispatcher(imports *ImportController, exports *ExportController, log *zap.Logger) *Dispatcher {
	return &Dispatcher{imports: imports, exports: exports, log: log}
}

// Handle executes one delivered job payload.
func (d *Dispatcher) Handle(ctx context.Context, data types.JobData) error {
	switch data.Kind {
	case types.KindImport:
		return d.imports.Run(ctx, data)
	case types.KindExport:
		return d.exports.Run(ctx, data)
	}
	d.log.Warn("dropping payload of unknown kind",
		zap.String("kind", string(data.Kind)),
		zap.String("job_id", data.JobID.String()))
	return nil
}

// claim wins or loses the right to run a job: contended lease and lost
// transition races both resolve to a clean drop (nil lock, nil error).
func claim(ctx context.Context, locks Locker, key string, ttl time.Duration, log *zap.Logger,
	transition func(up store.TransitionUpdate) error) (*lock.Lock, error) {

	l, err := locks.Acquire(ctx, key, ttl, 0, 0)
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyHeld) {
			log.Warn("job lease already held by this process", zap.String("key", key))
			return nil, nil
		}
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if l == nil {
		log.Info("job lease contended, skipping delivery", zap.String("key", key))
		return nil, nil
	}

	now := time.Now().UTC()
	nodeID := locks.NodeID()
	err = transition(store.TransitionUpdate{LockedBy: &nodeID, LockedAt: &now, StartedAt: &now})
	if err != nil {
		locks.Release(context.WithoutCancel(ctx), l)
		var se *store.StatusError
		if errors.As(err, &se) {
			log.Info("job not pending, skipping delivery",
				zap.String("key", key), zap.String("status", string(se.Got)))
			return nil, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("queued job does not exist", zap.String("key", key))
			return nil, nil
		}
		return nil, fmt.Errorf("transition to processing: %w", err)
	}
	return l, nil
}
