// Package worker runs the fixed pool of job slots. Each slot receives one
// envelope at a time from the Source, hands it to the handler, and either
// acknowledges by moving on or schedules a retry. Within a slot a job is
// processed end-to-end; parallelism exists only across slots and nodes.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/queue"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// Handler processes one delivered payload. A returned error requests
// redelivery per the queue's retry policy.
type Handler func(ctx context.Context, data types.JobData) error

// Metrics is the slice of the collector the pool reports to.
type Metrics interface {
	WorkerBusy()
	WorkerIdle()
}

// Pool is the process-local set of worker slots.
type Pool struct {
	src     queue.Source
	handler Handler
	slots   int
	metrics Metrics
	log     *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool wires the pool; Start launches it.
func NewPool(src queue.Source, handler Handler, slots int, m Metrics, log *zap.Logger) *Pool {
	return &Pool{
		src:     src,
		handler: handler,
		slots:   slots,
		metrics: m,
		log:     log.With(zap.String("component", "worker")),
	}
}

// Start launches the slot goroutines. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.slots; i++ {
		p.wg.Add(1)
		go p.run(runCtx, i)
	}
	p.log.Info("worker pool started", zap.Int("slots", p.slots))
}

// Stop cancels the slots and waits for in-flight jobs to finish their
// current handler call.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, slot int) {
	defer p.wg.Done()
	log := p.log.With(zap.Int("slot", slot))
	for {
		env, err := p.src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("receive failed", zap.Error(err))
			continue
		}

		p.metrics.WorkerBusy()
		err = p.handler(ctx, env.Data)
		p.metrics.WorkerIdle()

		if err != nil {
			log.Warn("job delivery failed",
				zap.String("job_id", env.Data.JobID.String()),
				zap.Int("attempt", env.Attempt),
				zap.Error(err))
			if retryErr := p.src.Retry(ctx, env); retryErr != nil {
				log.Error("retry scheduling failed", zap.Error(retryErr))
			}
		}
	}
}
