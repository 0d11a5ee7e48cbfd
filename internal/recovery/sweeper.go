// Package recovery reclaims jobs abandoned by crashed or partitioned
// workers. A cron-driven sweep runs under a cluster-wide lease so only one
// node sweeps at a time; reclaimed jobs either return to PENDING and are
// re-enqueued, or are failed outright, per configuration.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/config"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

const sweepLockKey = "stale-job-cleanup"

// StaleJobs is the job-store surface the sweeper drives.
type StaleJobs interface {
	ListStaleImports(ctx context.Context, now time.Time, stale, staleLock time.Duration) ([]*types.ImportJob, error)
	ReclaimImport(ctx context.Context, id uuid.UUID, restart bool, reason string, now time.Time) error
	ListStaleExports(ctx context.Context, now time.Time, stale, staleLock time.Duration) ([]*types.ExportJob, error)
	ReclaimExport(ctx context.Context, id uuid.UUID, restart bool, reason string, now time.Time) error
}

// LockRunner serializes the sweep across the cluster.
type LockRunner interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// Enqueuer re-submits restarted jobs for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, data types.JobData) error
}

// Observer counts reclaimed jobs.
type Observer interface {
	StaleReclaimed()
}

// Sweeper periodically reclaims stale jobs.
type Sweeper struct {
	jobs    StaleJobs
	locks   LockRunner
	queue   Enqueuer
	metrics Observer
	cfg     config.Recovery
	cron    *cron.Cron
	log     *zap.Logger
}

// NewSweeper wires the sweeper; Start schedules it.
func NewSweeper(jobs StaleJobs, locks LockRunner, queue Enqueuer, metrics Observer,
	cfg config.Recovery, log *zap.Logger) *Sweeper {
	return &Sweeper{
		jobs:    jobs,
		locks:   locks,
		queue:   queue,
		metrics: metrics,
		cfg:     cfg,
		log:     log.With(zap.String("component", "recovery")),
	}
}

// Start schedules the sweep at the configured interval.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cron != nil {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		if err := s.Sweep(ctx); err != nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("stale-job recovery scheduled", zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info("stale-job recovery stopped")
}

// Sweep runs one reclamation pass. Contention with another node's sweep is
// not an error; that node does the work.
func (s *Sweeper) Sweep(ctx context.Context) error {
	acquired, err := s.locks.WithLock(ctx, sweepLockKey, s.cfg.Interval, s.sweep)
	if err != nil {
		return err
	}
	if !acquired {
		s.log.Debug("sweep lease held elsewhere, skipping")
	}
	return nil
}

func (s *Sweeper) sweep(ctx context.Context) error {
	now := time.Now().UTC()

	imports, err := s.jobs.ListStaleImports(ctx, now, s.cfg.StaleThreshold, s.cfg.StaleLockThreshold)
	if err != nil {
		return fmt.Errorf("list stale imports: %w", err)
	}
	for _, job := range imports {
		restart := s.cfg.RestartStaleJobs && job.Status == types.StatusProcessing
		if err := s.jobs.ReclaimImport(ctx, job.ID, restart, reclaimReason(restart, job.LockedBy), now); err != nil {
			s.log.Error("import reclaim failed", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		s.metrics.StaleReclaimed()
		s.log.Warn("stale import reclaimed",
			zap.String("job_id", job.ID.String()),
			zap.Bool("restarted", restart),
			zap.String("previous_owner", ownerOf(job.LockedBy)))
		if restart {
			s.requeueImport(ctx, job)
		}
	}

	exports, err := s.jobs.ListStaleExports(ctx, now, s.cfg.StaleThreshold, s.cfg.StaleLockThreshold)
	if err != nil {
		return fmt.Errorf("list stale exports: %w", err)
	}
	for _, job := range exports {
		restart := s.cfg.RestartStaleJobs && job.Status == types.StatusProcessing
		if err := s.jobs.ReclaimExport(ctx, job.ID, restart, reclaimReason(restart, job.LockedBy), now); err != nil {
			s.log.Error("export reclaim failed", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		s.metrics.StaleReclaimed()
		s.log.Warn("stale export reclaimed",
			zap.String("job_id", job.ID.String()),
			zap.Bool("restarted", restart),
			zap.String("previous_owner", ownerOf(job.LockedBy)))
		if restart {
			s.requeueExport(ctx, job)
		}
	}
	return nil
}

func (s *Sweeper) requeueImport(ctx context.Context, job *types.ImportJob) {
	err := s.queue.Enqueue(ctx, types.JobData{
		JobID:        job.ID,
		Kind:         types.KindImport,
		ResourceType: job.ResourceType,
		FileURL:      job.FileURL,
		StorageKey:   job.StorageKey,
		FileFormat:   job.FileFormat,
	})
	if err != nil {
		s.log.Error("restarted import re-enqueue failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

func (s *Sweeper) requeueExport(ctx context.Context, job *types.ExportJob) {
	filters := job.Filters
	err := s.queue.Enqueue(ctx, types.JobData{
		JobID:        job.ID,
		Kind:         types.KindExport,
		ResourceType: job.ResourceType,
		Format:       job.Format,
		Filters:      &filters,
		Fields:       job.Fields,
	})
	if err != nil {
		s.log.Error("restarted export re-enqueue failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

func reclaimReason(restart bool, lockedBy *string) string {
	owner := ownerOf(lockedBy)
	if restart {
		return fmt.Sprintf("job reset to pending by stale-job recovery: previous owner %s", owner)
	}
	return fmt.Sprintf("job reclaimed by stale-job recovery: owner %s unresponsive (possibly crashed)", owner)
}

func ownerOf(lockedBy *string) string {
	if lockedBy == nil || *lockedBy == "" {
		return "unknown"
	}
	return *lockedBy
}
