// Package queue delivers JobData payloads to worker processes over a Redis
// list. Delivery is at-least-once: a handler failure re-enqueues the
// envelope with exponential backoff until the attempt budget is spent. The
// worker pool consumes through the Source interface, so the transport can
// be swapped without touching pool logic.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/config"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// Envelope wraps a payload with its delivery attempt count.
type Envelope struct {
	Data    types.JobData `json:"data"`
	Attempt int           `json:"attempt"`
}

// Source is what the worker pool consumes from.
type Source interface {
	// Receive blocks until a payload arrives or ctx is done.
	Receive(ctx context.Context) (*Envelope, error)
	// Retry schedules a failed delivery for another attempt; once the
	// budget is spent the envelope is dropped (the job record has already
	// been finalized as FAILED by then).
	Retry(ctx context.Context, env *Envelope) error
}

const receivePoll = time.Second

// RedisQueue is the Redis-list implementation of Source.
type RedisQueue struct {
	rdb         *redis.Client
	key         string
	maxAttempts int
	retryBase   time.Duration
	log         *zap.Logger
}

// New builds the queue from config.
func New(rdb *redis.Client, cfg config.Queue, log *zap.Logger) *RedisQueue {
	return &RedisQueue{
		rdb:         rdb,
		key:         cfg.Key,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		log:         log.With(zap.String("component", "queue")),
	}
}

// Enqueue submits a payload for first delivery.
func (q *RedisQueue) Enqueue(ctx context.Context, data types.JobData) error {
	return q.push(ctx, &Envelope{Data: data, Attempt: 1})
}

func (q *RedisQueue) push(ctx context.Context, env *Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, b).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Receive blocks on the list, polling so ctx cancellation is honored.
// Malformed payloads are dropped with a log line rather than wedging the
// consumer.
func (q *RedisQueue) Receive(ctx context.Context) (*Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := q.rdb.BRPop(ctx, receivePoll, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("receive: %w", err)
		}
		var env Envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			q.log.Warn("dropping malformed queue payload", zap.Error(err))
			continue
		}
		return &env, nil
	}
}

// Retry re-enqueues after retryBase doubled per prior attempt.
func (q *RedisQueue) Retry(ctx context.Context, env *Envelope) error {
	if env.Attempt >= q.maxAttempts {
		q.log.Warn("delivery attempts exhausted, dropping",
			zap.String("job_id", env.Data.JobID.String()),
			zap.Int("attempts", env.Attempt))
		return nil
	}
	delay := q.retryBase << (env.Attempt - 1)
	next := &Envelope{Data: env.Data, Attempt: env.Attempt + 1}
	q.log.Info("scheduling redelivery",
		zap.String("job_id", env.Data.JobID.String()),
		zap.Int("attempt", next.Attempt),
		zap.Duration("delay", delay))
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := q.push(pushCtx, next); err != nil {
			q.log.Error("redelivery failed", zap.Error(err))
		}
	}()
	return nil
}
