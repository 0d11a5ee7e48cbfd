package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/config"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

func newTestQueue(t *testing.T, maxAttempts int, retryBase time.Duration) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, config.Queue{
		Key:         "test:jobs",
		MaxAttempts: maxAttempts,
		RetryBase:   retryBase,
	}, zap.NewNop())
}

func TestEnqueueReceive(t *testing.T) {
	q := newTestQueue(t, 3, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := types.JobData{
		JobID:        uuid.New(),
		Kind:         types.KindImport,
		ResourceType: types.ResourceUsers,
		FileURL:      "https://example.com/users.ndjson",
		FileFormat:   types.FormatNDJSON,
	}
	require.NoError(t, q.Enqueue(ctx, data))

	env, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, data, env.Data)
}

func TestReceiveOrdering(t *testing.T) {
	q := newTestQueue(t, 3, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := types.JobData{JobID: uuid.New(), Kind: types.KindImport}
	second := types.JobData{JobID: uuid.New(), Kind: types.KindExport}
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	env, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, env.Data.JobID)

	env, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.JobID, env.Data.JobID)
}

func TestReceiveHonorsContext(t *testing.T) {
	q := newTestQueue(t, 3, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	assert.Error(t, err)
}

func TestRetryRedelivers(t *testing.T) {
	q := newTestQueue(t, 3, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := &Envelope{
		Data:    types.JobData{JobID: uuid.New(), Kind: types.KindImport},
		Attempt: 1,
	}
	require.NoError(t, q.Retry(ctx, env))

	redelivered, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, redelivered.Attempt)
	assert.Equal(t, env.Data.JobID, redelivered.Data.JobID)
}

func TestRetryDropsAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t, 2, time.Millisecond)
	ctx := context.Background()

	env := &Envelope{
		Data:    types.JobData{JobID: uuid.New()},
		Attempt: 2,
	}
	require.NoError(t, q.Retry(ctx, env))

	// nothing may be redelivered; give the (nonexistent) timer a beat
	recvCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := q.Receive(recvCtx)
	assert.Error(t, err)
}

func TestReceiveSkipsMalformedPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := New(rdb, config.Queue{Key: "test:jobs", MaxAttempts: 3, RetryBase: time.Second}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := mr.Lpush("test:jobs", "not json")
	require.NoError(t, err)
	good := types.JobData{JobID: uuid.New(), Kind: types.KindImport}
	require.NoError(t, q.Enqueue(ctx, good))

	env, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, good.JobID, env.Data.JobID)
}
