// Package lock implements a Redis-backed advisory lock with expiry and
// owner-verified release. Ownership is decided by a single SET NX; extend
// and release compare the stored token before acting, so a lock taken over
// after expiry cannot be touched by its previous holder.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyHeld is returned when this process already holds a lock on
	// the same key. A process must never hold two locks for one key.
	ErrAlreadyHeld = errors.New("lock already held by this process")
)

// extendScript extends the lease only while the stored value is our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the key only while the stored value is our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lock is a held lease on a key.
type Lock struct {
	Key       string
	Token     string
	ExpiresAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	lost bool
}

// Lost reports whether the background renewer failed to extend the lease.
// Callers guard critical writes with DB status preconditions regardless.
func (l *Lock) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

func (l *Lock) markLost() {
	l.mu.Lock()
	l.lost = true
	l.mu.Unlock()
}

// Manager issues leases on string keys.
type Manager struct {
	rdb    *redis.Client
	nodeID string
	log    *zap.Logger

	mu   sync.Mutex
	held map[string]*Lock
}

// NewManager creates a lock manager. nodeID is assigned once per process
// and prefixes every token, so the owner of a key is identifiable.
func NewManager(rdb *redis.Client, nodeID string, log *zap.Logger) *Manager {
	return &Manager{
		rdb:    rdb,
		nodeID: nodeID,
		log:    log.With(zap.String("component", "lock")),
		held:   make(map[string]*Lock),
	}
}

// NodeID returns the process-wide node identifier.
func (m *Manager) NodeID() string { return m.nodeID }

// Acquire attempts to take the lease on key. On contention it retries up to
// retries times with a fixed delay and returns (nil, nil) if never acquired.
// A successful acquire starts a renewer that extends the lease at ttl/2
// intervals until Release.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, retries int, retryDelay time.Duration) (*Lock, error) {
	m.mu.Lock()
	if _, ok := m.held[key]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyHeld
	}
	m.mu.Unlock()

	token := m.nodeID + ":" + uuid.NewString()
	for attempt := 0; ; attempt++ {
		ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if attempt >= retries {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	l := &Lock{
		Key:       key,
		Token:     token,
		ExpiresAt: time.Now().Add(ttl),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.held[key] = l
	m.mu.Unlock()

	go m.renew(renewCtx, l, ttl)
	return l, nil
}

// renew extends the lease every ttl/2 until cancelled. A failed extension
// marks the lock lost and stops the loop; it does not abort the job — the
// job's next guarded DB write detects the takeover, if any.
func (m *Manager) renew(ctx context.Context, l *Lock, ttl time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Extend(ctx, l, ttl) {
				l.markLost()
				m.log.Warn("lease renewal failed, lock considered lost",
					zap.String("key", l.Key))
				return
			}
		}
	}
}

// Extend atomically extends the lease iff the stored token still matches.
func (m *Manager) Extend(ctx context.Context, l *Lock, ttl time.Duration) bool {
	res, err := extendScript.Run(ctx, m.rdb, []string{l.Key}, l.Token, ttl.Milliseconds()).Int()
	if err != nil || res == 0 {
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("extend failed", zap.String("key", l.Key), zap.Error(err))
		}
		return false
	}
	l.mu.Lock()
	l.ExpiresAt = time.Now().Add(ttl)
	l.mu.Unlock()
	return true
}

// Release stops renewal and deletes the key iff the token still matches.
func (m *Manager) Release(ctx context.Context, l *Lock) bool {
	if l == nil {
		return false
	}
	l.cancel()
	<-l.done

	m.mu.Lock()
	delete(m.held, l.Key)
	m.mu.Unlock()

	res, err := releaseScript.Run(ctx, m.rdb, []string{l.Key}, l.Token).Int()
	if err != nil {
		m.log.Warn("release failed", zap.String("key", l.Key), zap.Error(err))
		return false
	}
	return res == 1
}

// IsLocked reports whether any holder currently owns key.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := m.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Holder returns the current token stored for key, or "" when unlocked.
func (m *Manager) Holder(ctx context.Context, key string) (string, error) {
	v, err := m.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// WithLock runs fn while holding key, releasing on every exit path. When
// the lock is contended it returns (false, nil) without running fn.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l, err := m.Acquire(ctx, key, ttl, 0, 0)
	if err != nil {
		return false, err
	}
	if l == nil {
		return false, nil
	}
	defer m.Release(context.WithoutCancel(ctx), l)
	return true, fn(ctx)
}
