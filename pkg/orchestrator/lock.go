package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker provides the bundle-scoped serialization required by 
// "Plan/Commit/Revert on distinct bundles may proceed in parallel; on the
// same bundle they must be serialized by a bundle-scoped lock."
type Locker interface {
	Lock(ctx context.Context, bundleID string) (unlock func(), err error)
}

// LocalLocker serializes per-bundle access within a single process using
// one mutex per bundle ID — the default when GATE_LOCK_BACKEND=local.
type LocalLocker struct {
	mu sync.Mutex
	bundles map[string]*sync.Mutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{bundles: map[string]*sync.Mutex{}}
}

func (l *LocalLocker) Lock(_ context.Context, bundleID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.bundles[bundleID]
	if !ok {
		m = &sync.Mutex{}
		l.bundles[bundleID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}

// redisUnlockScript performs a compare-and-delete unlock so a caller can
// never release a lock it doesn't hold, the same discipline as the
// teacher's token-bucket Lua script (pkg/kernel/limiter_redis.go), adapted
// here from rate-limiting to mutual exclusion.
const redisUnlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLocker is the optional distributed bundle-scoped lock for
// orchestrator deployments running more than one process
// (GATE_LOCK_BACKEND=redis).
type RedisLocker struct {
	client *redis.Client
	ttl time.Duration
	retry time.Duration
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, ttl: 30 * time.Second, retry: 25 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, bundleID string) (func(), error) {
	key := "gate:lock:" + bundleID
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("orchestrator: redis lock SET NX: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	unlock := func() {
		l.client.Eval(context.Background(), redisUnlockScript, []string{key}, token)
	}
	return unlock, nil
}
