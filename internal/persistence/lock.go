package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Default lock timings.
const (
	DefaultLockAcquireTimeout = 5 * time.Second
	DefaultLockTTL            = 10 * time.Second
)

// ErrLockNotAcquired is returned when the lock could not be obtained within
// the acquire timeout.
var ErrLockNotAcquired = errors.New("lock not acquired")

// LockOptions bound a single acquisition attempt.
type LockOptions struct {
	Timeout time.Duration // how long to keep retrying before failing
	TTL     time.Duration // how long the lock is held before it is reclaimable
}

func (o LockOptions) withDefaults() LockOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultLockAcquireTimeout
	}
	if o.TTL <= 0 {
		o.TTL = DefaultLockTTL
	}
	return o
}

// LockHandle releases a held lock. Release is idempotent.
type LockHandle interface {
	Release(ctx context.Context) error
}

// Locker is the named-mutex-with-TTL abstraction. The redis implementation
// coordinates across processes; the in-process fallback covers single-host
// deployments without a lock store.
type Locker interface {
	Acquire(ctx context.Context, key string, opts LockOptions) (LockHandle, error)
}

// NewLocker returns a redis-backed locker when addr is reachable and falls
// back to the in-process locker otherwise.
func NewLocker(ctx context.Context, addr, password string, db int) Locker {
	if addr == "" {
		return NewLocalLocker()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unavailable, falling back to in-process locks")
		_ = client.Close()
		return NewLocalLocker()
	}
	return &RedisLocker{client: client}
}

// RedisLocker implements Locker on redis with SET NX PX and a token-checked
// conditional delete so only the holder can release. Expired locks are
// reclaimed by redis key expiry.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker { return &RedisLocker{client: client} }

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, key string, opts LockOptions) (LockHandle, error) {
	opts = opts.withDefaults()
	token := uuid.NewString()
	deadline := time.Now().Add(opts.Timeout)

	for {
		ok, err := l.client.SetNX(ctx, key, token, opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return &redisLockHandle{locker: l, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (l *RedisLocker) Close() error { return l.client.Close() }

type redisLockHandle struct {
	locker   *RedisLocker
	key      string
	token    string
	released sync.Once
}

func (h *redisLockHandle) Release(ctx context.Context) error {
	var err error
	h.released.Do(func() {
		err = releaseScript.Run(ctx, h.locker.client, []string{h.key}, h.token).Err()
		if errors.Is(err, redis.Nil) {
			err = nil
		}
	})
	return err
}

// LocalLocker is the in-process fallback: a table of named locks with TTL
// expiry so a crashed holder's lock becomes reclaimable.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLockState
}

type localLockState struct {
	token     string
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLockState)}
}

func (l *LocalLocker) tryAcquire(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	if ok && time.Now().Before(st.expiresAt) {
		return false
	}
	l.locks[key] = &localLockState{token: token, expiresAt: time.Now().Add(ttl)}
	return true
}

func (l *LocalLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.locks[key]; ok && st.token == token {
		delete(l.locks, key)
	}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, opts LockOptions) (LockHandle, error) {
	opts = opts.withDefaults()
	token := uuid.NewString()
	deadline := time.Now().Add(opts.Timeout)

	for {
		if l.tryAcquire(key, token, opts.TTL) {
			return &localLockHandle{locker: l, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type localLockHandle struct {
	locker   *LocalLocker
	key      string
	token    string
	released sync.Once
}

func (h *localLockHandle) Release(context.Context) error {
	h.released.Do(func() { h.locker.release(h.key, h.token) })
	return nil
}
