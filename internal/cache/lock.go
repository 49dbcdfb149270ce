package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLocked is returned by TryLock when the lock is already held.
var ErrLocked = errors.New("lock is already held")

const (
	unlockScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`
	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`
)

// TryLock attempts to acquire a distributed lock identified by key.
// It uses the Redis SET NX PX pattern. On success it returns an unlock
// function that must be called to release the lock. While held, the lock's
// TTL is extended every ttl/3 so long scans do not lose it.
// If the lock is already held, ErrLocked is returned.
func TryLock(ctx context.Context, r *Redis, key string, ttl time.Duration) (unlock func(), err error) {
	key = KeyPrefix + key
	// Random token ensures only the holder can release or extend the lock.
	token := randomToken()

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = r.client.Eval(context.Background(), extendScript, []string{key}, token, ttl.Milliseconds()).Err()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Background context so unlock works even if the caller's context is cancelled.
			_ = r.client.Eval(context.Background(), unlockScript, []string{key}, token).Err()
		})
	}, nil
}

// IsLocked returns true if the lock key exists.
func IsLocked(ctx context.Context, r *Redis, key string) bool {
	n, _ := r.client.Exists(ctx, KeyPrefix+key).Result()
	return n > 0
}

// Locker acquires named distributed locks, waiting for a held lock to be
// released. It satisfies the synchronizer's lock interface.
type Locker struct {
	redis *Redis
	ttl   time.Duration
	poll  time.Duration
}

// NewLocker returns a Locker whose locks expire after ttl unless extended.
func NewLocker(r *Redis, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{redis: r, ttl: ttl, poll: 250 * time.Millisecond}
}

// Lock blocks until the lock for key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	for {
		unlock, err := TryLock(ctx, l.redis, "lock:"+key, l.ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
