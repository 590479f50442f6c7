package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired means another holder owns the key right now.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockUnavailable wraps failures to reach Redis while acquiring.
	ErrLockUnavailable = errors.New("lock backend unavailable")
	// ErrLockLost is the cancellation cause when the lease could not be
	// extended and another holder may have taken over.
	ErrLockLost = errors.New("lock lost")
)

// Locker serializes work on one key across processes, e.g. absence
// cascades per provider.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// leaseLocker holds a Redis key for as long as fn runs. The key is written
// with a short lease that a background loop extends every ttl/3, so a
// crashed holder frees the key after at most ttl while a slow cascade keeps
// it.
type leaseLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &leaseLocker{client: client, ttl: ttl}
}

func (l *leaseLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := "lock:" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w: %w", key, ErrLockUnavailable, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	held, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepAlive(held, cancel, lockKey, token)
	}()

	err = fn(held)

	cancel(nil)
	<-done
	_ = l.release(context.WithoutCancel(ctx), lockKey, token)

	if errors.Is(context.Cause(held), ErrLockLost) {
		return errors.Join(err, fmt.Errorf("lock %s: %w", key, ErrLockLost))
	}
	return err
}

// keepAlive extends the lease until ctx ends. Losing the key, or failing to
// reach Redis for longer than the lease, cancels ctx with ErrLockLost.
func (l *leaseLocker) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, lockKey, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := extendScript.Run(ctx, l.client, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
		switch {
		case err == nil && n == 1:
			lastRenewed = time.Now()
		case err == nil:
			cancel(ErrLockLost)
			return
		case ctx.Err() != nil:
			return
		case time.Since(lastRenewed) >= l.ttl:
			cancel(ErrLockLost)
			return
		}
	}
}

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *leaseLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
