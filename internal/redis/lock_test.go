package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, 5*time.Second), mr
}

func TestWithLockRunsAndReleases(t *testing.T) {
	locker, mr := newTestLocker(t)

	ran := false
	err := locker.WithLock(context.Background(), "absence:p1", func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("lock:absence:p1"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:absence:p1"))
}

func TestWithLockRejectsSecondHolder(t *testing.T) {
	locker, _ := newTestLocker(t)

	err := locker.WithLock(context.Background(), "absence:p1", func(ctx context.Context) error {
		inner := locker.WithLock(ctx, "absence:p1", func(context.Context) error {
			t.Fatal("inner critical section must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)
}

func TestWithLockPropagatesCallbackError(t *testing.T) {
	locker, mr := newTestLocker(t)
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:k"))
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	locker, mr := newTestLocker(t)

	err := locker.WithLock(context.Background(), "k", func(context.Context) error {
		// Simulate expiry and takeover by another process.
		require.NoError(t, mr.Set("lock:k", "someone-else"))
		return nil
	})
	require.NoError(t, err)

	val, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestWithLockExtendsLeaseWhileRunning(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ttl := 300 * time.Millisecond
	locker := NewRedisLocker(client, ttl)

	err := locker.WithLock(context.Background(), "absence:p1", func(ctx context.Context) error {
		mr.SetTTL("lock:absence:p1", 10*time.Millisecond)
		assert.Eventually(t, func() bool {
			return mr.TTL("lock:absence:p1") == ttl
		}, 2*time.Second, 20*time.Millisecond)
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:absence:p1"))
}

func TestWithLockCancelsWorkWhenLeaseIsLost(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, 150*time.Millisecond)

	err := locker.WithLock(context.Background(), "k", func(ctx context.Context) error {
		require.NoError(t, mr.Set("lock:k", "someone-else"))
		select {
		case <-ctx.Done():
			assert.ErrorIs(t, context.Cause(ctx), ErrLockLost)
		case <-time.After(2 * time.Second):
			t.Error("work was not cancelled after the lease was taken")
		}
		return nil
	})
	assert.ErrorIs(t, err, ErrLockLost)

	val, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestWithLockUnavailableBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, time.Second)
	mr.Close()

	err := locker.WithLock(context.Background(), "k", func(context.Context) error {
		t.Fatal("critical section must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.NotErrorIs(t, err, ErrLockNotAcquired)
}
