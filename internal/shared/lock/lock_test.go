package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowpay/gateway/internal/shared/config"
	apperrors "github.com/flowpay/gateway/internal/shared/errors"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.LockConfig{
		Lease:         time.Second,
		RetryAttempts: 3,
		RetryDelay:    10 * time.Millisecond,
	}
	return NewManager(client, cfg, nil, zap.NewNop()), mr
}

func TestAcquire(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	t.Run("mutual exclusion", func(t *testing.T) {
		token, err := m.Acquire(ctx, "payment:pay_abc", time.Second)
		require.NoError(t, err)
		assert.NotEmpty(t, token)

		_, err = m.Acquire(ctx, "payment:pay_abc", time.Second)
		assert.ErrorIs(t, err, ErrNotAcquired)
	})

	t.Run("distinct keys are independent", func(t *testing.T) {
		t1, err := m.Acquire(ctx, "payment:pay_1", time.Second)
		require.NoError(t, err)
		t2, err := m.Acquire(ctx, "payment:pay_2", time.Second)
		require.NoError(t, err)
		assert.NotEqual(t, t1, t2)
	})
}

func TestAcquireAfterExpiry(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "k", 500*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(time.Second)

	token, err := m.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	t.Run("matching token releases", func(t *testing.T) {
		token, err := m.Acquire(ctx, "k1", time.Second)
		require.NoError(t, err)

		released, err := m.Release(ctx, "k1", token)
		require.NoError(t, err)
		assert.True(t, released)

		// Key is free again
		_, err = m.Acquire(ctx, "k1", time.Second)
		assert.NoError(t, err)
	})

	t.Run("mismatched token leaves lock untouched", func(t *testing.T) {
		token, err := m.Acquire(ctx, "k2", time.Second)
		require.NoError(t, err)

		released, err := m.Release(ctx, "k2", "not-the-token")
		require.NoError(t, err)
		assert.False(t, released)

		// Still held by the original owner
		_, err = m.Acquire(ctx, "k2", time.Second)
		assert.ErrorIs(t, err, ErrNotAcquired)

		released, err = m.Release(ctx, "k2", token)
		require.NoError(t, err)
		assert.True(t, released)
	})

	t.Run("release of unheld key reports false", func(t *testing.T) {
		released, err := m.Release(ctx, "nope", "token")
		require.NoError(t, err)
		assert.False(t, released)
	})
}

func TestAcquireRetry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	t.Run("exhausts attempts while held", func(t *testing.T) {
		_, err := m.Acquire(ctx, "busy", time.Minute)
		require.NoError(t, err)

		start := time.Now()
		_, err = m.AcquireRetry(ctx, "busy", time.Second, 3, 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrNotAcquired)
		// Two inter-attempt delays for three attempts
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("succeeds once released", func(t *testing.T) {
		token, err := m.Acquire(ctx, "soon", time.Minute)
		require.NoError(t, err)

		go func() {
			time.Sleep(15 * time.Millisecond)
			_, _ = m.Release(context.Background(), "soon", token)
		}()

		got, err := m.AcquireRetry(ctx, "soon", time.Second, 10, 10*time.Millisecond)
		require.NoError(t, err)
		assert.NotEmpty(t, got)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		_, err := m.Acquire(ctx, "held", time.Minute)
		require.NoError(t, err)

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = m.AcquireRetry(cancelCtx, "held", time.Second, 5, 50*time.Millisecond)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestWithLock(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	t.Run("runs fn and releases", func(t *testing.T) {
		var ran bool
		err := m.WithLock(ctx, "wl1", func(ctx context.Context) error {
			ran = true
			// Held while fn runs
			_, acqErr := m.Acquire(ctx, "wl1", time.Second)
			assert.ErrorIs(t, acqErr, ErrNotAcquired)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)

		// Released afterwards
		_, err = m.Acquire(ctx, "wl1", time.Second)
		assert.NoError(t, err)
	})

	t.Run("propagates fn error after release", func(t *testing.T) {
		boom := errors.New("boom")
		err := m.WithLock(ctx, "wl2", func(ctx context.Context) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = m.Acquire(ctx, "wl2", time.Second)
		assert.NoError(t, err)
	})

	t.Run("fails with lock unavailable when held", func(t *testing.T) {
		_, err := m.Acquire(ctx, "wl3", time.Minute)
		require.NoError(t, err)

		err = m.WithLock(ctx, "wl3", func(ctx context.Context) error {
			t.Fatal("fn must not run without the lock")
			return nil
		})
		assert.ErrorIs(t, err, apperrors.ErrLockUnavailable)
	})
}
