package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowpay/gateway/internal/shared/config"
	apperrors "github.com/flowpay/gateway/internal/shared/errors"
	"github.com/flowpay/gateway/internal/utils/metrics"
	"github.com/flowpay/gateway/internal/utils/random"
)

const keyPrefix = "lock:"

// ErrNotAcquired is returned when the lock is held by another owner.
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the lock only if the stored token matches. The
// check-and-delete must be a single server-side step: between a plain GET and
// DEL the lease can expire and a new owner can acquire the key.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Manager acquires and releases short-lived exclusive leases on arbitrary
// keys, backed by Redis. A lease self-expires, so a crashed holder cannot
// wedge the key; the ownership token prevents a late holder from releasing
// a lease it no longer owns.
type Manager struct {
	client  redis.UniversalClient
	cfg     config.LockConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewManager creates a new lock manager. Metrics may be nil.
func NewManager(client redis.UniversalClient, cfg config.LockConfig, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		client:  client,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Acquire attempts a single atomic set-if-absent with expiry. On success it
// returns a fresh random token proving ownership; if the key is already held
// it returns ErrNotAcquired.
func (m *Manager) Acquire(ctx context.Context, key string, lease time.Duration) (string, error) {
	token, err := random.Token(16)
	if err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}

	ok, err := m.client.SetNX(ctx, keyPrefix+key, token, lease).Result()
	if err != nil {
		m.countAcquisition("error")
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		m.countAcquisition("contended")
		return "", ErrNotAcquired
	}
	m.countAcquisition("acquired")
	return token, nil
}

// Release deletes the lock only if token matches the stored value. It reports
// whether the release occurred; a mismatched token leaves the lock untouched.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, m.client, []string{keyPrefix + key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return res == 1, nil
}

// AcquireRetry repeatedly calls Acquire with a fixed delay between attempts,
// capped at attempts. It returns ErrNotAcquired once all attempts are
// exhausted and stops early if the context is cancelled.
func (m *Manager) AcquireRetry(ctx context.Context, key string, lease time.Duration, attempts int, delay time.Duration) (string, error) {
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		token, err := m.Acquire(ctx, key, lease)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return "", err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", ErrNotAcquired
}

// WithLock runs fn while holding the lock for key, using the configured lease
// and retry policy. Release is attempted on every exit path; fn's error is
// propagated after the release. If acquisition never succeeds, the error
// wraps apperrors.ErrLockUnavailable and fn is not invoked.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token, err := m.AcquireRetry(ctx, key, m.cfg.Lease, m.cfg.RetryAttempts, m.cfg.RetryDelay)
	if err != nil {
		if errors.Is(err, ErrNotAcquired) {
			return apperrors.LockUnavailable(key)
		}
		return err
	}

	start := time.Now()
	defer func() {
		released, relErr := m.Release(ctx, key, token)
		if relErr != nil {
			m.logger.Warn("lock release failed",
				zap.String("key", key),
				zap.Error(relErr),
			)
		} else if !released {
			// Lease expired and someone else may hold the key now; the
			// critical section outlived its lease.
			m.logger.Warn("lock was not held at release",
				zap.String("key", key),
				zap.Duration("held", time.Since(start)),
			)
		}
	}()

	if err := fn(ctx); err != nil {
		m.observeHeld("error", time.Since(start))
		return err
	}
	m.observeHeld("ok", time.Since(start))
	return nil
}

func (m *Manager) countAcquisition(result string) {
	if m.metrics != nil {
		m.metrics.LockAcquisitionsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) observeHeld(outcome string, d time.Duration) {
	if m.metrics != nil {
		m.metrics.LockHeldDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}
