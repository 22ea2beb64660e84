package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowpay/gateway/internal/shared/config"
	"github.com/flowpay/gateway/internal/shared/signature"
	"github.com/flowpay/gateway/internal/utils/metrics"
)

// PaymentEvent is the payload data delivered to the merchant.
type PaymentEvent struct {
	PaymentID  string `json:"payment_id"`
	MerchantID string `json:"merchant_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
}

// PaymentSource resolves the owning payment of an attempt at dispatch time.
type PaymentSource interface {
	PaymentEvent(ctx context.Context, paymentID uuid.UUID) (*PaymentEvent, error)
}

// SecretSource resolves a merchant's HMAC signing key.
type SecretSource interface {
	Secret(ctx context.Context, merchantID uuid.UUID) ([]byte, error)
}

// Scheduler polls for due webhook attempts and dispatches them. Multiple
// scheduler instances may run concurrently; the conditional claim on
// next_run_at guarantees an attempt is dispatched by at most one instance
// per lease window.
type Scheduler struct {
	repo     Repository
	payments PaymentSource
	secrets  SecretSource
	sender   *Sender
	backoff  BackoffPolicy
	cfg      config.WebhookConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a new delivery scheduler. Metrics may be nil.
func NewScheduler(
	repo Repository,
	payments PaymentSource,
	secrets SecretSource,
	sender *Sender,
	cfg config.WebhookConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		repo:     repo,
		payments: payments,
		secrets:  secrets,
		sender:   sender,
		backoff: BackoffPolicy{
			Base:   cfg.BackoffBase,
			Cap:    cfg.BackoffCap,
			Jitter: cfg.Jitter,
		},
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the polling loop in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.started = true
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for the in-flight cycle to finish.
// Calling Stop without a prior Start is a no-op.
func (s *Scheduler) Stop() {
	if !s.started {
		return
	}
	close(s.stop)
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("webhook scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("max_attempts", s.cfg.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

// cycle claims and dispatches one batch of due attempts. A failure on one
// attempt never blocks the others; store errors are logged and the cycle
// carries on with independent work.
func (s *Scheduler) cycle(ctx context.Context) {
	now := time.Now()
	due, err := s.repo.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("list due webhook attempts", zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.WebhookAttemptsPending.Set(float64(len(due)))
	}
	if len(due) == 0 {
		return
	}

	claimed := make([]*Attempt, 0, len(due))
	for _, a := range due {
		ok, err := s.repo.Claim(ctx, a, now.Add(s.cfg.ClaimLease))
		if err != nil {
			s.logger.Error("claim webhook attempt",
				zap.String("attempt_id", a.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if ok {
			claimed = append(claimed, a)
		}
	}

	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan *Attempt)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range jobs {
				s.dispatch(ctx, a)
			}
		}()
	}
	for _, a := range claimed {
		jobs <- a
	}
	close(jobs)
	wg.Wait()
}

// dispatch signs and sends one claimed attempt, then retires or reschedules
// it. Status writes only happen after the HTTP outcome has been observed.
func (s *Scheduler) dispatch(ctx context.Context, a *Attempt) {
	start := time.Now()
	err := s.deliver(ctx, a)
	elapsed := time.Since(start)

	if err == nil {
		if markErr := s.repo.MarkDelivered(ctx, a.ID, time.Now()); markErr != nil {
			s.logger.Error("mark webhook attempt delivered",
				zap.String("attempt_id", a.ID.String()),
				zap.Error(markErr),
			)
			return
		}
		s.countDelivery("delivered", elapsed)
		s.logger.Info("webhook delivered",
			zap.String("attempt_id", a.ID.String()),
			zap.String("event", a.Event),
			zap.Int("attempts", a.Attempts),
		)
		return
	}

	attempts := a.Attempts + 1
	if attempts >= s.cfg.MaxAttempts {
		if markErr := s.repo.MarkFailed(ctx, a.ID, attempts, err.Error()); markErr != nil {
			s.logger.Error("mark webhook attempt failed",
				zap.String("attempt_id", a.ID.String()),
				zap.Error(markErr),
			)
			return
		}
		s.countDelivery("dead_lettered", elapsed)
		s.logger.Warn("webhook dead-lettered",
			zap.String("attempt_id", a.ID.String()),
			zap.String("event", a.Event),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}

	nextRunAt := time.Now().Add(s.backoff.Next(attempts))
	if markErr := s.repo.MarkRetry(ctx, a.ID, attempts, err.Error(), nextRunAt); markErr != nil {
		s.logger.Error("mark webhook attempt for retry",
			zap.String("attempt_id", a.ID.String()),
			zap.Error(markErr),
		)
		return
	}
	s.countDelivery("retried", elapsed)
	s.logger.Info("webhook delivery failed, retry scheduled",
		zap.String("attempt_id", a.ID.String()),
		zap.Int("attempts", attempts),
		zap.Time("next_run_at", nextRunAt),
		zap.Error(err),
	)
}

func (s *Scheduler) deliver(ctx context.Context, a *Attempt) error {
	event, err := s.payments.PaymentEvent(ctx, a.PaymentID)
	if err != nil {
		return err
	}
	secret, err := s.secrets.Secret(ctx, a.MerchantID)
	if err != nil {
		return err
	}

	sp, err := signature.BuildSignedPayload(event, a.Event, secret)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return s.sender.Send(ctx, a.CallbackURL, sp)
}

func (s *Scheduler) countDelivery(result string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
		s.metrics.WebhookDeliveryDuration.WithLabelValues(result).Observe(d.Seconds())
	}
}
