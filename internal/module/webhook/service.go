package webhook

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service records notification attempts and exposes the delivery audit log.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a new webhook service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// EnqueueAttempt records a pending delivery, due immediately. When tx is
// non-nil the insert joins that transaction, so a status change and its
// notification commit or roll back together.
func (s *Service) EnqueueAttempt(ctx context.Context, tx *gorm.DB, paymentID, merchantID uuid.UUID, callbackURL, event string) error {
	now := time.Now()
	a := &Attempt{
		ID:          uuid.New(),
		PaymentID:   paymentID,
		MerchantID:  merchantID,
		CallbackURL: callbackURL,
		Event:       event,
		Status:      AttemptStatusPending,
		Attempts:    0,
		NextRunAt:   &now,
	}

	repo := s.repo
	if tx != nil {
		repo = s.repo.WithTx(tx)
	}
	if err := repo.Create(ctx, a); err != nil {
		return err
	}

	s.logger.Info("webhook attempt enqueued",
		zap.String("attempt_id", a.ID.String()),
		zap.String("payment_id", paymentID.String()),
		zap.String("event", event),
	)
	return nil
}

// Get returns a webhook attempt by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	return s.repo.Get(ctx, id)
}

// ListByPayment returns all attempts recorded for a payment, oldest first.
func (s *Service) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Attempt, error) {
	return s.repo.ListByPayment(ctx, paymentID)
}

// ListDeadLettered returns attempts that exhausted their retries and need
// manual intervention.
func (s *Service) ListDeadLettered(ctx context.Context, limit int) ([]*Attempt, error) {
	return s.repo.ListDeadLettered(ctx, limit)
}
