package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowpay/gateway/internal/module/webhook"
	apperrors "github.com/flowpay/gateway/internal/shared/errors"
	"github.com/flowpay/gateway/internal/utils/metrics"
)

// Locker provides scoped single-key mutual exclusion across instances.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// TxManager groups writes into one database transaction. *gorm.DB satisfies it.
type TxManager interface {
	Transaction(fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}

// WebhookEnqueuer records a pending merchant notification attempt, joining
// the given transaction when tx is non-nil.
type WebhookEnqueuer interface {
	EnqueueAttempt(ctx context.Context, tx *gorm.DB, paymentID, merchantID uuid.UUID, callbackURL, event string) error
}

// MerchantDirectory resolves merchant delivery settings.
type MerchantDirectory interface {
	CallbackURL(ctx context.Context, merchantID uuid.UUID) (string, error)
}

// CreateRequest holds the fields for a new payment.
type CreateRequest struct {
	MerchantID     uuid.UUID
	Amount         int64
	Currency       string
	CallbackURL    string
	IdempotencyKey string
}

// Service implements payment creation and status transitions. Every mutation
// of a payment row happens inside a per-payment distributed lock, so
// concurrent mutators of the same payment are strictly serialized while
// distinct payments proceed in parallel.
type Service struct {
	tx        TxManager
	repo      Repository
	locks     Locker
	webhooks  WebhookEnqueuer
	merchants MerchantDirectory
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewService creates a new payment service. Metrics may be nil.
func NewService(
	tx TxManager,
	repo Repository,
	locks Locker,
	webhooks WebhookEnqueuer,
	merchants MerchantDirectory,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		tx:        tx,
		repo:      repo,
		locks:     locks,
		webhooks:  webhooks,
		merchants: merchants,
		metrics:   m,
		logger:    logger,
	}
}

// Create creates a payment in status CREATED. When req.IdempotencyKey is set,
// concurrent or repeated calls with the same key observe exactly one
// underlying creation and all receive the same payment back.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Payment, error) {
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	if req.Currency == "" {
		return nil, ErrInvalidCurrency
	}

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		url, err := s.merchants.CallbackURL(ctx, req.MerchantID)
		if err != nil {
			return nil, fmt.Errorf("resolve callback url: %w", err)
		}
		callbackURL = url
	}

	if req.IdempotencyKey == "" {
		return s.insert(ctx, req, callbackURL)
	}

	// Serialize concurrent requests carrying the same key, then re-check
	// under the lock before building.
	var result *Payment
	err := s.locks.WithLock(ctx, "idempotency:"+req.IdempotencyKey, func(ctx context.Context) error {
		existing, err := s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return err
		}

		created, err := s.insert(ctx, req, callbackURL)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent winner persisted the key first; adopt its payment.
			winner, readErr := s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if readErr != nil {
				return fmt.Errorf("re-read after duplicate idempotency key: %w", readErr)
			}
			result = winner
			return nil
		}
		if err != nil {
			return err
		}
		result = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) insert(ctx context.Context, req *CreateRequest, callbackURL string) (*Payment, error) {
	p := &Payment{
		ID:          uuid.New(),
		MerchantID:  req.MerchantID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      StatusCreated,
		CallbackURL: callbackURL,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		p.IdempotencyKey = &key
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info("payment created",
		zap.String("payment_id", p.ID.String()),
		zap.String("merchant_id", p.MerchantID.String()),
		zap.Int64("amount", p.Amount),
		zap.String("currency", p.Currency),
	)
	return p, nil
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.repo.Get(ctx, id)
}

// Transition moves a payment to target under the payment's lock. The critical
// section re-reads the current status, validates the transition against the
// whitelist, then writes the new status with its timestamp and, when target
// requires merchant notification, exactly one webhook attempt in the same
// database transaction. Either both rows commit or the payment keeps its old
// status, so a terminal status can never exist without its attempt.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, target Status) (*Payment, error) {
	if !target.Valid() {
		return nil, ErrUnknownStatus
	}

	var result *Payment
	err := s.locks.WithLock(ctx, "payment:"+id.String(), func(ctx context.Context) error {
		p, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}

		if !p.Status.CanTransitionTo(target) {
			s.countTransition(p.Status, target, "illegal")
			return apperrors.IllegalTransition(string(p.Status), string(target))
		}

		from := p.Status
		now := time.Now()
		p.Status = target
		if target == StatusCompleted {
			p.CompletedAt = &now
		}

		txErr := s.tx.Transaction(func(tx *gorm.DB) error {
			if err := s.repo.WithTx(tx).Update(ctx, p); err != nil {
				return err
			}
			if event := target.NotifyEvent(); event != "" {
				if err := s.webhooks.EnqueueAttempt(ctx, tx, p.ID, p.MerchantID, p.CallbackURL, event); err != nil {
					return fmt.Errorf("enqueue webhook attempt: %w", err)
				}
			}
			return nil
		})
		if txErr != nil {
			s.countTransition(from, target, "error")
			return txErr
		}

		s.countTransition(from, target, "ok")
		s.logger.Info("payment transitioned",
			zap.String("payment_id", p.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
		)
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PaymentEvent returns the webhook payload data for a payment, read at
// dispatch time so the delivered status is current. Implements
// webhook.PaymentSource.
func (s *Service) PaymentEvent(ctx context.Context, id uuid.UUID) (*webhook.PaymentEvent, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &webhook.PaymentEvent{
		PaymentID:  p.ID.String(),
		MerchantID: p.MerchantID.String(),
		Amount:     p.Amount,
		Currency:   p.Currency,
		Status:     string(p.Status),
	}, nil
}

func (s *Service) countTransition(from, to Status, result string) {
	if s.metrics != nil {
		s.metrics.PaymentTransitionsTotal.WithLabelValues(string(from), string(to), result).Inc()
	}
}
