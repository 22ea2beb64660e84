package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository defines the interface for webhook attempt data access.
type Repository interface {
	Create(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id uuid.UUID) (*Attempt, error)
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Attempt, error)
	// ListDue returns pending attempts whose next_run_at has passed, oldest
	// first, capped at limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Attempt, error)
	// Claim atomically advances the attempt's next_run_at to until, but only
	// if the row still carries the next_run_at the caller read. A false
	// return means another scheduler instance claimed it first.
	Claim(ctx context.Context, a *Attempt, until time.Time) (bool, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkRetry records a failed attempt and schedules the next one.
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextRunAt time.Time) error
	// MarkFailed dead-letters the attempt: status failed, no next_run_at.
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) error
	ListDeadLettered(ctx context.Context, limit int) ([]*Attempt, error)
	// WithTx returns a repository whose writes join the given transaction.
	WithTx(tx *gorm.DB) Repository
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new webhook attempt repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, a *Attempt) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("create webhook attempt: %w", err)
	}
	return nil
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	var a Attempt
	err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get webhook attempt: %w", err)
	}
	return &a, nil
}

func (r *repository) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Attempt, error) {
	var attempts []*Attempt
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("list webhook attempts by payment: %w", err)
	}
	return attempts, nil
}

func (r *repository) ListDue(ctx context.Context, now time.Time, limit int) ([]*Attempt, error) {
	var attempts []*Attempt
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_run_at <= ?", AttemptStatusPending, now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("list due webhook attempts: %w", err)
	}
	return attempts, nil
}

func (r *repository) Claim(ctx context.Context, a *Attempt, until time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&Attempt{}).
		Where("id = ? AND status = ? AND next_run_at = ?", a.ID, AttemptStatusPending, a.NextRunAt).
		Update("next_run_at", until)
	if res.Error != nil {
		return false, fmt.Errorf("claim webhook attempt: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&Attempt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       AttemptStatusDelivered,
			"delivered_at": at,
			"next_run_at":  nil,
		}).Error
	if err != nil {
		return fmt.Errorf("mark webhook attempt delivered: %w", err)
	}
	return nil
}

func (r *repository) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextRunAt time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&Attempt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":    attempts,
			"last_error":  lastError,
			"next_run_at": nextRunAt,
		}).Error
	if err != nil {
		return fmt.Errorf("mark webhook attempt for retry: %w", err)
	}
	return nil
}

func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	err := r.db.WithContext(ctx).
		Model(&Attempt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      AttemptStatusFailed,
			"attempts":    attempts,
			"last_error":  lastError,
			"next_run_at": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("mark webhook attempt failed: %w", err)
	}
	return nil
}

func (r *repository) ListDeadLettered(ctx context.Context, limit int) ([]*Attempt, error) {
	var attempts []*Attempt
	err := r.db.WithContext(ctx).
		Where("status = ?", AttemptStatusFailed).
		Order("updated_at DESC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered webhook attempts: %w", err)
	}
	return attempts, nil
}
