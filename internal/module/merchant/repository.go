package merchant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository defines the interface for merchant data access.
type Repository interface {
	Create(ctx context.Context, m *Merchant) error
	Get(ctx context.Context, id uuid.UUID) (*Merchant, error)
	Update(ctx context.Context, m *Merchant) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new merchant repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, m *Merchant) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create merchant: %w", err)
	}
	return nil
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Merchant, error) {
	var m Merchant
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMerchantNotFound
		}
		return nil, fmt.Errorf("get merchant: %w", err)
	}
	return &m, nil
}

func (r *repository) Update(ctx context.Context, m *Merchant) error {
	if err := r.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("update merchant: %w", err)
	}
	return nil
}
