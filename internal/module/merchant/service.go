package merchant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/flowpay/gateway/internal/utils/random"
)

// secretBytes is the entropy of a webhook secret before hex encoding.
const secretBytes = 32

// Service implements merchant onboarding and secret lookups. The payment and
// webhook modules only ever read from it.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a new merchant service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Create onboards a merchant and generates its webhook signing secret.
func (s *Service) Create(ctx context.Context, name, callbackURL string, events []string) (*Merchant, error) {
	if name == "" {
		return nil, ErrNameRequired
	}

	secret, err := random.Token(secretBytes)
	if err != nil {
		return nil, fmt.Errorf("generate webhook secret: %w", err)
	}

	m := &Merchant{
		ID:          uuid.New(),
		Name:        name,
		Secret:      secret,
		CallbackURL: callbackURL,
		Events:      pq.StringArray(events),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Info("merchant created",
		zap.String("merchant_id", m.ID.String()),
		zap.String("name", m.Name),
	)
	return m, nil
}

// Get returns a merchant by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Merchant, error) {
	return s.repo.Get(ctx, id)
}

// Secret returns the HMAC signing key for a merchant.
func (s *Service) Secret(ctx context.Context, id uuid.UUID) ([]byte, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return []byte(m.Secret), nil
}

// CallbackURL returns the merchant's configured webhook endpoint.
func (s *Service) CallbackURL(ctx context.Context, id uuid.UUID) (string, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return m.CallbackURL, nil
}

// RotateSecret replaces the merchant's webhook secret. Deliveries signed with
// the old secret are not re-signed; merchants must accept both during
// rotation windows on their side.
func (s *Service) RotateSecret(ctx context.Context, id uuid.UUID) (*Merchant, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	secret, err := random.Token(secretBytes)
	if err != nil {
		return nil, fmt.Errorf("generate webhook secret: %w", err)
	}
	m.Secret = secret

	if err := s.repo.Update(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Info("merchant secret rotated", zap.String("merchant_id", id.String()))
	return m, nil
}
