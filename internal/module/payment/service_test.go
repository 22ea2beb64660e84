package payment

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/flowpay/gateway/internal/shared/errors"
)

// mockRepo implements Repository in memory, enforcing the unique constraint
// on idempotency_key the way the database would.
type mockRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
	creates  int
	// keyMisses makes GetByIdempotencyKey report not-found that many times,
	// simulating a winner that commits between the re-read and the insert.
	keyMisses int
}

func newMockRepo() *mockRepo {
	return &mockRepo{payments: make(map[uuid.UUID]*Payment)}
}

func (m *mockRepo) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.IdempotencyKey != nil {
		for _, existing := range m.payments {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *p.IdempotencyKey {
				return gorm.ErrDuplicatedKey
			}
		}
	}
	cp := *p
	m.payments[p.ID] = &cp
	m.creates++
	return nil
}

func (m *mockRepo) Get(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) GetByIdempotencyKey(_ context.Context, key string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyMisses > 0 {
		m.keyMisses--
		return nil, ErrPaymentNotFound
	}
	for _, p := range m.payments {
		if p.IdempotencyKey != nil && *p.IdempotencyKey == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *mockRepo) Update(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *mockRepo) ListByMerchant(_ context.Context, merchantID uuid.UUID, limit int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.MerchantID == merchantID && len(out) < limit {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) WithTx(*gorm.DB) Repository {
	return m
}

func (m *mockRepo) snapshot() map[uuid.UUID]Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[uuid.UUID]Payment, len(m.payments))
	for id, p := range m.payments {
		snap[id] = *p
	}
	return snap
}

func (m *mockRepo) restore(snap map[uuid.UUID]Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = make(map[uuid.UUID]*Payment, len(snap))
	for id, p := range snap {
		cp := p
		m.payments[id] = &cp
	}
}

// mockTxManager emulates transactional rollback: on error from fc the repo
// reverts to its state at the start of the transaction.
type mockTxManager struct {
	repo *mockRepo
}

func (m *mockTxManager) Transaction(fc func(tx *gorm.DB) error, _ ...*sql.TxOptions) error {
	snap := m.repo.snapshot()
	if err := fc(nil); err != nil {
		m.repo.restore(snap)
		return err
	}
	return nil
}

// mockLocker serializes critical sections with a process mutex, which is
// what the Redis lease gives us across instances.
type mockLocker struct {
	mu   sync.Mutex
	err  error
	keys []string
}

func (l *mockLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return fn(ctx)
}

type enqueueCall struct {
	paymentID  uuid.UUID
	merchantID uuid.UUID
	url        string
	event      string
}

type mockEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (m *mockEnqueuer) EnqueueAttempt(_ context.Context, _ *gorm.DB, paymentID, merchantID uuid.UUID, url, event string) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, enqueueCall{paymentID, merchantID, url, event})
	return nil
}

type mockDirectory struct {
	url string
	err error
}

func (m *mockDirectory) CallbackURL(context.Context, uuid.UUID) (string, error) {
	return m.url, m.err
}

func newTestService() (*Service, *mockRepo, *mockLocker, *mockEnqueuer) {
	repo := newMockRepo()
	locks := &mockLocker{}
	enq := &mockEnqueuer{}
	dir := &mockDirectory{url: "https://merchant.example/hooks"}
	svc := NewService(&mockTxManager{repo: repo}, repo, locks, enq, dir, nil, zap.NewNop())
	return svc, repo, locks, enq
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates payment in created status", func(t *testing.T) {
		svc, repo, _, _ := newTestService()

		p, err := svc.Create(ctx, &CreateRequest{
			MerchantID: uuid.New(),
			Amount:     1000,
			Currency:   "EUR",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusCreated, p.Status)
		assert.Equal(t, "https://merchant.example/hooks", p.CallbackURL)
		assert.Nil(t, p.IdempotencyKey)
		assert.Equal(t, 1, repo.creates)
	})

	t.Run("rejects negative amount", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		_, err := svc.Create(ctx, &CreateRequest{MerchantID: uuid.New(), Amount: -1, Currency: "EUR"})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects missing currency", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		_, err := svc.Create(ctx, &CreateRequest{MerchantID: uuid.New(), Amount: 1})
		assert.ErrorIs(t, err, ErrInvalidCurrency)
	})

	t.Run("explicit callback url wins", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		p, err := svc.Create(ctx, &CreateRequest{
			MerchantID:  uuid.New(),
			Amount:      1,
			Currency:    "EUR",
			CallbackURL: "https://other.example/hook",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://other.example/hook", p.CallbackURL)
	})
}

func TestCreateIdempotency(t *testing.T) {
	ctx := context.Background()

	t.Run("repeated calls observe one payment", func(t *testing.T) {
		svc, repo, locks, _ := newTestService()
		req := &CreateRequest{
			MerchantID:     uuid.New(),
			Amount:         500,
			Currency:       "USD",
			IdempotencyKey: "idem-123",
		}

		first, err := svc.Create(ctx, req)
		require.NoError(t, err)
		second, err := svc.Create(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, repo.creates)
		assert.Contains(t, locks.keys, "idempotency:idem-123")
	})

	t.Run("concurrent calls observe one payment", func(t *testing.T) {
		svc, repo, _, _ := newTestService()
		req := &CreateRequest{
			MerchantID:     uuid.New(),
			Amount:         500,
			Currency:       "USD",
			IdempotencyKey: "idem-race",
		}

		const n = 8
		results := make([]*Payment, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p, err := svc.Create(ctx, req)
				assert.NoError(t, err)
				results[i] = p
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, repo.creates)
		for i := 1; i < n; i++ {
			assert.Equal(t, results[0].ID, results[i].ID)
		}
	})

	t.Run("duplicate key insert adopts the winner", func(t *testing.T) {
		svc, repo, _, _ := newTestService()

		// Pre-seed the winner and hide it from the first re-read, so the
		// insert hits the unique constraint and triggers the adoption path.
		key := "idem-dup"
		winner := &Payment{ID: uuid.New(), MerchantID: uuid.New(), Amount: 1, Currency: "USD", Status: StatusCreated, IdempotencyKey: &key}
		require.NoError(t, repo.Create(ctx, winner))
		repo.keyMisses = 1

		got, err := svc.Create(ctx, &CreateRequest{
			MerchantID:     winner.MerchantID,
			Amount:         1,
			Currency:       "USD",
			IdempotencyKey: key,
		})
		require.NoError(t, err)
		assert.Equal(t, winner.ID, got.ID)
		assert.Equal(t, 1, repo.creates)
	})
}

func TestTransition(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, svc *Service, status Status) *Payment {
		t.Helper()
		p, err := svc.Create(ctx, &CreateRequest{MerchantID: uuid.New(), Amount: 1000, Currency: "EUR"})
		require.NoError(t, err)
		for _, step := range path(status) {
			p, err = svc.Transition(ctx, p.ID, step)
			require.NoError(t, err)
		}
		return p
	}

	t.Run("created to pending enqueues nothing", func(t *testing.T) {
		svc, _, locks, enq := newTestService()
		p := seed(t, svc, StatusCreated)

		got, err := svc.Transition(ctx, p.ID, StatusPending)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Empty(t, enq.calls)
		assert.Contains(t, locks.keys, "payment:"+p.ID.String())
	})

	t.Run("pending to completed enqueues exactly one attempt", func(t *testing.T) {
		svc, _, _, enq := newTestService()
		p := seed(t, svc, StatusPending)

		got, err := svc.Transition(ctx, p.ID, StatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)

		require.Len(t, enq.calls, 1)
		assert.Equal(t, p.ID, enq.calls[0].paymentID)
		assert.Equal(t, "payment.completed", enq.calls[0].event)
		assert.Equal(t, p.CallbackURL, enq.calls[0].url)
	})

	t.Run("completed to refunded notifies", func(t *testing.T) {
		svc, _, _, enq := newTestService()
		p := seed(t, svc, StatusCompleted)

		got, err := svc.Transition(ctx, p.ID, StatusRefunded)
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, got.Status)
		assert.Equal(t, "payment.refunded", enq.calls[len(enq.calls)-1].event)
	})

	t.Run("completed to pending is rejected and status kept", func(t *testing.T) {
		svc, repo, _, _ := newTestService()
		p := seed(t, svc, StatusCompleted)

		_, err := svc.Transition(ctx, p.ID, StatusPending)
		assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)

		stored, err := repo.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, stored.Status)
	})

	t.Run("failed is terminal", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		p := seed(t, svc, StatusFailed)

		for _, target := range []Status{StatusCreated, StatusPending, StatusCompleted, StatusRefunded} {
			_, err := svc.Transition(ctx, p.ID, target)
			assert.ErrorIs(t, err, apperrors.ErrIllegalTransition, "failed -> %s", target)
		}
	})

	t.Run("unknown target status", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		p := seed(t, svc, StatusCreated)
		_, err := svc.Transition(ctx, p.ID, Status("charged"))
		assert.ErrorIs(t, err, ErrUnknownStatus)
	})

	t.Run("missing payment", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		_, err := svc.Transition(ctx, uuid.New(), StatusPending)
		assert.ErrorIs(t, err, ErrPaymentNotFound)
	})

	t.Run("enqueue failure rolls back the status change", func(t *testing.T) {
		svc, repo, _, enq := newTestService()
		p := seed(t, svc, StatusPending)

		enq.err = assert.AnError
		_, err := svc.Transition(ctx, p.ID, StatusCompleted)
		require.Error(t, err)

		// The failed attempt insert must take the status write down with it:
		// the payment stays pending and a retry can still deliver the event.
		stored, err := repo.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, stored.Status)
		assert.Nil(t, stored.CompletedAt)
		assert.Empty(t, enq.calls)

		enq.err = nil
		got, err := svc.Transition(ctx, p.ID, StatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		require.Len(t, enq.calls, 1)
		assert.Equal(t, "payment.completed", enq.calls[0].event)
	})

	t.Run("lock unavailable leaves payment untouched", func(t *testing.T) {
		svc, repo, locks, enq := newTestService()
		p := seed(t, svc, StatusPending)

		locks.err = apperrors.LockUnavailable("payment:" + p.ID.String())
		_, err := svc.Transition(ctx, p.ID, StatusCompleted)
		assert.ErrorIs(t, err, apperrors.ErrLockUnavailable)

		stored, err := repo.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, stored.Status)
		assert.Empty(t, enq.calls)
	})
}

// path returns the transitions to drive a fresh payment to status.
func path(status Status) []Status {
	switch status {
	case StatusPending:
		return []Status{StatusPending}
	case StatusCompleted:
		return []Status{StatusPending, StatusCompleted}
	case StatusFailed:
		return []Status{StatusPending, StatusFailed}
	case StatusRefunded:
		return []Status{StatusPending, StatusCompleted, StatusRefunded}
	default:
		return nil
	}
}

func TestPaymentEvent(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	p, err := svc.Create(ctx, &CreateRequest{MerchantID: uuid.New(), Amount: 250, Currency: "GBP"})
	require.NoError(t, err)

	event, err := svc.PaymentEvent(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID.String(), event.PaymentID)
	assert.Equal(t, p.MerchantID.String(), event.MerchantID)
	assert.Equal(t, int64(250), event.Amount)
	assert.Equal(t, "GBP", event.Currency)
	assert.Equal(t, "created", event.Status)
}
