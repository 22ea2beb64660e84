package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/flowpay/gateway/internal/shared/signature"
)

// Sender performs the outbound HTTP delivery of a signed payload. Each
// destination host gets its own circuit breaker so one dead endpoint cannot
// burn the whole cycle's time budget on timeouts.
type Sender struct {
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[int]
}

// NewSender creates a sender with the given per-request timeout.
func NewSender(timeout time.Duration, logger *zap.Logger) *Sender {
	return &Sender{
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[int]),
	}
}

// Send POSTs the signed payload to callbackURL. Any outcome other than a 2xx
// response (non-2xx status, timeout, connection error, open breaker) is
// returned as an error wrapping ErrDeliveryFailed.
func (s *Sender) Send(ctx context.Context, callbackURL string, sp *signature.SignedPayload) error {
	breaker := s.breakerFor(callbackURL)

	_, err := breaker.Execute(func() (int, error) {
		return s.post(ctx, callbackURL, sp)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

func (s *Sender) post(ctx context.Context, callbackURL string, sp *signature.SignedPayload) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(sp.Body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range sp.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (s *Sender) breakerFor(callbackURL string) *gobreaker.CircuitBreaker[int] {
	host := callbackURL
	if u, err := url.Parse(callbackURL); err == nil && u.Host != "" {
		host = u.Host
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("webhook breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	s.breakers[host] = b
	return b
}
