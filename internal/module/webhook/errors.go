package webhook

import "errors"

// Module errors.
var (
	ErrAttemptNotFound = errors.New("webhook attempt not found")
	// ErrDeliveryFailed marks a single failed delivery attempt; it is
	// recorded on the attempt and retried per the backoff policy.
	ErrDeliveryFailed = errors.New("webhook delivery failed")
)
