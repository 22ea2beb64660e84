package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Transport headers attached to signed webhook deliveries.
const (
	SignatureHeader = "X-Flowpay-Signature"
	EventHeader     = "X-Flowpay-Event"
)

// Envelope wraps event data with its type and creation time before signing.
type Envelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	CreatedAt int64  `json:"created_at"` // unix seconds
}

// SignedPayload is a serialized envelope ready for HTTP delivery.
type SignedPayload struct {
	Body      []byte
	Signature string
	Headers   map[string]string
}

// Sign computes the hex-encoded HMAC-SHA256 of payload under secret.
// Identical payload and secret always yield an identical signature.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the expected signature and compares it in constant time.
// It fails closed: an undecodable or wrong-length signature is a plain
// verification failure, never an error.
func Verify(secret, payload []byte, sig string) bool {
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	// hmac.Equal requires equal-length inputs to be meaningful; a length
	// mismatch is itself a deterministic failure.
	if len(provided) != len(expected) {
		return false
	}
	return hmac.Equal(provided, expected)
}

// BuildSignedPayload wraps data in a typed, timestamped envelope, signs the
// JSON encoding and returns the body plus transport headers.
func BuildSignedPayload(data any, eventType string, secret []byte) (*SignedPayload, error) {
	envelope := Envelope{
		Event:     eventType,
		Data:      data,
		CreatedAt: time.Now().Unix(),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	sig := Sign(secret, body)
	return &SignedPayload{
		Body:      body,
		Signature: sig,
		Headers: map[string]string{
			SignatureHeader: sig,
			EventHeader:     eventType,
		},
	}, nil
}
