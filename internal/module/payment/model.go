package payment

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the status of a payment.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// transitions is the whitelist of legal status transitions. A status absent
// from a target list can never be entered from that source; terminal states
// map to an empty list.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusPending},
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusRefunded},
	StatusFailed:    {},
	StatusRefunded:  {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the transition s -> target is legal.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
// COMPLETED is not terminal: it can still move to REFUNDED.
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// NotifyEvent returns the webhook event type emitted when a payment enters s,
// or "" if entering s requires no merchant notification.
func (s Status) NotifyEvent() string {
	switch s {
	case StatusCompleted:
		return "payment.completed"
	case StatusFailed:
		return "payment.failed"
	case StatusRefunded:
		return "payment.refunded"
	default:
		return ""
	}
}

// Payment represents a payment record. Writes go exclusively through the
// service's locked critical sections.
type Payment struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	MerchantID     uuid.UUID `json:"merchant_id" gorm:"type:uuid;not null;index"`
	Amount         int64     `json:"amount"` // minor units, never negative
	Currency       string    `json:"currency"`
	Status         Status    `json:"status" gorm:"not null;default:created"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty" gorm:"uniqueIndex"`
	CallbackURL    string    `json:"callback_url"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name.
func (Payment) TableName() string {
	return "payments"
}
