package webhook

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus represents the delivery status of a webhook attempt.
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusDelivered AttemptStatus = "delivered"
	AttemptStatusFailed    AttemptStatus = "failed"
)

// Attempt is one pending or retired merchant notification. Attempts are
// never deleted; delivered and failed rows form the delivery audit log.
// The (status, next_run_at) index backs the scheduler's due scan.
type Attempt struct {
	ID          uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	PaymentID   uuid.UUID     `json:"payment_id" gorm:"type:uuid;not null;index"`
	MerchantID  uuid.UUID     `json:"merchant_id" gorm:"type:uuid;not null"`
	CallbackURL string        `json:"callback_url" gorm:"not null"`
	Event       string        `json:"event" gorm:"not null"`
	Status      AttemptStatus `json:"status" gorm:"not null;default:pending;index:idx_attempts_due,priority:1"`
	Attempts    int           `json:"attempts" gorm:"not null;default:0"`
	NextRunAt   *time.Time    `json:"next_run_at,omitempty" gorm:"index:idx_attempts_due,priority:2"`
	LastError   *string       `json:"last_error,omitempty"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TableName returns the database table name.
func (Attempt) TableName() string {
	return "webhook_attempts"
}
