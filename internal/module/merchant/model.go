package merchant

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Merchant represents a merchant and its webhook delivery settings. The
// webhook secret is created once at onboarding and is the HMAC key for every
// notification sent to this merchant.
type Merchant struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Name        string         `json:"name" gorm:"not null"`
	Secret      string         `json:"-" gorm:"not null"`
	CallbackURL string         `json:"callback_url"`
	Events      pq.StringArray `json:"events" gorm:"type:text[]"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName returns the database table name.
func (Merchant) TableName() string {
	return "merchants"
}
