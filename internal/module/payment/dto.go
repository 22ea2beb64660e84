package payment

import "github.com/google/uuid"

// CreatePaymentRequest is the request body for creating a payment.
type CreatePaymentRequest struct {
	MerchantID  uuid.UUID `json:"merchant_id" binding:"required"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency" binding:"required"`
	CallbackURL string    `json:"callback_url"`
}

// TransitionRequest is the request body for a status transition.
type TransitionRequest struct {
	Status Status `json:"status" binding:"required"`
}
