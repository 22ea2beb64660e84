package payment

import "errors"

// Module errors.
var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrInvalidAmount   = errors.New("amount must not be negative")
	ErrInvalidCurrency = errors.New("currency is required")
	ErrUnknownStatus   = errors.New("unknown payment status")
)
