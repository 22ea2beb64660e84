package merchant

import "errors"

// Module errors.
var (
	ErrMerchantNotFound = errors.New("merchant not found")
	ErrNameRequired     = errors.New("merchant name is required")
)
