package domain

import "errors"

// Exchange errors shared by every adapter so callers can match them with errors.Is
// regardless of which binding produced them.
var (
	ErrProductNotFound   = errors.New("product not found")
	ErrProductMismatch   = errors.New("product id mismatch")
	ErrOrderNotFound     = errors.New("order not found")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrMalformedResponse = errors.New("malformed exchange response")
)
