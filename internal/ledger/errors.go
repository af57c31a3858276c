package ledger

import "errors"

var (
	// ErrInvalidInput covers malformed request shape: bad amounts,
	// unknown currencies, missing instrument fields, refund amounts
	// over the refundable balance.
	ErrInvalidInput = errors.New("invalid input")

	// ErrValidationFailed means the instrument content failed
	// validation (Luhn, expiry, CVV, VPA format).
	ErrValidationFailed = errors.New("instrument validation failed")

	ErrNotFound = errors.New("not found")

	// ErrDuplicatePayment is the conflict from attempting a second
	// payment while one is still processing for the same order.
	ErrDuplicatePayment = errors.New("duplicate payment attempt")

	// ErrInvalidTransition is a compare-and-swap miss: the entity is
	// not in the status the operation requires.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStorageUnavailable is transient and retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrExhausted marks a retry budget spent; surfaced to logs, not
	// to callers.
	ErrExhausted = errors.New("retry budget exhausted")
)
