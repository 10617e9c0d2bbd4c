package models

import "errors"

// Error kinds returned by the engine. Callers wrap them with detail using
// fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("state conflict, refetch and retry")
	ErrAlreadyAssigned   = errors.New("request already assigned")
	ErrForbidden         = errors.New("caller not allowed")
	ErrOtpMismatch       = errors.New("completion code mismatch")
	ErrOtpExpired        = errors.New("completion code expired")
	ErrOtpRateLimited    = errors.New("too many completion code attempts")
	ErrQuotaExceeded     = errors.New("subscription quota exceeded")
	ErrPaymentDeclined   = errors.New("payment declined")
)
