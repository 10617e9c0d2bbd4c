package requests

import (
	"errors"

	"github.com/example/repair-dispatch/internal/models"
)

// resultLabel keeps the transitions metric at a fixed set of label values.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrForbidden):
		return "forbidden"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrOtpMismatch), errors.Is(err, models.ErrOtpExpired), errors.Is(err, models.ErrOtpRateLimited):
		return "otp_rejected"
	default:
		return "error"
	}
}
