package requests

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/repair-dispatch/internal/lifecycle"
	"github.com/example/repair-dispatch/internal/models"
	"github.com/example/repair-dispatch/internal/observability"
	"github.com/example/repair-dispatch/internal/storage"
)

// RequestCompletion marks the work done and sends a fresh completion code
// to the user. Calling it again before verification reissues the code and
// invalidates the previous one.
func (s *Service) RequestCompletion(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var code string
	out, _, err := s.apply(ctx, cur, step{
		action: lifecycle.ActionRequestCompletion,
		actor:  actor,
		build: func(cur, next *models.ServiceRequest, m *storage.Mutation) error {
			issued, err := s.otp.Issue()
			if err != nil {
				return err
			}
			code = issued.Code
			next.CompletionCodeHash = issued.Hash
			next.CompletionCodeExpiry = &issued.Expiry
			if cur.Status == models.StatusCompleted {
				m.Event.Detail = "code reissued"
			} else {
				at := next.UpdatedAt
				next.CompletedAt = &at
				m.Event.Detail = "code issued"
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.otp.Reset(id)
	s.deliverCode(out, code)
	return out, nil
}

func (s *Service) deliverCode(r *models.ServiceRequest, code string) {
	if s.codes == nil {
		s.logger.Warn("no code notifier configured", "request_id", r.ID)
		return
	}
	if err := s.codes.DeliverCode(r.UserID, r.ID, code); err != nil {
		// the technician can ask for a reissue
		s.logger.Warn("completion code delivery failed", "request_id", r.ID, "user_id", r.UserID, "error", err)
	}
}

// VerifyCompletion checks the code the user received. On success the
// request is settled: the technician share and the estimate are credited in
// the same store write that marks the code verified. Verifying a request
// that is already settled returns it unchanged.
func (s *Service) VerifyCompletion(ctx context.Context, id string, actor models.Actor, code string) (*models.ServiceRequest, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, s.reject(lifecycle.ActionVerifyCompletion, fmt.Errorf("%w: code required", models.ErrValidation))
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Authorize(cur, lifecycle.ActionVerifyCompletion, actor); err != nil {
		return nil, s.reject(lifecycle.ActionVerifyCompletion, err)
	}
	if settled(cur) {
		return cur, nil
	}
	if _, err := lifecycle.Check(cur, lifecycle.ActionVerifyCompletion); err != nil {
		return nil, s.reject(lifecycle.ActionVerifyCompletion, err)
	}
	if err := s.otp.Verify(id, code, cur.CompletionCodeHash, cur.CompletionCodeExpiry); err != nil {
		observability.OTPVerificationsTotal.WithLabelValues(otpResult(err)).Inc()
		s.logger.Info("completion code rejected", "request_id", id, "error", err)
		return nil, s.reject(lifecycle.ActionVerifyCompletion, err)
	}
	observability.OTPVerificationsTotal.WithLabelValues("ok").Inc()

	var credit models.LedgerEntry
	out, _, err := s.apply(ctx, cur, step{
		action: lifecycle.ActionVerifyCompletion,
		actor:  actor,
		build: func(_, next *models.ServiceRequest, m *storage.Mutation) error {
			next.OTPVerified = true
			next.CompletionCodeHash = ""
			next.CompletionCodeExpiry = nil
			credit = s.ledger.Settlement(next, next.UpdatedAt)
			m.Credit = &credit
			m.Event.Detail = fmt.Sprintf("credited=%d", credit.Total)
			return nil
		},
	})
	if errors.Is(err, models.ErrConflict) {
		// a concurrent verification may have settled it first
		if again, gerr := s.store.Get(ctx, id); gerr == nil && settled(again) {
			return again, nil
		}
	}
	if err != nil {
		return nil, err
	}
	observability.SettledAmount.Add(float64(credit.Total))
	s.logger.Info("request settled", "request_id", id, "technician_id", out.TechnicianID, "credited", credit.Total)
	s.setAvailable(ctx, out.TechnicianID, true)
	return out, nil
}

func settled(r *models.ServiceRequest) bool {
	return r.Status == models.StatusCompleted && r.OTPVerified
}

func otpResult(err error) string {
	switch {
	case errors.Is(err, models.ErrOtpExpired):
		return "expired"
	case errors.Is(err, models.ErrOtpRateLimited):
		return "rate_limited"
	default:
		return "mismatch"
	}
}
