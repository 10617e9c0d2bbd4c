package requests

import (
	"context"
	"strings"

	"github.com/example/repair-dispatch/internal/lifecycle"
	"github.com/example/repair-dispatch/internal/models"
	"github.com/example/repair-dispatch/internal/storage"
)

// Cancel applies the cancellation policy for the caller's party. A user or
// system cancellation ends the request; a technician cancellation releases
// the job and puts it back on the market without that technician.
// Penalties are written together with the status change.
func (s *Service) Cancel(ctx context.Context, id string, actor models.Actor, reason string) (*models.ServiceRequest, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	outcome, err := s.policy.Decide(cur.Status, actor.Party)
	if err != nil {
		return nil, s.reject(lifecycle.ActionCancel, err)
	}
	reason = strings.TrimSpace(reason)
	droppedBy := cur.TechnicianID

	out, _, err := s.apply(ctx, cur, step{
		action: outcome.Action,
		actor:  actor,
		detail: reason,
		build: func(cur, next *models.ServiceRequest, m *storage.Mutation) error {
			if outcome.Requeue() {
				next.TechnicianID = ""
				next.AcceptedAt = nil
				if outcome.ReliabilityPenalty > 0 {
					m.ReliabilityTechnicianID = cur.TechnicianID
					m.ReliabilityDelta = -outcome.ReliabilityPenalty
				}
				return nil
			}
			at := next.UpdatedAt
			next.CancelledAt = &at
			next.CancelReason = reason
			next.CancelledBy = actor.Party
			if outcome.LoyaltyPenalty > 0 {
				m.LoyaltyUserID = cur.UserID
				m.LoyaltyDelta = -outcome.LoyaltyPenalty
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	if outcome.Requeue() {
		s.logger.Info("request requeued", "request_id", id, "dropped_by", droppedBy, "reliability_penalty", outcome.ReliabilityPenalty)
		s.setAvailable(ctx, droppedBy, true)
		if err := s.dispatch.Requeue(ctx, id, droppedBy); err != nil {
			s.logger.Warn("requeue broadcast failed", "request_id", id, "error", err)
		}
		return s.store.Get(ctx, id)
	}

	s.logger.Info("request cancelled", "request_id", id, "by", actor.Party, "loyalty_penalty", outcome.LoyaltyPenalty)
	if err := s.dispatch.Withdraw(ctx, id); err != nil {
		s.logger.Warn("withdraw after cancel failed", "request_id", id, "error", err)
	}
	s.setAvailable(ctx, droppedBy, true)
	return out, nil
}
