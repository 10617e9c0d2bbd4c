package requests

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/repair-dispatch/internal/lifecycle"
	"github.com/example/repair-dispatch/internal/models"
	"github.com/example/repair-dispatch/internal/observability"
)

// Accept gives the request to the calling technician. The store performs a
// single conditional write, so when several technicians accept at once
// exactly one wins and the rest get ErrAlreadyAssigned.
func (s *Service) Accept(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// later states fall through to the transition table
	if cur.Status == models.StatusAccepted {
		observability.AcceptRacesLost.Inc()
		return nil, s.reject(lifecycle.ActionAccept, fmt.Errorf("%w: request %s", models.ErrAlreadyAssigned, id))
	}
	if _, err := lifecycle.Check(cur, lifecycle.ActionAccept); err != nil {
		return nil, s.reject(lifecycle.ActionAccept, err)
	}
	if err := lifecycle.Authorize(cur, lifecycle.ActionAccept, actor); err != nil {
		return nil, s.reject(lifecycle.ActionAccept, err)
	}
	if err := s.eligible(ctx, actor.ID); err != nil {
		return nil, s.reject(lifecycle.ActionAccept, err)
	}

	now := s.now()
	ev := models.Event{
		RequestID:  id,
		FromStatus: cur.Status,
		ToStatus:   models.StatusAccepted,
		Action:     string(lifecycle.ActionAccept),
		ActorParty: actor.Party,
		ActorID:    actor.ID,
		CreatedAt:  now,
	}
	r, err := s.store.Assign(ctx, id, actor.ID, now, ev)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyAssigned) {
			observability.AcceptRacesLost.Inc()
			s.logger.Info("accept lost race", "request_id", id, "technician_id", actor.ID)
		}
		return nil, s.reject(lifecycle.ActionAccept, err)
	}
	observability.TransitionsTotal.WithLabelValues(string(lifecycle.ActionAccept), "ok").Inc()
	s.logger.Info("request accepted", "request_id", id, "technician_id", actor.ID, "version", r.Version)

	if err := s.dispatch.Withdraw(ctx, id); err != nil {
		s.logger.Warn("withdraw after accept failed", "request_id", id, "error", err)
	}
	s.setAvailable(ctx, actor.ID, false)
	s.publish(ctx, r, ev)
	return r, nil
}

// eligible checks the accept guard: the technician must be verified and
// currently available.
func (s *Service) eligible(ctx context.Context, technicianID string) error {
	t, ok, err := s.geo.Get(ctx, technicianID)
	if err != nil {
		return fmt.Errorf("technician lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: technician %s has no reported position", models.ErrForbidden, technicianID)
	}
	if !t.Verified {
		return fmt.Errorf("%w: technician %s is not verified", models.ErrForbidden, technicianID)
	}
	if !t.Available {
		return fmt.Errorf("%w: technician %s is not available", models.ErrForbidden, technicianID)
	}
	return nil
}
