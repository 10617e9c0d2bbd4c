package requests

import (
	"context"
	"fmt"
	"strconv"

	"github.com/example/repair-dispatch/internal/lifecycle"
	"github.com/example/repair-dispatch/internal/models"
	"github.com/example/repair-dispatch/internal/storage"
)

func (s *Service) MarkOnTheWay(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	return s.run(ctx, id, step{action: lifecycle.ActionMarkOnTheWay, actor: actor})
}

// SubmitEstimate records the service cost quoted on site. It can only happen
// once, while the technician is on the way.
func (s *Service) SubmitEstimate(ctx context.Context, id string, actor models.Actor, cost int64) (*models.ServiceRequest, error) {
	if cost <= 0 {
		return nil, s.reject(lifecycle.ActionSubmitEstimate, fmt.Errorf("%w: estimate must be positive, got %d", models.ErrValidation, cost))
	}
	return s.run(ctx, id, step{
		action: lifecycle.ActionSubmitEstimate,
		actor:  actor,
		detail: "estimate=" + strconv.FormatInt(cost, 10),
		build: func(cur, next *models.ServiceRequest, _ *storage.Mutation) error {
			if cur.EstimatedCost != nil {
				return fmt.Errorf("%w: estimate already submitted", models.ErrInvalidTransition)
			}
			next.EstimatedCost = &cost
			return nil
		},
	})
}

func (s *Service) ApproveEstimate(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	return s.run(ctx, id, step{action: lifecycle.ActionApproveEstimate, actor: actor})
}

func (s *Service) BeginWork(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	return s.run(ctx, id, step{action: lifecycle.ActionBeginWork, actor: actor})
}
