// Package cancellation decides what a cancellation does to a request and
// what it costs the party asking for it, based on how far the job got.
package cancellation

import (
	"fmt"

	"github.com/example/repair-dispatch/internal/lifecycle"
	"github.com/example/repair-dispatch/internal/models"
)

const (
	DefaultLoyaltyPenalty     int64 = 15
	DefaultReliabilityPenalty       = 5
)

type Policy struct {
	LoyaltyPenalty     int64
	ReliabilityPenalty int
}

func DefaultPolicy() Policy {
	return Policy{LoyaltyPenalty: DefaultLoyaltyPenalty, ReliabilityPenalty: DefaultReliabilityPenalty}
}

// Outcome is the effect of a cancellation. Action is either ActionCancel
// (request becomes cancelled) or ActionRequeue (technician released, request
// goes back to broadcasted).
type Outcome struct {
	Action             lifecycle.Action
	To                 models.Status
	LoyaltyPenalty     int64
	ReliabilityPenalty int
}

func (o Outcome) Requeue() bool { return o.Action == lifecycle.ActionRequeue }

func (p Policy) Decide(status models.Status, party models.Party) (Outcome, error) {
	switch status {
	case models.StatusPending, models.StatusBroadcasted:
		if party == models.PartyTechnician {
			return Outcome{}, fmt.Errorf("%w: no technician assigned yet", models.ErrForbidden)
		}
		return cancelled(), nil
	case models.StatusAccepted:
		if party == models.PartyTechnician {
			return requeued(0), nil
		}
		return cancelled(), nil
	case models.StatusOnTheWay:
		switch party {
		case models.PartyTechnician:
			return requeued(p.ReliabilityPenalty), nil
		case models.PartyUser:
			o := cancelled()
			o.LoyaltyPenalty = p.LoyaltyPenalty
			return o, nil
		default:
			return cancelled(), nil
		}
	}
	return Outcome{}, fmt.Errorf("%w: cannot cancel a request in %s", models.ErrInvalidTransition, status)
}

func cancelled() Outcome {
	return Outcome{Action: lifecycle.ActionCancel, To: models.StatusCancelled}
}

func requeued(reliability int) Outcome {
	return Outcome{Action: lifecycle.ActionRequeue, To: models.StatusBroadcasted, ReliabilityPenalty: reliability}
}
