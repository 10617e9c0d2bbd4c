// Package lifecycle holds the service-request state machine: the single
// transition table every caller is checked against, and the caller guards
// attached to each action.
package lifecycle

import (
	"fmt"

	"github.com/example/repair-dispatch/internal/models"
)

type Action string

const (
	ActionCreate            Action = "create"
	ActionBroadcast         Action = "broadcast"
	ActionAccept            Action = "accept"
	ActionMarkOnTheWay      Action = "mark_on_the_way"
	ActionSubmitEstimate    Action = "submit_estimate"
	ActionApproveEstimate   Action = "approve_estimate"
	ActionBeginWork         Action = "begin_work"
	ActionRequestCompletion Action = "request_completion"
	ActionVerifyCompletion  Action = "verify_completion"
	ActionCancel            Action = "cancel"
	// ActionRequeue is what a technician cancellation turns into before the
	// job reaches awaiting_approval.
	ActionRequeue Action = "requeue"
)

// Actions lists every action that can be applied to an existing request.
var Actions = []Action{
	ActionBroadcast,
	ActionAccept,
	ActionMarkOnTheWay,
	ActionSubmitEstimate,
	ActionApproveEstimate,
	ActionBeginWork,
	ActionRequestCompletion,
	ActionVerifyCompletion,
	ActionCancel,
	ActionRequeue,
}

var transitions = map[models.Status]map[Action]models.Status{
	models.StatusPending: {
		ActionBroadcast: models.StatusBroadcasted,
		ActionAccept:    models.StatusAccepted,
		ActionCancel:    models.StatusCancelled,
	},
	models.StatusBroadcasted: {
		ActionAccept: models.StatusAccepted,
		ActionCancel: models.StatusCancelled,
	},
	models.StatusAccepted: {
		ActionMarkOnTheWay: models.StatusOnTheWay,
		ActionCancel:       models.StatusCancelled,
		ActionRequeue:      models.StatusBroadcasted,
	},
	models.StatusOnTheWay: {
		ActionSubmitEstimate: models.StatusAwaitingApproval,
		ActionCancel:         models.StatusCancelled,
		ActionRequeue:        models.StatusBroadcasted,
	},
	models.StatusAwaitingApproval: {
		ActionApproveEstimate: models.StatusApproved,
	},
	models.StatusApproved: {
		ActionBeginWork:         models.StatusInProgress,
		ActionRequestCompletion: models.StatusCompleted,
	},
	models.StatusInProgress: {
		ActionRequestCompletion: models.StatusCompleted,
	},
	// completed stays completed; these two only apply while the code is unverified.
	models.StatusCompleted: {
		ActionRequestCompletion: models.StatusCompleted,
		ActionVerifyCompletion:  models.StatusCompleted,
	},
}

// performers names the parties allowed to trigger each action.
var performers = map[Action][]models.Party{
	ActionBroadcast:         {models.PartySystem},
	ActionAccept:            {models.PartyTechnician},
	ActionMarkOnTheWay:      {models.PartyTechnician},
	ActionSubmitEstimate:    {models.PartyTechnician},
	ActionApproveEstimate:   {models.PartyUser},
	ActionBeginWork:         {models.PartyTechnician},
	ActionRequestCompletion: {models.PartyTechnician},
	ActionVerifyCompletion:  {models.PartyUser},
	ActionCancel:            {models.PartyUser, models.PartyTechnician, models.PartySystem},
	ActionRequeue:           {models.PartyTechnician, models.PartySystem},
}

// Next returns the status reached by applying a to a record in status from.
func Next(from models.Status, a Action) (models.Status, bool) {
	to, ok := transitions[from][a]
	return to, ok
}

// CanApply reports whether a is legal from the given status.
func CanApply(from models.Status, a Action) bool {
	_, ok := Next(from, a)
	return ok
}

// Check validates a against the current record, including the completed
// sub-state, and returns the target status.
func Check(r *models.ServiceRequest, a Action) (models.Status, error) {
	if r.Terminal() {
		return r.Status, fmt.Errorf("%w: %s on %s request", models.ErrInvalidTransition, a, terminalLabel(r))
	}
	to, ok := Next(r.Status, a)
	if !ok {
		return r.Status, fmt.Errorf("%w: %s from %s", models.ErrInvalidTransition, a, r.Status)
	}
	return to, nil
}

// Authorize checks the caller guard of a. Accept is open to any technician;
// eligibility is checked by the arbiter.
func Authorize(r *models.ServiceRequest, a Action, actor models.Actor) error {
	if !allowed(a, actor.Party) {
		return fmt.Errorf("%w: %s cannot %s", models.ErrForbidden, actor.Party, a)
	}
	if actor.Party != models.PartySystem && actor.ID == "" {
		return fmt.Errorf("%w: missing actor id", models.ErrForbidden)
	}
	switch actor.Party {
	case models.PartyUser:
		if actor.ID != r.UserID {
			return fmt.Errorf("%w: user %s does not own request %s", models.ErrForbidden, actor.ID, r.ID)
		}
	case models.PartyTechnician:
		if a == ActionAccept {
			return nil
		}
		if !r.Assigned() || actor.ID != r.TechnicianID {
			return fmt.Errorf("%w: technician %s is not assigned to request %s", models.ErrForbidden, actor.ID, r.ID)
		}
	}
	return nil
}

func allowed(a Action, p models.Party) bool {
	for _, v := range performers[a] {
		if v == p {
			return true
		}
	}
	return false
}

func terminalLabel(r *models.ServiceRequest) string {
	if r.Status == models.StatusCompleted {
		return "settled"
	}
	return string(r.Status)
}
