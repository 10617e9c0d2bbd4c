// Package storage is the source of truth for service requests, their audit
// trail and the accounts that settlements and penalties touch.
package storage

import (
	"context"
	"time"

	"github.com/example/repair-dispatch/internal/models"
)

// RequestStore persists requests. Every write that changes a request is
// conditional on the status and version the caller read, so concurrent
// writers never silently overwrite each other.
type RequestStore interface {
	Create(ctx context.Context, r *models.ServiceRequest, ev models.Event) error
	Get(ctx context.Context, id string) (*models.ServiceRequest, error)

	// Assign sets the technician and moves the request to accepted only if no
	// technician is set and the request is pending or broadcasted. Exactly one
	// concurrent caller wins; the others get ErrAlreadyAssigned.
	Assign(ctx context.Context, id, technicianID string, at time.Time, ev models.Event) (*models.ServiceRequest, error)

	// Apply writes m.Next together with its side effects in one atomic step,
	// or returns ErrConflict if the stored status or version moved.
	Apply(ctx context.Context, m Mutation) (*models.ServiceRequest, error)

	FlagUnfulfilled(ctx context.Context, id string) error
	// Open returns requests still waiting for a technician.
	Open(ctx context.Context) ([]*models.ServiceRequest, error)

	Events(ctx context.Context, requestID string) ([]models.Event, error)
	TechnicianAccount(ctx context.Context, id string) (models.TechnicianAccount, error)
	UserAccount(ctx context.Context, id string) (models.UserAccount, error)
	// Reliability returns the score of each id, defaulting unknown ids.
	Reliability(ctx context.Context, ids []string) (map[string]int, error)
}

// Mutation is one lifecycle step. Next carries the full new state; its
// Version is ignored and set by the store.
type Mutation struct {
	Next            *models.ServiceRequest
	ExpectedStatus  models.Status
	ExpectedVersion int
	Event           models.Event

	// Credit is applied at most once per request.
	Credit *models.LedgerEntry

	LoyaltyUserID string
	LoyaltyDelta  int64

	ReliabilityTechnicianID string
	ReliabilityDelta        int
}
