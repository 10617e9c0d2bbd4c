package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/repair-dispatch/internal/models"
)

type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]*models.ServiceRequest
	events      map[string][]models.Event
	technicians map[string]*models.TechnicianAccount
	users       map[string]*models.UserAccount
	ledger      map[string]models.LedgerEntry
	seq         int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*models.ServiceRequest),
		events:      make(map[string][]models.Event),
		technicians: make(map[string]*models.TechnicianAccount),
		users:       make(map[string]*models.UserAccount),
		ledger:      make(map[string]models.LedgerEntry),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *models.ServiceRequest, ev models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("%w: request %s already exists", models.ErrConflict, r.ID)
	}
	m.requests[r.ID] = r.Clone()
	m.appendEvent(ev)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", models.ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Assign(_ context.Context, id, technicianID string, at time.Time, ev models.Event) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", models.ErrNotFound, id)
	}
	if err := assignable(r); err != nil {
		return nil, err
	}
	ev.FromStatus = r.Status
	ev.ToStatus = models.StatusAccepted
	r.TechnicianID = technicianID
	r.Status = models.StatusAccepted
	r.Version++
	r.AcceptedAt = &at
	r.UpdatedAt = at
	m.appendEvent(ev)
	return r.Clone(), nil
}

func (m *MemoryStore) Apply(_ context.Context, mu Mutation) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[mu.Next.ID]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", models.ErrNotFound, mu.Next.ID)
	}
	if cur.Status != mu.ExpectedStatus || cur.Version != mu.ExpectedVersion {
		return nil, fmt.Errorf("%w: request %s is %s v%d, expected %s v%d",
			models.ErrConflict, cur.ID, cur.Status, cur.Version, mu.ExpectedStatus, mu.ExpectedVersion)
	}

	next := mu.Next.Clone()
	next.Version = cur.Version + 1
	next.Unfulfilled = cur.Unfulfilled
	m.requests[next.ID] = next
	m.appendEvent(mu.Event)

	if mu.Credit != nil {
		if _, done := m.ledger[mu.Credit.RequestID]; !done {
			m.ledger[mu.Credit.RequestID] = *mu.Credit
			m.technician(mu.Credit.TechnicianID).Balance += mu.Credit.Total
		}
	}
	if mu.LoyaltyUserID != "" && mu.LoyaltyDelta != 0 {
		m.user(mu.LoyaltyUserID).LoyaltyPoints += mu.LoyaltyDelta
	}
	if mu.ReliabilityTechnicianID != "" && mu.ReliabilityDelta != 0 {
		m.technician(mu.ReliabilityTechnicianID).Reliability += mu.ReliabilityDelta
	}
	return next.Clone(), nil
}

func (m *MemoryStore) FlagUnfulfilled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("%w: request %s", models.ErrNotFound, id)
	}
	if r.Status == models.StatusPending || r.Status == models.StatusBroadcasted {
		r.Unfulfilled = true
	}
	return nil
}

func (m *MemoryStore) Open(_ context.Context) ([]*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ServiceRequest
	for _, r := range m.requests {
		if (r.Status == models.StatusPending || r.Status == models.StatusBroadcasted) && !r.Unfulfilled {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Events(_ context.Context, requestID string) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.requests[requestID]; !ok {
		return nil, fmt.Errorf("%w: request %s", models.ErrNotFound, requestID)
	}
	return append([]models.Event(nil), m.events[requestID]...), nil
}

func (m *MemoryStore) TechnicianAccount(_ context.Context, id string) (models.TechnicianAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.technicians[id]; ok {
		return *a, nil
	}
	return models.TechnicianAccount{TechnicianID: id, Reliability: models.DefaultReliability}, nil
}

func (m *MemoryStore) UserAccount(_ context.Context, id string) (models.UserAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.users[id]; ok {
		return *a, nil
	}
	return models.UserAccount{UserID: id}, nil
}

func (m *MemoryStore) Reliability(_ context.Context, ids []string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		if a, ok := m.technicians[id]; ok {
			out[id] = a.Reliability
		} else {
			out[id] = models.DefaultReliability
		}
	}
	return out, nil
}

// caller holds mu
func (m *MemoryStore) technician(id string) *models.TechnicianAccount {
	a, ok := m.technicians[id]
	if !ok {
		a = &models.TechnicianAccount{TechnicianID: id, Reliability: models.DefaultReliability}
		m.technicians[id] = a
	}
	return a
}

// caller holds mu
func (m *MemoryStore) user(id string) *models.UserAccount {
	a, ok := m.users[id]
	if !ok {
		a = &models.UserAccount{UserID: id}
		m.users[id] = a
	}
	return a
}

// caller holds mu
func (m *MemoryStore) appendEvent(ev models.Event) {
	m.seq++
	ev.ID = m.seq
	m.events[ev.RequestID] = append(m.events[ev.RequestID], ev)
}

// assignable explains why a request cannot take a technician.
func assignable(r *models.ServiceRequest) error {
	if r.Assigned() {
		return fmt.Errorf("%w: request %s", models.ErrAlreadyAssigned, r.ID)
	}
	if r.Status != models.StatusPending && r.Status != models.StatusBroadcasted {
		return fmt.Errorf("%w: accept from %s", models.ErrInvalidTransition, r.Status)
	}
	return nil
}
