// Package subscription tracks the free-visit quota of each user's plan.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/repair-dispatch/internal/models"
)

// Service is the quota view the escrow ledger depends on. ConsumeFreeVisit
// must be atomic: two concurrent consumers can never both take the last visit.
type Service interface {
	GetQuota(ctx context.Context, userID string) (models.Quota, error)
	ConsumeFreeVisit(ctx context.Context, userID string) (models.Quota, error)
	ReleaseFreeVisit(ctx context.Context, userID string) error
}

type MemoryService struct {
	mu     sync.Mutex
	quotas map[string]*models.Quota
	now    func() time.Time
}

func NewMemoryService() *MemoryService {
	return &MemoryService{quotas: make(map[string]*models.Quota), now: time.Now}
}

// SetPlan starts a fresh period for userID on the given tier.
func (m *MemoryService) SetPlan(userID string, tier models.PlanTier, periodEnd time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[userID] = &models.Quota{
		UserID:    userID,
		Tier:      tier,
		Allowed:   models.FreeVisitsFor(tier),
		PeriodEnd: periodEnd,
	}
}

func (m *MemoryService) GetQuota(_ context.Context, userID string) (models.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[userID]
	if !ok {
		return models.Quota{UserID: userID, Tier: models.TierBasic}, nil
	}
	return *q, nil
}

func (m *MemoryService) ConsumeFreeVisit(_ context.Context, userID string) (models.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[userID]
	if !ok || q.Used >= q.Allowed || !m.now().Before(q.PeriodEnd) {
		return models.Quota{}, fmt.Errorf("%w: user %s", models.ErrQuotaExceeded, userID)
	}
	q.Used++
	return *q, nil
}

func (m *MemoryService) ReleaseFreeVisit(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[userID]
	if !ok || q.Used == 0 {
		return fmt.Errorf("%w: no free visit to release for user %s", models.ErrNotFound, userID)
	}
	q.Used--
	return nil
}
