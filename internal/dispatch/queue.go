package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/example/repair-dispatch/internal/models"
)

// Queue records which technicians can currently see which requests. It is
// a visibility index only; assignment is decided by the request store.
type Queue interface {
	// Publish replaces the candidate set of a request.
	Publish(ctx context.Context, requestID string, offers map[string]models.Offer) error
	// Withdraw removes the request from every candidate's list and returns
	// the technicians that could see it.
	Withdraw(ctx context.Context, requestID string) ([]string, error)
	ListFor(ctx context.Context, technicianID string) ([]models.Offer, error)
	Exclude(ctx context.Context, requestID, technicianID string) error
	Excluded(ctx context.Context, requestID string) (map[string]bool, error)
}

const DefaultQueueTTL = 24 * time.Hour

type requestEntry struct {
	candidates []string
	excluded   map[string]bool
}

// MemoryQueue keeps visibility in process with entries expiring after ttl.
type MemoryQueue struct {
	mu    sync.Mutex
	items *cache.Cache
}

func NewMemoryQueue(ttl time.Duration) *MemoryQueue {
	if ttl <= 0 {
		ttl = DefaultQueueTTL
	}
	return &MemoryQueue{items: cache.New(ttl, ttl/2)}
}

func (q *MemoryQueue) Publish(_ context.Context, requestID string, offers map[string]models.Offer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.request(requestID)
	for _, tech := range e.candidates {
		q.dropOffer(tech, requestID)
	}
	e.candidates = e.candidates[:0]
	for tech, o := range offers {
		e.candidates = append(e.candidates, tech)
		m := q.offers(tech)
		m[requestID] = o
		q.items.SetDefault(techKey(tech), m)
	}
	sort.Strings(e.candidates)
	q.items.SetDefault(requestKey(requestID), e)
	return nil
}

func (q *MemoryQueue) Withdraw(_ context.Context, requestID string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.items.Get(requestKey(requestID))
	if !ok {
		return nil, nil
	}
	e := v.(*requestEntry)
	had := append([]string(nil), e.candidates...)
	for _, tech := range e.candidates {
		q.dropOffer(tech, requestID)
	}
	e.candidates = nil
	return had, nil
}

func (q *MemoryQueue) ListFor(_ context.Context, technicianID string) ([]models.Offer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.items.Get(techKey(technicianID))
	if !ok {
		return nil, nil
	}
	m := v.(map[string]models.Offer)
	out := make([]models.Offer, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sortOffers(out)
	return out, nil
}

func (q *MemoryQueue) Exclude(_ context.Context, requestID, technicianID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.request(requestID)
	e.excluded[technicianID] = true
	q.items.SetDefault(requestKey(requestID), e)
	return nil
}

func (q *MemoryQueue) Excluded(_ context.Context, requestID string) (map[string]bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[string]bool{}
	if v, ok := q.items.Get(requestKey(requestID)); ok {
		for k := range v.(*requestEntry).excluded {
			out[k] = true
		}
	}
	return out, nil
}

// caller holds mu
func (q *MemoryQueue) request(requestID string) *requestEntry {
	if v, ok := q.items.Get(requestKey(requestID)); ok {
		return v.(*requestEntry)
	}
	return &requestEntry{excluded: map[string]bool{}}
}

// caller holds mu
func (q *MemoryQueue) offers(technicianID string) map[string]models.Offer {
	if v, ok := q.items.Get(techKey(technicianID)); ok {
		return v.(map[string]models.Offer)
	}
	return map[string]models.Offer{}
}

// caller holds mu
func (q *MemoryQueue) dropOffer(technicianID, requestID string) {
	v, ok := q.items.Get(techKey(technicianID))
	if !ok {
		return
	}
	delete(v.(map[string]models.Offer), requestID)
}

func sortOffers(out []models.Offer) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].RequestID < out[j].RequestID
	})
}

func requestKey(id string) string { return "request:" + id }
func techKey(id string) string    { return "technician:" + id }
