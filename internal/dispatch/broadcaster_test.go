package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/repair-dispatch/internal/geo"
	"github.com/example/repair-dispatch/internal/models"
	"github.com/example/repair-dispatch/internal/storage"
)

var origin = models.Coord{Lat: 12.9716, Lon: 77.5946}

type recordingNotifier struct {
	mu        sync.Mutex
	offers    map[string][]models.Offer
	withdrawn map[string][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{offers: map[string][]models.Offer{}, withdrawn: map[string][]string{}}
}

func (n *recordingNotifier) PushOffer(tech string, o models.Offer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers[tech] = append(n.offers[tech], o)
	return nil
}

func (n *recordingNotifier) WithdrawOffer(tech, requestID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.withdrawn[tech] = append(n.withdrawn[tech], requestID)
	return nil
}

func (n *recordingNotifier) DeliverCode(string, string, string) error { return nil }

func (n *recordingNotifier) offerCount(tech string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.offers[tech])
}

type fixture struct {
	store    *storage.MemoryStore
	geo      *geo.Index
	queue    *MemoryQueue
	notifier *recordingNotifier
	b        *Broadcaster
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		geo:      geo.NewIndex(),
		queue:    NewMemoryQueue(time.Hour),
		notifier: newRecordingNotifier(),
	}
	f.b = NewBroadcaster(cfg, Deps{Store: f.store, Geo: f.geo, Queue: f.queue, Notifier: f.notifier})
	t.Cleanup(f.b.Close)
	return f
}

func (f *fixture) technician(t *testing.T, id string, northKm float64, verified, available bool) {
	t.Helper()
	loc := models.Coord{Lat: origin.Lat + northKm/111.2, Lon: origin.Lon}
	require.NoError(t, f.geo.Upsert(context.Background(), models.TechnicianAvailability{ID: id, Loc: loc, Verified: verified, Available: available}))
}

func (f *fixture) request(t *testing.T, id string) {
	t.Helper()
	now := time.Now()
	gps := origin
	r := &models.ServiceRequest{
		ID: id, UserID: "u1", Status: models.StatusPending,
		Description: "AC not cooling", ApplianceRef: "ac-1",
		Location:  models.Location{GPS: &gps},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.Create(context.Background(), r, models.Event{RequestID: id, ToStatus: models.StatusPending, Action: "create"}))
}

func fastRetry() Config {
	return Config{RadiusKm: 10, TopN: 20, Retry: RetryConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Timeout: 5 * time.Second}}
}

func offerIDs(offers []models.Offer) []string {
	out := make([]string, len(offers))
	for i, o := range offers {
		out[i] = o.RequestID
	}
	return out
}

func TestBroadcastReachesEligibleCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastRetry())
	f.technician(t, "A", 1, true, true)
	f.technician(t, "B", 3, true, true)
	f.technician(t, "unverified", 1, false, true)
	f.technician(t, "busy", 1, true, false)
	f.technician(t, "far", 25, true, true)
	f.request(t, "r1")

	require.NoError(t, f.b.Broadcast(ctx, "r1"))

	r, err := f.store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBroadcasted, r.Status)
	assert.False(t, f.b.Retrying("r1"))

	for _, tech := range []string{"A", "B"} {
		offers, err := f.b.ListFor(ctx, tech)
		require.NoError(t, err)
		assert.Equal(t, []string{"r1"}, offerIDs(offers), tech)
		assert.Equal(t, 1, f.notifier.offerCount(tech))
	}
	for _, tech := range []string{"unverified", "busy", "far"} {
		offers, _ := f.b.ListFor(ctx, tech)
		assert.Empty(t, offers, tech)
	}

	offers, _ := f.b.ListFor(ctx, "A")
	assert.InDelta(t, 1.0, offers[0].DistanceKm, 0.05)
	assert.Greater(t, offers[0].ETASeconds, 0.0)

	evs, _ := f.store.Events(ctx, "r1")
	require.Len(t, evs, 2)
	assert.Equal(t, "broadcast", evs[1].Action)
}

func TestBroadcastTopN(t *testing.T) {
	ctx := context.Background()
	cfg := fastRetry()
	cfg.TopN = 2
	f := newFixture(t, cfg)
	for i := 1; i <= 5; i++ {
		f.technician(t, fmt.Sprintf("t%d", i), float64(i), true, true)
	}
	f.request(t, "r1")
	require.NoError(t, f.b.Broadcast(ctx, "r1"))

	for i := 1; i <= 5; i++ {
		ok, err := f.b.Visible(ctx, "r1", fmt.Sprintf("t%d", i))
		require.NoError(t, err)
		assert.Equal(t, i <= 2, ok, "t%d", i)
	}
}

func TestBroadcastRetriesUntilSomeoneAppears(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastRetry())
	f.request(t, "r1")

	require.NoError(t, f.b.Broadcast(ctx, "r1"))
	r, _ := f.store.Get(ctx, "r1")
	assert.Equal(t, models.StatusPending, r.Status, "no candidates leaves the request pending")
	assert.True(t, f.b.Retrying("r1"))

	f.technician(t, "A", 2, true, true)
	require.Eventually(t, func() bool {
		r, _ := f.store.Get(ctx, "r1")
		return r.Status == models.StatusBroadcasted
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !f.b.Retrying("r1") }, time.Second, 5*time.Millisecond)

	ok, _ := f.b.Visible(ctx, "r1", "A")
	assert.True(t, ok)
}

func TestBroadcastTimesOutAsUnfulfilled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RadiusKm: 10, TopN: 20, Retry: RetryConfig{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond, Timeout: 40 * time.Millisecond}})
	f.request(t, "r1")

	require.NoError(t, f.b.Broadcast(ctx, "r1"))
	require.Eventually(t, func() bool {
		r, _ := f.store.Get(ctx, "r1")
		return r.Unfulfilled
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !f.b.Retrying("r1") }, time.Second, 5*time.Millisecond)

	r, _ := f.store.Get(ctx, "r1")
	assert.Equal(t, models.StatusPending, r.Status)
}

func TestWithdrawStopsRetriesAndHidesOffers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastRetry())
	f.technician(t, "A", 1, true, true)
	f.request(t, "r1")
	f.request(t, "r2")

	require.NoError(t, f.b.Broadcast(ctx, "r1"))
	require.NoError(t, f.geo.SetAvailable(ctx, "A", false))
	require.NoError(t, f.b.Broadcast(ctx, "r2"))
	require.True(t, f.b.Retrying("r2"))

	require.NoError(t, f.b.Withdraw(ctx, "r1"))
	require.NoError(t, f.b.Withdraw(ctx, "r2"))

	offers, _ := f.b.ListFor(ctx, "A")
	assert.Empty(t, offers)
	assert.False(t, f.b.Retrying("r2"))
	assert.Equal(t, []string{"r1"}, f.notifier.withdrawn["A"])
}

func TestRequeueSkipsTechnicianWhoDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastRetry())
	f.technician(t, "A", 1, true, true)
	f.technician(t, "B", 2, true, true)
	f.request(t, "r1")
	require.NoError(t, f.b.Broadcast(ctx, "r1"))
	require.NoError(t, f.b.Withdraw(ctx, "r1"))

	require.NoError(t, f.b.Requeue(ctx, "r1", "A"))

	okA, _ := f.b.Visible(ctx, "r1", "A")
	okB, _ := f.b.Visible(ctx, "r1", "B")
	assert.False(t, okA)
	assert.True(t, okB)
}

func TestBroadcastIgnoresAssignedRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastRetry())
	f.technician(t, "A", 1, true, true)
	f.request(t, "r1")
	_, err := f.store.Assign(ctx, "r1", "A", time.Now(), models.Event{RequestID: "r1", Action: "accept"})
	require.NoError(t, err)

	require.NoError(t, f.b.Broadcast(ctx, "r1"))
	assert.False(t, f.b.Retrying("r1"))
	ok, _ := f.b.Visible(ctx, "r1", "A")
	assert.False(t, ok)
}
