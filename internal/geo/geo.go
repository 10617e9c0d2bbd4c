package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/repair-dispatch/internal/models"
	"github.com/example/repair-dispatch/internal/observability"
)

// Geo is the technician position index used by the broadcaster, the accept
// path and the location feed. Results are advisory; the request store stays
// authoritative for assignment.
type Geo interface {
	// Upsert writes the full record, flags included. It is the onboarding
	// path; position reports go through UpdateLocation.
	Upsert(ctx context.Context, t models.TechnicianAvailability) error
	// UpdateLocation moves a technician without touching verification or
	// availability. Unknown technicians are added unverified.
	UpdateLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error
	// Nearby returns technicians within radiusKm of p, nearest first. A limit
	// of zero means no limit.
	Nearby(ctx context.Context, p models.Coord, radiusKm float64, limit int) ([]Hit, error)
	SetAvailable(ctx context.Context, id string, available bool) error
	Get(ctx context.Context, id string) (models.TechnicianAvailability, bool, error)
}

type Hit struct {
	Technician models.TechnicianAvailability
	DistanceKm float64
}

type Index struct {
	mu          sync.RWMutex
	technicians map[string]models.TechnicianAvailability
}

func NewIndex() *Index {
	return &Index{technicians: make(map[string]models.TechnicianAvailability)}
}

func (g *Index) Upsert(_ context.Context, t models.TechnicianAvailability) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.Updated.IsZero() {
		t.Updated = time.Now()
	}
	g.technicians[t.ID] = t
	g.updateGauge()
	return nil
}

func (g *Index) UpdateLocation(_ context.Context, id string, loc models.Coord, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.technicians[id]
	if !ok {
		t = models.TechnicianAvailability{ID: id, Available: true}
	}
	t.Loc = loc
	t.Updated = at
	g.technicians[id] = t
	g.updateGauge()
	return nil
}

func (g *Index) SetAvailable(_ context.Context, id string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.technicians[id]
	if !ok {
		return nil
	}
	t.Available = available
	t.Updated = time.Now()
	g.technicians[id] = t
	g.updateGauge()
	return nil
}

func (g *Index) Get(_ context.Context, id string) (models.TechnicianAvailability, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.technicians[id]
	return t, ok, nil
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(_ context.Context, p models.Coord, radiusKm float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Hit, 0, len(g.technicians))
	for _, t := range g.technicians {
		dist := Haversine(p.Lat, p.Lon, t.Loc.Lat, t.Loc.Lon) / 1000
		if dist > radiusKm {
			continue
		}
		arr = append(arr, Hit{Technician: t, DistanceKm: dist})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceKm < arr[minIdx].DistanceKm {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// caller holds mu
func (g *Index) updateGauge() {
	n := 0
	for _, t := range g.technicians {
		if t.Eligible() {
			n++
		}
	}
	observability.TechniciansAvailable.Set(float64(n))
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
