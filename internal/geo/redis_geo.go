package geo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/repair-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands, with verification and
// availability kept in a per-technician hash.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, t models.TechnicianAvailability) error {
	at := t.Updated
	if at.IsZero() {
		at = time.Now()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: t.Loc.Lon, Latitude: t.Loc.Lat, Name: t.ID})
	pipe.HSet(ctx, metaKey(t.ID), encodeMeta(t, at))
	_, err := pipe.Exec(ctx)
	return err
}

// UpdateLocation only seeds the flags when the meta hash does not exist yet.
func (r *RedisGeo) UpdateLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	key := metaKey(id)
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: id})
	pipe.HSetNX(ctx, key, "verified", "false")
	pipe.HSetNX(ctx, key, "available", "true")
	pipe.HSet(ctx, key, "updated", at.UTC().Format(time.RFC3339))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) SetAvailable(ctx context.Context, id string, available bool) error {
	return r.client.HSet(ctx, metaKey(id),
		"available", strconv.FormatBool(available),
		"updated", time.Now().UTC().Format(time.RFC3339),
	).Err()
}

func (r *RedisGeo) Get(ctx context.Context, id string) (models.TechnicianAvailability, bool, error) {
	pos, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil {
		return models.TechnicianAvailability{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.TechnicianAvailability{}, false, nil
	}
	meta, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return models.TechnicianAvailability{}, false, err
	}
	t := decodeMeta(id, meta)
	t.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	return t, true, nil
}

func (r *RedisGeo) Nearby(ctx context.Context, p models.Coord, radiusKm float64, limit int) ([]Hit, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lon,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]Hit, 0, len(res))
	for i, g := range res {
		t := decodeMeta(g.Name, metas[i].Val())
		t.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, Hit{Technician: t, DistanceKm: g.Dist})
	}
	return out, nil
}

func encodeMeta(t models.TechnicianAvailability, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"verified":  strconv.FormatBool(t.Verified),
		"available": strconv.FormatBool(t.Available),
		"updated":   now.UTC().Format(time.RFC3339),
	}
}

// decodeMeta treats a missing hash as an unverified, unavailable technician.
func decodeMeta(id string, m map[string]string) models.TechnicianAvailability {
	t := models.TechnicianAvailability{ID: id}
	t.Verified = m["verified"] == "true"
	t.Available = m["available"] == "true"
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			t.Updated = ts
		}
	}
	return t
}

func metaKey(id string) string { return "technician:meta:" + id }
