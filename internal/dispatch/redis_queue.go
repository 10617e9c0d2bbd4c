package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/repair-dispatch/internal/models"
)

const (
	candidatesKeyFmt = "dispatch:request:%s:candidates"
	excludedKeyFmt   = "dispatch:request:%s:excluded"
	offersKeyFmt     = "dispatch:technician:%s:offers"
)

// RedisQueue shares visibility between API replicas using sets for the
// candidates of a request and a hash of offers per technician.
type RedisQueue struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisQueue(client *redis.Client, ttl time.Duration) *RedisQueue {
	if ttl <= 0 {
		ttl = DefaultQueueTTL
	}
	return &RedisQueue{redis: client, ttl: ttl}
}

func (q *RedisQueue) Publish(ctx context.Context, requestID string, offers map[string]models.Offer) error {
	prev, err := q.redis.SMembers(ctx, candidatesKey(requestID)).Result()
	if err != nil {
		return err
	}
	pipe := q.redis.TxPipeline()
	for _, tech := range prev {
		pipe.HDel(ctx, offersKey(tech), requestID)
	}
	pipe.Del(ctx, candidatesKey(requestID))
	if len(offers) > 0 {
		members := make([]interface{}, 0, len(offers))
		for tech, o := range offers {
			b, err := json.Marshal(o)
			if err != nil {
				return fmt.Errorf("encode offer: %w", err)
			}
			members = append(members, tech)
			pipe.HSet(ctx, offersKey(tech), requestID, b)
			pipe.Expire(ctx, offersKey(tech), q.ttl)
		}
		pipe.SAdd(ctx, candidatesKey(requestID), members...)
		pipe.Expire(ctx, candidatesKey(requestID), q.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Withdraw(ctx context.Context, requestID string) ([]string, error) {
	techs, err := q.redis.SMembers(ctx, candidatesKey(requestID)).Result()
	if err != nil {
		return nil, err
	}
	pipe := q.redis.TxPipeline()
	for _, tech := range techs {
		pipe.HDel(ctx, offersKey(tech), requestID)
	}
	pipe.Del(ctx, candidatesKey(requestID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return techs, nil
}

func (q *RedisQueue) ListFor(ctx context.Context, technicianID string) ([]models.Offer, error) {
	vals, err := q.redis.HVals(ctx, offersKey(technicianID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Offer, 0, len(vals))
	for _, v := range vals {
		var o models.Offer
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			return nil, fmt.Errorf("decode offer: %w", err)
		}
		out = append(out, o)
	}
	sortOffers(out)
	return out, nil
}

func (q *RedisQueue) Exclude(ctx context.Context, requestID, technicianID string) error {
	pipe := q.redis.TxPipeline()
	pipe.SAdd(ctx, excludedKey(requestID), technicianID)
	pipe.Expire(ctx, excludedKey(requestID), q.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Excluded(ctx context.Context, requestID string) (map[string]bool, error) {
	ids, err := q.redis.SMembers(ctx, excludedKey(requestID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func candidatesKey(requestID string) string { return fmt.Sprintf(candidatesKeyFmt, requestID) }
func excludedKey(requestID string) string   { return fmt.Sprintf(excludedKeyFmt, requestID) }
func offersKey(technicianID string) string  { return fmt.Sprintf(offersKeyFmt, technicianID) }
