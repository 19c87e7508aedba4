package roster

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shrimpsizemoose/trekker/logger"

	"rollcall/internal/attendance"
	"rollcall/internal/metrics"
)

// Cache fronts a Provider with Redis. Redis failures fall through to the
// underlying provider.
type Cache struct {
	client *redis.Client
	source Provider
	ttl    time.Duration
	prefix string
}

// NewCache wraps source. A zero ttl defaults to five minutes.
func NewCache(client *redis.Client, source Provider, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, source: source, ttl: ttl, prefix: "rollcall:roster:"}
}

// Roster returns the cached roster or loads and caches it.
func (c *Cache) Roster(ctx context.Context, classID string) ([]attendance.StudentRef, error) {
	key := c.prefix + classID
	if c.client != nil {
		raw, err := c.client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var students []attendance.StudentRef
			if jerr := json.Unmarshal(raw, &students); jerr == nil {
				metrics.RosterCacheTotal.WithLabelValues("hit").Inc()
				return students, nil
			}
			logger.Error.Printf("roster cache: corrupt entry for %s, reloading", classID)
		case errors.Is(err, redis.Nil):
		default:
			logger.Error.Printf("roster cache: get %s failed: %v", classID, err)
		}
	}
	metrics.RosterCacheTotal.WithLabelValues("miss").Inc()

	students, err := c.source.Roster(ctx, classID)
	if err != nil {
		return nil, err
	}
	if c.client != nil {
		if raw, jerr := json.Marshal(students); jerr == nil {
			if serr := c.client.Set(ctx, key, raw, c.ttl).Err(); serr != nil {
				logger.Error.Printf("roster cache: set %s failed: %v", classID, serr)
			}
		}
	}
	return students, nil
}

// Invalidate drops the cached roster of classID.
func (c *Cache) Invalidate(ctx context.Context, classID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.prefix+classID).Err()
}
