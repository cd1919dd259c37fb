package pricing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rephlo/metering/internal/models"
	log "github.com/sirupsen/logrus"
)

// Cache stores resolved vendor price rows by lookup key. A stored nil row is
// a negative entry: the lookup ran and found nothing.
type Cache interface {
	Get(ctx context.Context, key string) (*models.VendorPrice, bool)
	Set(ctx context.Context, key string, row *models.VendorPrice, ttl time.Duration)
}

// memoryEntry is one cached row with its expiry.
type memoryEntry struct {
	row       *models.VendorPrice
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

// Get returns the cached row for key, if present and unexpired.
func (c *MemoryCache) Get(_ context.Context, key string) (*models.VendorPrice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.row, true
}

// Set stores row under key for ttl.
func (c *MemoryCache) Set(_ context.Context, key string, row *models.VendorPrice, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{row: row, expiresAt: time.Now().Add(ttl)}
}

// redisNegative marks a negative cache entry in Redis.
const redisNegative = "none"

// RedisCache shares resolved prices across instances. Cache failures degrade
// to repository lookups; they are logged, never propagated.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache constructs a RedisCache on an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "metering:pricing:"}
}

// Get returns the cached row for key, if present.
func (c *RedisCache) Get(ctx context.Context, key string) (*models.VendorPrice, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	payload, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			log.WithError(err).Warn("pricing: redis cache get failed")
		}
		return nil, false
	}
	if payload == redisNegative {
		return nil, true
	}
	var row models.VendorPrice
	if errUnmarshal := json.Unmarshal([]byte(payload), &row); errUnmarshal != nil {
		log.WithError(errUnmarshal).Warn("pricing: redis cache payload invalid")
		return nil, false
	}
	return &row, true
}

// Set stores row under key for ttl.
func (c *RedisCache) Set(ctx context.Context, key string, row *models.VendorPrice, ttl time.Duration) {
	if c == nil || c.client == nil {
		return
	}
	payload := redisNegative
	if row != nil {
		encoded, errMarshal := json.Marshal(row)
		if errMarshal != nil {
			log.WithError(errMarshal).Warn("pricing: redis cache marshal failed")
			return
		}
		payload = string(encoded)
	}
	if errSet := c.client.Set(ctx, c.prefix+key, payload, ttl).Err(); errSet != nil {
		log.WithError(errSet).Warn("pricing: redis cache set failed")
	}
}
