package httpx

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/lowkeylabs/crossyield/internal/metrics"
)

// staleRetention is how many TTL windows an expired entry stays
// available for stale serving before it is evicted.
const staleRetention = 10

// CacheEntry is one cached upstream response.
type CacheEntry struct {
	Body      []byte    `json:"body"`
	Status    int       `json:"status"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Fresh reports whether the entry is still within its TTL.
func (e *CacheEntry) Fresh(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.FetchedAt) <= ttl
}

// Cache stores responses keyed by canonical request URL. Entries are
// kept past their TTL so an upstream outage can be bridged with stale data.
type Cache interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool)
	Set(ctx context.Context, key string, entry *CacheEntry)
	Tier() string
}

// CacheKey canonicalizes a request URL: query parameters are sorted so
// logically identical requests share one cache entry.
func CacheKey(rawURL string) (key string, host string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}

	q := u.Query()
	for _, vs := range q {
		sort.Strings(vs)
	}
	u.RawQuery = q.Encode() // Encode sorts keys
	u.Fragment = ""

	return u.String(), u.Host, nil
}

// memoryCache is the default in-process cache tier.
type memoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*CacheEntry
	ttl        time.Duration
	maxEntries int
}

// NewMemoryCache creates an in-process response cache.
func NewMemoryCache(ttl time.Duration, maxEntries int) Cache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &memoryCache{
		entries:    make(map[string]*CacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func (c *memoryCache) Tier() string { return "memory" }

func (c *memoryCache) Get(_ context.Context, key string) (*CacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(entry.FetchedAt) > c.ttl*staleRetention {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry, true
}

func (c *memoryCache) Set(_ context.Context, key string, entry *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = entry
}

// evictOldestLocked drops the entry with the oldest fetch time.
func (c *memoryCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.FetchedAt.Before(oldest) {
			oldestKey = k
			oldest = e.FetchedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// redisCache is the shared cache tier for multi-replica deployments.
type redisCache struct {
	client *metrics.RedisMetrics
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a Redis-backed response cache. Entries live for
// staleRetention TTL windows; freshness is judged from the stored fetch time.
func NewRedisCache(client *redis.Client, ttl time.Duration) Cache {
	return &redisCache{
		client: metrics.NewRedisMetrics(client),
		ttl:    ttl,
		prefix: "httpcache:",
	}
}

func (c *redisCache) Tier() string { return "redis" }

func (c *redisCache) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key)
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Msg("Redis error during cache lookup")
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Warn().Err(err).Msg("Failed to unmarshal cached response")
		return nil, false
	}
	return &entry, true
}

func (c *redisCache) Set(_ context.Context, key string, entry *CacheEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal response for cache")
		return
	}

	// Store in cache (async, don't block on cache write failure)
	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := c.client.Set(cacheCtx, c.prefix+key, data, c.ttl*staleRetention); err != nil {
			log.Warn().Err(err).Msg("Failed to cache response")
		}
	}()
}
