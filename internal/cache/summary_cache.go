// Package cache provides a two-tier cache for AI-generated summaries: an
// in-memory LRU for hot entries and an optional Redis tier shared across
// instances. Both tiers are best-effort; a miss or a Redis outage only means
// the LLM gets called again.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "oru:summary:"

// SummaryCache implements domain.SummaryCache.
type SummaryCache struct {
	memory *lru.Cache[string, string]
	redis  *redis.Client
	ttl    time.Duration
	log    *logrus.Logger
}

// Config controls cache sizing. RedisURL empty disables the distributed tier.
type Config struct {
	MemorySize int
	RedisURL   string
	TTL        time.Duration
}

// New creates a summary cache. Returns an error only when the memory tier
// cannot be constructed; an unreachable Redis is discovered lazily and
// tolerated.
func New(cfg Config, logger *logrus.Logger) (*SummaryCache, error) {
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = 256
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	memory, err := lru.New[string, string](cfg.MemorySize)
	if err != nil {
		return nil, err
	}

	c := &SummaryCache{
		memory: memory,
		ttl:    cfg.TTL,
		log:    logger,
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Invalid Redis URL, summary cache runs memory-only")
		} else {
			c.redis = redis.NewClient(opts)
		}
	}

	return c, nil
}

// Key derives the cache key for a raw message: SHA-256 over the exact text, so
// any change in the message misses.
func Key(rawText string) string {
	sum := sha256.Sum256([]byte(rawText))
	return hex.EncodeToString(sum[:])
}

// Get checks the memory tier first, then Redis. A Redis hit is promoted into
// memory.
func (c *SummaryCache) Get(ctx context.Context, key string) (string, bool) {
	if summary, ok := c.memory.Get(key); ok {
		return summary, true
	}

	if c.redis == nil {
		return "", false
	}

	summary, err := c.redis.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).Debug("Redis summary cache read failed")
		}
		return "", false
	}

	c.memory.Add(key, summary)
	return summary, true
}

// Set writes through both tiers.
func (c *SummaryCache) Set(ctx context.Context, key, summary string) {
	c.memory.Add(key, summary)

	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, keyPrefix+key, summary, c.ttl).Err(); err != nil {
		c.log.WithError(err).Debug("Redis summary cache write failed")
	}
}
