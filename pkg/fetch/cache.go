package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedFetcher memoizes successful fetches in redis.
type CachedFetcher struct {
	next   Fetcher
	cache  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedFetcher wraps next with a redis cache. A nil client disables caching.
func NewCachedFetcher(next Fetcher, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedFetcher {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedFetcher{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "url_fetch_cache").Logger(),
	}
}

// Fetch implements Fetcher.
func (c *CachedFetcher) Fetch(ctx context.Context, url string) (string, error) {
	key := cacheKey(url)

	if c.cache != nil {
		cached, err := c.cache.Get(ctx, key).Result()
		if err == nil {
			c.logger.Debug().Str("url", url).Msg("fetch cache hit")
			return cached, nil
		}
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("failed to read fetch cache")
		}
	}

	text, err := c.next.Fetch(ctx, url)
	if err != nil {
		return "", err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, text, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to store fetch cache")
		}
	}

	return text, nil
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "grader:fetch:" + hex.EncodeToString(sum[:])
}
