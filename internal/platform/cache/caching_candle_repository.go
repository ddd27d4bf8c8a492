// Package cache provides caching implementations for repository interfaces.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"candle_backend/internal/feature/candles/domain/entity"
	"candle_backend/internal/feature/candles/usecase"
)

// CachingCandleRepository decorates a CandleRepository with Redis caching of
// range reads. It implements the decorator pattern, transparently adding
// caching without modifying the underlying repository. With a nil Redis
// client every call passes straight through, so caching stays an
// optimization, never a dependency.
type CachingCandleRepository struct {
	inner     usecase.CandleRepository
	rdb       *redis.Client
	ttl       time.Duration
	namespace string
}

var _ usecase.CandleRepository = (*CachingCandleRepository)(nil)

// NewCachingCandleRepository decorates a CandleRepository with Redis caching.
// If ttl is 0, it defaults to 1 minute. If namespace is empty, it uses "candles".
func NewCachingCandleRepository(rdb *redis.Client, ttl time.Duration, inner usecase.CandleRepository, namespace string) *CachingCandleRepository {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if namespace == "" {
		namespace = "candles"
	}
	return &CachingCandleRepository{
		inner:     inner,
		rdb:       rdb,
		ttl:       ttl,
		namespace: namespace,
	}
}

// UpsertBatch writes candles through and invalidates the affected series.
func (c *CachingCandleRepository) UpsertBatch(ctx context.Context, candles []entity.Candle) error {
	if err := c.inner.UpsertBatch(ctx, candles); err != nil {
		return err
	}
	if c.rdb == nil || len(candles) == 0 {
		return nil
	}

	seen := map[string]struct{}{}
	for _, cd := range candles {
		prefix := c.seriesPrefix(cd.Symbol, cd.Granularity)
		if _, ok := seen[prefix]; ok {
			continue
		}
		seen[prefix] = struct{}{}
		_ = c.deleteByPattern(ctx, prefix+"*") // Best effort: a failed invalidation must not fail the write
	}
	return nil
}

// FindRange serves a range read from cache when possible, falling back to the
// underlying store on a miss.
func (c *CachingCandleRepository) FindRange(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, error) {
	if c.rdb == nil {
		return c.inner.FindRange(ctx, symbol, g, start, end)
	}

	key := c.rangeKey(symbol, g, start, end)

	if b, err := c.rdb.Get(ctx, key).Bytes(); err == nil && len(b) > 0 {
		var out []entity.Candle
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
		// Delete the corrupted entry and fall through to the store.
		_ = c.rdb.Del(ctx, key).Err()
	}

	out, err := c.inner.FindRange(ctx, symbol, g, start, end)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(out); err == nil {
		_ = c.rdb.Set(ctx, key, b, c.ttl).Err()
	}
	return out, nil
}

// DeleteOlderThan sweeps through to the store and invalidates the series.
func (c *CachingCandleRepository) DeleteOlderThan(ctx context.Context, symbol string, g entity.Granularity, cutoff time.Time) (int64, error) {
	n, err := c.inner.DeleteOlderThan(ctx, symbol, g, cutoff)
	if err != nil {
		return n, err
	}
	if c.rdb != nil && n > 0 {
		_ = c.deleteByPattern(ctx, c.seriesPrefix(symbol, g)+"*")
	}
	return n, nil
}

// Metadata is served from the store directly: it is one indexed row.
func (c *CachingCandleRepository) Metadata(ctx context.Context, symbol string, g entity.Granularity) (entity.SeriesMetadata, error) {
	return c.inner.Metadata(ctx, symbol, g)
}

// ListSeries is served from the store directly.
func (c *CachingCandleRepository) ListSeries(ctx context.Context) ([]entity.SeriesMetadata, error) {
	return c.inner.ListSeries(ctx)
}

// rangeKey generates a cache key for one range query.
func (c *CachingCandleRepository) rangeKey(symbol string, g entity.Granularity, start, end time.Time) string {
	return fmt.Sprintf("%s:%d:%d", c.seriesPrefix(symbol, g), start.Unix(), end.Unix())
}

// seriesPrefix generates the invalidation prefix for one series.
func (c *CachingCandleRepository) seriesPrefix(symbol string, g entity.Granularity) string {
	return fmt.Sprintf("%s:%s:%s:", c.namespace, safe(symbol), safe(string(g)))
}

// deleteByPattern deletes all cache keys matching a given pattern using SCAN.
func (c *CachingCandleRepository) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, cur, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = cur
		if cursor == 0 {
			break
		}
	}
	return nil
}

// safe escapes characters that are problematic for Redis keys.
func safe(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
