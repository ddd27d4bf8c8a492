// Package di provides dependency injection factories for creating
// application components.
package di

import (
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"candle_backend/internal/feature/candles/adapters"
	"candle_backend/internal/feature/candles/usecase"
	"candle_backend/internal/platform/cache"
)

// candleCacheTTL bounds how long a cached range query may serve stale reads.
const candleCacheTTL = time.Minute

// NewCandleRepository creates the durable candle repository. With a Redis
// client available the gorm store is wrapped in the read-through cache;
// without one the store is used directly.
func NewCandleRepository(db *gorm.DB, rdb *redis.Client) usecase.CandleRepository {
	repo := adapters.NewCandleRepository(db)
	if rdb == nil {
		return repo
	}
	return cache.NewCachingCandleRepository(rdb, candleCacheTTL, repo, "candles")
}
