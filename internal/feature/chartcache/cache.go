// Package chartcache implements the chart client's local candle cache and
// the gap reconciler that keeps it aligned with the server.
package chartcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"candle_backend/internal/feature/candles/domain/entity"
)

// CacheSchemaVersion gates the on-disk format. A cache written by a
// different version is dropped and rebuilt on open; old-format rows are
// never partially read.
const CacheSchemaVersion = 2

const (
	// chunkBuckets is the number of buckets grouped into one eviction unit.
	chunkBuckets = 512
	// defaultMaxChunks bounds the chunk count per series before LRU
	// eviction kicks in.
	defaultMaxChunks = 64
)

type cacheCandleModel struct {
	ID          uint            `gorm:"primaryKey"`
	Symbol      string          `gorm:"size:32;not null;uniqueIndex:chart_sym_gran_time;index:chart_chunk"`
	Granularity string          `gorm:"size:8;not null;uniqueIndex:chart_sym_gran_time;index:chart_chunk"`
	Time        int64           `gorm:"not null;uniqueIndex:chart_sym_gran_time"`
	Chunk       int64           `gorm:"not null;index:chart_chunk"`
	Open        decimal.Decimal `gorm:"type:decimal(32,12);not null"`
	High        decimal.Decimal `gorm:"type:decimal(32,12);not null"`
	Low         decimal.Decimal `gorm:"type:decimal(32,12);not null"`
	Close       decimal.Decimal `gorm:"type:decimal(32,12);not null"`
	Volume      decimal.Decimal `gorm:"type:decimal(32,12);not null"`
}

func (cacheCandleModel) TableName() string { return "chart_candles" }

type cacheChunkModel struct {
	ID          uint   `gorm:"primaryKey"`
	Symbol      string `gorm:"size:32;not null;uniqueIndex:chart_chunk_key"`
	Granularity string `gorm:"size:8;not null;uniqueIndex:chart_chunk_key"`
	Chunk       int64  `gorm:"not null;uniqueIndex:chart_chunk_key"`
	LastAccess  int64  `gorm:"not null;index"`
}

func (cacheChunkModel) TableName() string { return "chart_chunks" }

type cacheMetaModel struct {
	ID            uint `gorm:"primaryKey"`
	SchemaVersion int  `gorm:"not null"`
}

func (cacheMetaModel) TableName() string { return "chart_meta" }

// Cache is a sqlite-backed local candle store. Candles are grouped into
// fixed-size chunks per series for LRU eviction. A nil *Cache is valid and
// behaves as an always-empty store, which is how the client degrades to
// live-only operation when the cache file cannot be opened.
type Cache struct {
	db        *gorm.DB
	maxChunks int
	now       func() time.Time

	mu    sync.Mutex
	locks map[seriesKey]*sync.Mutex
}

type seriesKey struct {
	symbol string
	gran   entity.Granularity
}

// Open opens or creates the cache at path. A schema version mismatch drops
// all cache tables and rebuilds them empty.
func Open(path string) (*Cache, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &Cache{
		db:        db,
		maxChunks: defaultMaxChunks,
		now:       time.Now,
		locks:     make(map[seriesKey]*sync.Mutex),
	}, nil
}

// migrate brings the schema to the current version. Any other recorded
// version means the on-disk layout cannot be trusted, so the tables are
// dropped and recreated rather than partially read.
func migrate(db *gorm.DB) error {
	migrator := db.Migrator()

	if migrator.HasTable(&cacheMetaModel{}) {
		var meta cacheMetaModel
		err := db.First(&meta).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}
		if meta.SchemaVersion != CacheSchemaVersion {
			slog.Warn("cache schema version mismatch, rebuilding",
				"found", meta.SchemaVersion, "want", CacheSchemaVersion)
			if err := migrator.DropTable(&cacheCandleModel{}, &cacheChunkModel{}, &cacheMetaModel{}); err != nil {
				return err
			}
		}
	}

	if err := db.AutoMigrate(&cacheCandleModel{}, &cacheChunkModel{}, &cacheMetaModel{}); err != nil {
		return err
	}

	var count int64
	if err := db.Model(&cacheMetaModel{}).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return db.Create(&cacheMetaModel{SchemaVersion: CacheSchemaVersion}).Error
	}
	return nil
}

// seriesLock returns the write lock of one series, creating it on first use.
func (c *Cache) seriesLock(key seriesKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

func chunkOf(g entity.Granularity, t time.Time) int64 {
	span := int64(g.Bucket()/time.Second) * chunkBuckets
	return t.Unix() / span
}

// GetRange returns cached candles of [start, end) in ascending order and
// marks their chunks as recently used.
func (c *Cache) GetRange(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, error) {
	if c == nil {
		return nil, nil
	}

	var rows []cacheCandleModel
	err := c.db.WithContext(ctx).
		Where("symbol = ? AND granularity = ? AND time >= ? AND time < ?",
			symbol, g.String(), start.Unix(), end.Unix()).
		Order("time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	touched := make(map[int64]struct{})
	out := make([]entity.Candle, 0, len(rows))
	for _, row := range rows {
		touched[row.Chunk] = struct{}{}
		out = append(out, entity.Candle{
			Symbol:      row.Symbol,
			Granularity: entity.Granularity(row.Granularity),
			Time:        time.Unix(row.Time, 0).UTC(),
			Open:        row.Open,
			High:        row.High,
			Low:         row.Low,
			Close:       row.Close,
			Volume:      row.Volume,
		})
	}

	if len(touched) > 0 {
		c.touchChunks(ctx, symbol, g, touched)
	}
	return out, nil
}

func (c *Cache) touchChunks(ctx context.Context, symbol string, g entity.Granularity, chunks map[int64]struct{}) {
	ids := make([]int64, 0, len(chunks))
	for id := range chunks {
		ids = append(ids, id)
	}
	err := c.db.WithContext(ctx).Model(&cacheChunkModel{}).
		Where("symbol = ? AND granularity = ? AND chunk IN ?", symbol, g.String(), ids).
		Update("last_access", c.now().Unix()).Error
	if err != nil {
		slog.Warn("failed to touch cache chunks", "symbol", symbol, "error", err)
	}
}

// PutCandles upserts candles keyed by (symbol, granularity, time). Writes to
// one series are serialized; chunks beyond the per-series budget are evicted
// least-recently-used first.
func (c *Cache) PutCandles(ctx context.Context, candles []entity.Candle) error {
	if c == nil || len(candles) == 0 {
		return nil
	}

	bySeries := make(map[seriesKey][]entity.Candle)
	for _, candle := range candles {
		key := seriesKey{symbol: candle.Symbol, gran: candle.Granularity}
		bySeries[key] = append(bySeries[key], candle)
	}

	for key, batch := range bySeries {
		if err := c.putSeries(ctx, key, batch); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) putSeries(ctx context.Context, key seriesKey, candles []entity.Candle) error {
	l := c.seriesLock(key)
	l.Lock()
	defer l.Unlock()

	rows := make([]cacheCandleModel, 0, len(candles))
	chunks := make(map[int64]struct{})
	for _, candle := range candles {
		chunk := chunkOf(key.gran, candle.Time)
		chunks[chunk] = struct{}{}
		rows = append(rows, cacheCandleModel{
			Symbol:      candle.Symbol,
			Granularity: candle.Granularity.String(),
			Time:        candle.Time.Unix(),
			Chunk:       chunk,
			Open:        candle.Open,
			High:        candle.High,
			Low:         candle.Low,
			Close:       candle.Close,
			Volume:      candle.Volume,
		})
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "symbol"}, {Name: "granularity"}, {Name: "time"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"chunk", "open", "high", "low", "close", "volume",
			}),
		}).Create(&rows).Error; err != nil {
			return err
		}

		now := c.now().Unix()
		chunkRows := make([]cacheChunkModel, 0, len(chunks))
		for id := range chunks {
			chunkRows = append(chunkRows, cacheChunkModel{
				Symbol:      key.symbol,
				Granularity: key.gran.String(),
				Chunk:       id,
				LastAccess:  now,
			})
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "granularity"}, {Name: "chunk"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_access"}),
		}).Create(&chunkRows).Error
	})
	if err != nil {
		return err
	}

	return c.evict(ctx, key)
}

// evict removes the least recently used chunks of a series beyond the chunk
// budget, together with their candles.
func (c *Cache) evict(ctx context.Context, key seriesKey) error {
	var count int64
	err := c.db.WithContext(ctx).Model(&cacheChunkModel{}).
		Where("symbol = ? AND granularity = ?", key.symbol, key.gran.String()).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count <= int64(c.maxChunks) {
		return nil
	}

	var victims []cacheChunkModel
	err = c.db.WithContext(ctx).
		Where("symbol = ? AND granularity = ?", key.symbol, key.gran.String()).
		Order("last_access ASC, chunk ASC").
		Limit(int(count) - c.maxChunks).
		Find(&victims).Error
	if err != nil {
		return err
	}

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, v := range victims {
			if err := tx.
				Where("symbol = ? AND granularity = ? AND chunk = ?",
					v.Symbol, v.Granularity, v.Chunk).
				Delete(&cacheCandleModel{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&cacheChunkModel{}, v.ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Metadata summarizes one cached series.
func (c *Cache) Metadata(ctx context.Context, symbol string, g entity.Granularity) (entity.SeriesMetadata, error) {
	if c == nil {
		return entity.SeriesMetadata{}, gorm.ErrRecordNotFound
	}

	var agg struct {
		First *int64
		Last  *int64
		Count int64
	}
	err := c.db.WithContext(ctx).Model(&cacheCandleModel{}).
		Select("MIN(time) AS first, MAX(time) AS last, COUNT(*) AS count").
		Where("symbol = ? AND granularity = ?", symbol, g.String()).
		Scan(&agg).Error
	if err != nil {
		return entity.SeriesMetadata{}, err
	}
	if agg.Count == 0 || agg.First == nil || agg.Last == nil {
		return entity.SeriesMetadata{}, gorm.ErrRecordNotFound
	}

	return entity.SeriesMetadata{
		Symbol:        symbol,
		Granularity:   g,
		FirstTime:     time.Unix(*agg.First, 0).UTC(),
		LastTime:      time.Unix(*agg.Last, 0).UTC(),
		Count:         agg.Count,
		SchemaVersion: CacheSchemaVersion,
	}, nil
}
