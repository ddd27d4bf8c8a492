// Package adapters provides persistence implementations for the candles feature.
package adapters

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"candle_backend/internal/feature/candles/domain/entity"
	"candle_backend/internal/feature/candles/usecase"
)

// StoreSchemaVersion is stamped into every series metadata row. Bump it on
// incompatible changes to the candle table layout.
const StoreSchemaVersion = 2

type candleGorm struct {
	db  *gorm.DB
	now func() time.Time
}

var _ usecase.CandleRepository = (*candleGorm)(nil)

// NewCandleRepository creates the GORM-backed candle store.
func NewCandleRepository(db *gorm.DB) *candleGorm {
	return &candleGorm{db: db, now: time.Now}
}

// CandleModel is the persisted form of one closed candle, one row per
// (symbol, granularity, bucket start).
type CandleModel struct {
	ID          uint      `gorm:"primaryKey"`
	Symbol      string    `gorm:"size:32;not null;uniqueIndex:candle_sym_gran_time,priority:1"`
	Granularity string    `gorm:"size:8;not null;uniqueIndex:candle_sym_gran_time,priority:2"`
	Time        time.Time `gorm:"not null;uniqueIndex:candle_sym_gran_time,priority:3"`

	Open   decimal.Decimal `gorm:"type:decimal(32,12);not null"`
	High   decimal.Decimal `gorm:"type:decimal(32,12);not null"`
	Low    decimal.Decimal `gorm:"type:decimal(32,12);not null"`
	Close  decimal.Decimal `gorm:"type:decimal(32,12);not null"`
	Volume decimal.Decimal `gorm:"type:decimal(32,12);not null"`
}

func (CandleModel) TableName() string {
	return "candles"
}

// SeriesMetadataModel is the per-series summary row, one per
// (symbol, granularity).
type SeriesMetadataModel struct {
	ID            uint      `gorm:"primaryKey"`
	Symbol        string    `gorm:"size:32;not null;uniqueIndex:series_sym_gran,priority:1"`
	Granularity   string    `gorm:"size:8;not null;uniqueIndex:series_sym_gran,priority:2"`
	FirstTime     time.Time `gorm:"not null"`
	LastTime      time.Time `gorm:"not null"`
	Count         int64     `gorm:"not null;default:0"`
	SchemaVersion int       `gorm:"not null"`
}

func (SeriesMetadataModel) TableName() string {
	return "candle_series"
}

func toModel(e entity.Candle) CandleModel {
	return CandleModel{
		Symbol:      e.Symbol,
		Granularity: string(e.Granularity),
		Time:        e.Time.UTC(),
		Open:        e.Open,
		High:        e.High,
		Low:         e.Low,
		Close:       e.Close,
		Volume:      e.Volume,
	}
}

func toEntity(m CandleModel) entity.Candle {
	return entity.Candle{
		Symbol:      m.Symbol,
		Granularity: entity.Granularity(m.Granularity),
		Time:        m.Time.UTC(),
		Open:        m.Open,
		High:        m.High,
		Low:         m.Low,
		Close:       m.Close,
		Volume:      m.Volume,
	}
}

// UpsertBatch inserts or updates closed candles keyed by bucket start.
// Overwriting an existing candle with materially different OHLCV is allowed
// (backfill corrections happen) but logged, because it can also signal an
// aggregation bug. Series metadata is refreshed after every write.
func (r *candleGorm) UpsertBatch(ctx context.Context, candles []entity.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	r.logCorrections(ctx, candles)

	ms := make([]CandleModel, 0, len(candles))
	for _, e := range candles {
		ms = append(ms, toModel(e))
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "granularity"}, {Name: "time"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
	}).Create(&ms).Error
	if err != nil {
		return err
	}

	return r.refreshMetadata(ctx, candles)
}

// FindRange returns the closed candles whose bucket lies fully inside
// [start, end), ascending by time. A bucket still open by wall clock is
// never returned even if a row exists for it.
func (r *candleGorm) FindRange(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, error) {
	closedBefore := g.BucketStart(r.now()).Add(-g.Bucket())
	lastIncluded := end.Add(-g.Bucket())
	if lastIncluded.After(closedBefore) {
		lastIncluded = closedBefore
	}

	var rows []CandleModel
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND granularity = ? AND time >= ? AND time <= ?",
			symbol, string(g), start.UTC(), lastIncluded.UTC()).
		Order("time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]entity.Candle, 0, len(rows))
	for _, m := range rows {
		out = append(out, toEntity(m))
	}
	return out, nil
}

// DeleteOlderThan removes all candles of one series whose bucket starts
// before cutoff, then refreshes the series metadata. Used by the retention
// sweeper, not by the write path.
func (r *candleGorm) DeleteOlderThan(ctx context.Context, symbol string, g entity.Granularity, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("symbol = ? AND granularity = ? AND time < ?", symbol, string(g), cutoff.UTC()).
		Delete(&CandleModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		if err := r.recomputeSeries(ctx, symbol, g); err != nil {
			return res.RowsAffected, err
		}
	}
	return res.RowsAffected, nil
}

// Metadata returns the summary row of one series. A series with no candles
// yields gorm.ErrRecordNotFound.
func (r *candleGorm) Metadata(ctx context.Context, symbol string, g entity.Granularity) (entity.SeriesMetadata, error) {
	var m SeriesMetadataModel
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND granularity = ?", symbol, string(g)).
		First(&m).Error
	if err != nil {
		return entity.SeriesMetadata{}, err
	}
	return metaToEntity(m), nil
}

// ListSeries returns the metadata of every stored series, used by the series
// listing endpoint and the retention sweeper.
func (r *candleGorm) ListSeries(ctx context.Context) ([]entity.SeriesMetadata, error) {
	var ms []SeriesMetadataModel
	err := r.db.WithContext(ctx).
		Order("symbol ASC, granularity ASC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]entity.SeriesMetadata, 0, len(ms))
	for _, m := range ms {
		out = append(out, metaToEntity(m))
	}
	return out, nil
}

func metaToEntity(m SeriesMetadataModel) entity.SeriesMetadata {
	return entity.SeriesMetadata{
		Symbol:        m.Symbol,
		Granularity:   entity.Granularity(m.Granularity),
		FirstTime:     m.FirstTime.UTC(),
		LastTime:      m.LastTime.UTC(),
		Count:         m.Count,
		SchemaVersion: m.SchemaVersion,
	}
}

// logCorrections compares incoming candles against already-stored rows for
// the same buckets and logs any material difference. Candles are grouped per
// series so a mixed batch checks every series it touches. Best effort: a
// failed lookup never blocks the write.
func (r *candleGorm) logCorrections(ctx context.Context, candles []entity.Candle) {
	bySeries := make(map[string][]entity.Candle)
	for _, c := range candles {
		key := c.Symbol + "\x00" + string(c.Granularity)
		bySeries[key] = append(bySeries[key], c)
	}

	for _, group := range bySeries {
		times := make([]time.Time, 0, len(group))
		for _, c := range group {
			times = append(times, c.Time.UTC())
		}

		var existing []CandleModel
		err := r.db.WithContext(ctx).
			Where("symbol = ? AND granularity = ? AND time IN ?",
				group[0].Symbol, string(group[0].Granularity), times).
			Find(&existing).Error
		if err != nil {
			continue
		}

		byTime := make(map[int64]entity.Candle, len(existing))
		for _, m := range existing {
			byTime[m.Time.Unix()] = toEntity(m)
		}
		for _, c := range group {
			if old, ok := byTime[c.Time.Unix()]; ok && !old.Equal(c) {
				slog.Warn("correcting closed candle",
					"symbol", c.Symbol, "granularity", c.Granularity, "time", c.Time,
					"old_close", old.Close, "new_close", c.Close)
			}
		}
	}
}

// refreshMetadata updates the series summaries covering the written candles.
func (r *candleGorm) refreshMetadata(ctx context.Context, candles []entity.Candle) error {
	seen := map[string]struct{}{}
	for _, c := range candles {
		key := c.Symbol + "\x00" + string(c.Granularity)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if err := r.recomputeSeries(ctx, c.Symbol, c.Granularity); err != nil {
			return err
		}
	}
	return nil
}

// recomputeSeries rebuilds one metadata row from the candle table.
func (r *candleGorm) recomputeSeries(ctx context.Context, symbol string, g entity.Granularity) error {
	// Pointers so a NULL MIN/MAX on an empty series scans cleanly.
	var agg struct {
		First *time.Time
		Last  *time.Time
		N     int64
	}
	err := r.db.WithContext(ctx).Model(&CandleModel{}).
		Select("MIN(time) AS first, MAX(time) AS last, COUNT(*) AS n").
		Where("symbol = ? AND granularity = ?", symbol, string(g)).
		Scan(&agg).Error
	if err != nil {
		return err
	}

	if agg.N == 0 || agg.First == nil || agg.Last == nil {
		return r.db.WithContext(ctx).
			Where("symbol = ? AND granularity = ?", symbol, string(g)).
			Delete(&SeriesMetadataModel{}).Error
	}

	m := SeriesMetadataModel{
		Symbol:        symbol,
		Granularity:   string(g),
		FirstTime:     agg.First.UTC(),
		LastTime:      agg.Last.UTC(),
		Count:         agg.N,
		SchemaVersion: StoreSchemaVersion,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "granularity"}},
		DoUpdates: clause.AssignmentColumns([]string{"first_time", "last_time", "count", "schema_version"}),
	}).Create(&m).Error
}
