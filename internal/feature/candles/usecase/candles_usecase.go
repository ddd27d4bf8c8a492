// Package usecase implements the business logic of the candle pipeline.
package usecase

import (
	"context"
	"log/slog"
	"time"

	"candle_backend/internal/feature/candles/domain"
	"candle_backend/internal/feature/candles/domain/entity"
)

const (
	// DefaultRangeCandles bounds a request with no explicit start.
	DefaultRangeCandles = 300
	// MaxRangeCandles caps how many buckets one query may span.
	MaxRangeCandles = 5000
)

// CandleRepository abstracts the durable candle store.
// Following Go convention, the interface is defined by the consumer (usecase).
type CandleRepository interface {
	UpsertBatch(ctx context.Context, candles []entity.Candle) error
	FindRange(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, error)
	DeleteOlderThan(ctx context.Context, symbol string, g entity.Granularity, cutoff time.Time) (int64, error)
	Metadata(ctx context.Context, symbol string, g entity.Granularity) (entity.SeriesMetadata, error)
	ListSeries(ctx context.Context) ([]entity.SeriesMetadata, error)
}

// HistoricalFetcher abstracts the upstream REST candle endpoint. A fetch may
// come back partial: the second return value lists the sub-ranges that could
// not be retrieved, marked permanent once retries were exhausted.
type HistoricalFetcher interface {
	FetchRange(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, []entity.Gap, error)
}

// candlesUsecase serves candle ranges read-through: misses in the store are
// backfilled from upstream and persisted before responding.
type candlesUsecase struct {
	candle  CandleRepository
	fetcher HistoricalFetcher
	now     func() time.Time
}

// NewCandlesUsecase creates the read-through candle query usecase.
func NewCandlesUsecase(candle CandleRepository, fetcher HistoricalFetcher) *candlesUsecase {
	return &candlesUsecase{candle: candle, fetcher: fetcher, now: time.Now}
}

// GetCandles returns the closed candles of [start, end) for one series,
// together with any sub-ranges that remain unfilled after backfill.
//
// The range is clamped so end never exceeds now; a start beyond now
// short-circuits to an empty result with zero upstream calls.
func (cu *candlesUsecase) GetCandles(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, []entity.Gap, error) {
	if !g.Valid() {
		return nil, nil, domain.ErrUnknownGranularity
	}

	now := cu.now()
	if start.After(now) {
		return nil, nil, nil
	}
	if end.IsZero() || end.After(now) {
		end = now
	}
	if start.IsZero() {
		start = end.Add(-time.Duration(DefaultRangeCandles) * g.Bucket())
	}
	if maxSpan := time.Duration(MaxRangeCandles) * g.Bucket(); end.Sub(start) > maxSpan {
		start = end.Add(-maxSpan)
	}
	start = g.BucketStart(start)

	stored, err := cu.candle.FindRange(ctx, symbol, g, start, end)
	if err != nil {
		return nil, nil, err
	}

	gaps := entity.CoverageGaps(stored, g, start, g.BucketStart(end))
	if len(gaps) == 0 {
		return stored, nil, nil
	}

	unfilled := cu.backfill(ctx, symbol, g, gaps)

	// Re-read so the response reflects exactly what the store now holds.
	stored, err = cu.candle.FindRange(ctx, symbol, g, start, end)
	if err != nil {
		return nil, nil, err
	}
	return stored, unfilled, nil
}

// backfill fetches the given gaps from upstream and persists the results.
// It returns the sub-ranges that remain unfilled; fetch errors degrade to
// unfilled gaps rather than failing the whole query.
func (cu *candlesUsecase) backfill(ctx context.Context, symbol string, g entity.Granularity, gaps []entity.Gap) []entity.Gap {
	var unfilled []entity.Gap
	for _, gap := range gaps {
		fetched, missing, err := cu.fetcher.FetchRange(ctx, symbol, g, gap.Start, gap.End)
		if err != nil {
			slog.Warn("backfill fetch failed",
				"symbol", symbol, "granularity", g,
				"start", gap.Start, "end", gap.End, "error", err)
			unfilled = append(unfilled, gap)
			continue
		}
		if len(fetched) > 0 {
			for i := range fetched {
				fetched[i].Symbol = symbol
				fetched[i].Granularity = g
			}
			if err := cu.candle.UpsertBatch(ctx, fetched); err != nil {
				slog.Error("backfill persist failed",
					"symbol", symbol, "granularity", g, "error", err)
			}
		}
		unfilled = append(unfilled, missing...)
	}
	return unfilled
}

// GetMetadata returns the series summary for one (symbol, granularity).
func (cu *candlesUsecase) GetMetadata(ctx context.Context, symbol string, g entity.Granularity) (entity.SeriesMetadata, error) {
	if !g.Valid() {
		return entity.SeriesMetadata{}, domain.ErrUnknownGranularity
	}
	return cu.candle.Metadata(ctx, symbol, g)
}
