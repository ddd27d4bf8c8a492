package usecase

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"candle_backend/internal/feature/candles/domain/entity"
)

const (
	persistMaxRetries = 3
	persistQueueSize  = 256
)

// PersistUsecase is the sink between the aggregators and the durable store.
// Closed candles are queued and written by a dedicated worker, so the tick
// path never waits on the store. A failed write is retried with exponential
// backoff a bounded number of times and then dropped: losing one candle must
// never stall the stream.
type PersistUsecase struct {
	candle  CandleRepository
	queue   chan entity.Candle
	dropped atomic.Int64
}

// NewPersistUsecase creates the candle persistence sink. Run must be started
// for queued candles to reach the store.
func NewPersistUsecase(candle CandleRepository) *PersistUsecase {
	return &PersistUsecase{
		candle: candle,
		queue:  make(chan entity.Candle, persistQueueSize),
	}
}

// Enqueue hands one finalized candle to the persist worker. It never blocks:
// with the queue full the candle is dropped and counted.
func (pu *PersistUsecase) Enqueue(candle entity.Candle) {
	select {
	case pu.queue <- candle:
	default:
		pu.dropped.Add(1)
		slog.Error("persist queue full, dropping candle",
			"symbol", candle.Symbol, "granularity", candle.Granularity,
			"time", candle.Time)
	}
}

// Run drains the queue until the context is cancelled.
func (pu *PersistUsecase) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case candle := <-pu.queue:
			pu.StoreClosed(ctx, candle)
		}
	}
}

// StoreClosed persists one finalized candle, blocking through the retry
// schedule on failure. The live pipeline goes through Enqueue instead.
func (pu *PersistUsecase) StoreClosed(ctx context.Context, candle entity.Candle) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	op := func() error {
		return pu.candle.UpsertBatch(ctx, []entity.Candle{candle})
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, persistMaxRetries), ctx))
	if err != nil {
		pu.dropped.Add(1)
		slog.Error("dropping candle write after retries",
			"symbol", candle.Symbol, "granularity", candle.Granularity,
			"time", candle.Time, "error", err)
	}
}

// Dropped returns the number of candle writes abandoned after retries.
func (pu *PersistUsecase) Dropped() int64 {
	return pu.dropped.Load()
}

// RetentionUsecase sweeps candles past their granularity's retention horizon.
// It runs periodically, not on every write.
type RetentionUsecase struct {
	candle CandleRepository
	now    func() time.Time
}

// NewRetentionUsecase creates the retention sweeper.
func NewRetentionUsecase(candle CandleRepository) *RetentionUsecase {
	return &RetentionUsecase{candle: candle, now: time.Now}
}

// SweepOnce deletes expired candles of every stored series. One failing
// series is logged and skipped; the sweep continues.
func (ru *RetentionUsecase) SweepOnce(ctx context.Context) {
	series, err := ru.candle.ListSeries(ctx)
	if err != nil {
		slog.Error("retention sweep: listing series failed", "error", err)
		return
	}

	now := ru.now()
	for _, s := range series {
		cutoff := now.Add(-s.Granularity.Retention())
		n, err := ru.candle.DeleteOlderThan(ctx, s.Symbol, s.Granularity, cutoff)
		if err != nil {
			slog.Error("retention sweep failed",
				"symbol", s.Symbol, "granularity", s.Granularity, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("retention sweep removed candles",
				"symbol", s.Symbol, "granularity", s.Granularity, "removed", n)
		}
	}
}

// Run sweeps on the given interval until the context is cancelled.
func (ru *RetentionUsecase) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ru.SweepOnce(ctx)
		}
	}
}
