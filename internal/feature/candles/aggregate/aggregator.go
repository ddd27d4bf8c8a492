// Package aggregate folds normalized ticks into OHLCV candles, one
// aggregator per (symbol, granularity) pair.
package aggregate

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"candle_backend/internal/feature/candles/domain/entity"
)

// Sink receives every finalized candle exactly once, in bucket order.
type Sink func(entity.Candle)

// Aggregator owns the single open candle of one (symbol, granularity) pair.
// All mutation goes through Ingest and FlushExpired; there is no ambient
// state shared between aggregators, so different pairs can run concurrently.
//
// A candle closes in one of two ways: a tick arrives whose bucket starts
// later than the open one, or the per-bucket watchdog timer fires once the
// wall clock passes the bucket end. Ticks for an already-closed bucket are
// dropped and counted, never folded back in.
type Aggregator struct {
	symbol string
	gran   entity.Granularity
	sink   Sink
	clock  func() time.Time

	mu       sync.Mutex
	open     *entity.Candle
	lastTime time.Time   // Bucket start of the most recently closed candle
	watchdog *time.Timer // Fires at the open bucket's end; nil when no candle is open

	outOfOrder atomic.Int64
}

// NewAggregator creates an aggregator for one (symbol, granularity) pair.
// Finalized candles are delivered to sink.
func NewAggregator(symbol string, g entity.Granularity, sink Sink) *Aggregator {
	return &Aggregator{
		symbol: symbol,
		gran:   g,
		sink:   sink,
		clock:  time.Now,
	}
}

// Ingest folds one tick into the open candle. A tick belonging to a later
// bucket first closes and emits the current candle, then opens a new one.
// A tick belonging to an earlier, already-closed bucket is dropped.
func (a *Aggregator) Ingest(tick entity.Tick) {
	bucketStart := a.gran.BucketStart(tick.Time)

	a.mu.Lock()

	// Late tick for a bucket that was already finalized.
	if a.isStale(bucketStart) {
		a.mu.Unlock()
		a.outOfOrder.Add(1)
		slog.Warn("dropped out-of-order tick",
			"symbol", a.symbol, "granularity", a.gran,
			"tick_time", tick.Time, "bucket", bucketStart)
		return
	}

	var closed *entity.Candle
	switch {
	case a.open == nil:
		a.startBucket(bucketStart, tick)
	case bucketStart.After(a.open.Time):
		closed = a.closeLocked()
		a.startBucket(bucketStart, tick)
	default:
		a.open.Apply(tick.Price, tick.Size)
	}
	a.mu.Unlock()

	if closed != nil {
		a.sink(*closed)
	}
}

// FlushExpired force-closes the open candle if its bucket has fully elapsed
// at the given time. Illiquid symbols close their candles this way when
// ticks stop arriving.
func (a *Aggregator) FlushExpired(now time.Time) {
	a.mu.Lock()
	var closed *entity.Candle
	if a.open != nil && !now.Before(a.open.Time.Add(a.gran.Bucket())) {
		closed = a.closeLocked()
	}
	a.mu.Unlock()

	if closed != nil {
		a.sink(*closed)
	}
}

// Snapshot returns a copy of the open candle, if any. Used for ticker-style
// price pushes between finalizations.
func (a *Aggregator) Snapshot() (entity.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == nil {
		return entity.Candle{}, false
	}
	return *a.open, true
}

// OutOfOrder returns the number of dropped out-of-order ticks.
func (a *Aggregator) OutOfOrder() int64 {
	return a.outOfOrder.Load()
}

// Stop cancels the watchdog timer and discards the open candle without
// emitting it. Called when the pair loses its last subscriber.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopWatchdogLocked()
	a.open = nil
}

// isStale reports whether bucketStart precedes what the aggregator has
// already finalized or holds open. Callers must hold a.mu.
func (a *Aggregator) isStale(bucketStart time.Time) bool {
	if a.open != nil && bucketStart.Before(a.open.Time) {
		return true
	}
	return a.open == nil && !a.lastTime.IsZero() && !bucketStart.After(a.lastTime)
}

// startBucket opens a candle for bucketStart and schedules its watchdog.
// Callers must hold a.mu.
func (a *Aggregator) startBucket(bucketStart time.Time, tick entity.Tick) {
	c := entity.NewCandle(a.symbol, a.gran, bucketStart, tick.Price, tick.Size)
	a.open = &c
	a.scheduleWatchdogLocked(bucketStart.Add(a.gran.Bucket()))
}

// closeLocked finalizes the open candle and cancels its watchdog.
// Callers must hold a.mu.
func (a *Aggregator) closeLocked() *entity.Candle {
	closed := a.open
	a.open = nil
	a.lastTime = closed.Time
	a.stopWatchdogLocked()
	return closed
}

// scheduleWatchdogLocked arms one timer for the open bucket's end. The timer
// is cancelled whenever the candle closes by tick, so at most one watchdog
// exists per aggregator. Callers must hold a.mu.
func (a *Aggregator) scheduleWatchdogLocked(bucketEnd time.Time) {
	a.stopWatchdogLocked()
	delay := bucketEnd.Sub(a.clock())
	if delay < 0 {
		delay = 0
	}
	a.watchdog = time.AfterFunc(delay, func() {
		a.FlushExpired(a.clock())
	})
}

func (a *Aggregator) stopWatchdogLocked() {
	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}
}
