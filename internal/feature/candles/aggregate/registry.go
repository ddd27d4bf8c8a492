package aggregate

import (
	"sync"

	"candle_backend/internal/feature/candles/domain"
	"candle_backend/internal/feature/candles/domain/entity"
)

type pairKey struct {
	symbol string
	gran   entity.Granularity
}

// Registry maps every supported granularity to its bucket length and owns
// one Aggregator per active (symbol, granularity) pair. Ticks fan out across
// all active granularities of their symbol.
type Registry struct {
	sink Sink

	mu   sync.RWMutex
	aggs map[pairKey]*Aggregator
}

// NewRegistry creates a registry delivering finalized candles to sink.
func NewRegistry(sink Sink) *Registry {
	return &Registry{
		sink: sink,
		aggs: make(map[pairKey]*Aggregator),
	}
}

// Activate ensures an aggregator is running for the pair. Activating an
// already-active pair is a no-op.
func (r *Registry) Activate(symbol string, g entity.Granularity) error {
	if !g.Valid() {
		return domain.ErrUnknownGranularity
	}
	key := pairKey{symbol: symbol, gran: g}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.aggs[key]; !ok {
		r.aggs[key] = NewAggregator(symbol, g, r.sink)
	}
	return nil
}

// Deactivate stops and removes the pair's aggregator. An open candle is
// discarded, not emitted: it never reached its bucket boundary.
func (r *Registry) Deactivate(symbol string, g entity.Granularity) {
	key := pairKey{symbol: symbol, gran: g}

	r.mu.Lock()
	agg, ok := r.aggs[key]
	if ok {
		delete(r.aggs, key)
	}
	r.mu.Unlock()

	if ok {
		agg.Stop()
	}
}

// Ingest routes one tick to every active aggregator of its symbol.
func (r *Registry) Ingest(tick entity.Tick) {
	r.mu.RLock()
	targets := make([]*Aggregator, 0, len(entity.AllGranularities()))
	for key, agg := range r.aggs {
		if key.symbol == tick.Symbol {
			targets = append(targets, agg)
		}
	}
	r.mu.RUnlock()

	for _, agg := range targets {
		agg.Ingest(tick)
	}
}

// Snapshot returns the open candle of one pair, if any.
func (r *Registry) Snapshot(symbol string, g entity.Granularity) (entity.Candle, bool) {
	r.mu.RLock()
	agg, ok := r.aggs[pairKey{symbol: symbol, gran: g}]
	r.mu.RUnlock()
	if !ok {
		return entity.Candle{}, false
	}
	return agg.Snapshot()
}

// OutOfOrder returns the total count of dropped out-of-order ticks across
// all active aggregators.
func (r *Registry) OutOfOrder() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, agg := range r.aggs {
		n += agg.OutOfOrder()
	}
	return n
}
