package chartcache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"candle_backend/internal/feature/candles/domain"
	"candle_backend/internal/feature/candles/domain/entity"
	"candle_backend/internal/feature/candles/usecase"
)

// maxParallelFetches bounds the sub-range fetches one reconciliation runs at
// once.
const maxParallelFetches = 4

// inflightFetch is one running reconciliation over an interval. Overlapping
// requests attach to it and wait instead of fetching the same range twice.
type inflightFetch struct {
	span entity.Gap
	done chan struct{}
}

// Reconciler drives the chart client's cache toward full coverage of
// requested ranges. Missing intervals are fetched from the server, merged
// into the cache in one batch, and intervals the server marked permanently
// unavailable are remembered so they are never re-requested.
type Reconciler struct {
	cache   *Cache
	fetcher usecase.HistoricalFetcher
	now     func() time.Time

	mu        sync.Mutex
	inflight  map[seriesKey][]*inflightFetch
	permanent map[seriesKey][]entity.Gap
	gen       map[seriesKey]uint64
}

// NewReconciler creates a Reconciler over the local cache and the remote
// fetcher. A nil cache degrades to live-only operation.
func NewReconciler(cache *Cache, fetcher usecase.HistoricalFetcher) *Reconciler {
	return &Reconciler{
		cache:     cache,
		fetcher:   fetcher,
		now:       time.Now,
		inflight:  make(map[seriesKey][]*inflightFetch),
		permanent: make(map[seriesKey][]entity.Gap),
		gen:       make(map[seriesKey]uint64),
	}
}

// GetRange returns the candles of [start, end) together with the gaps that
// remain unfillable. Cached coverage is served locally; everything else is
// fetched, merged into the cache and re-read.
func (r *Reconciler) GetRange(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, []entity.Gap, error) {
	if !g.Valid() {
		return nil, nil, domain.ErrUnknownGranularity
	}

	now := r.now()
	if start.After(now) {
		return nil, nil, nil
	}
	if end.After(now) {
		end = now
	}
	if !start.Before(end) {
		return nil, nil, nil
	}

	key := seriesKey{symbol: symbol, gran: g}
	span := entity.Gap{Start: start, End: end}

	// Either attach to an overlapping in-flight reconciliation, whose merge
	// will land the candles this request needs, or register this span under
	// the same lock acquisition. Registering before the cache read closes
	// the window where two concurrent requests both see the gap and both
	// fetch it.
	release, gen, err := r.acquireSpan(ctx, key, span)
	if err != nil {
		return nil, nil, err
	}

	cached, err := r.cache.GetRange(ctx, symbol, g, start, end)
	if err != nil {
		release()
		return nil, nil, err
	}

	gaps := entity.CoverageGaps(cached, g, start, end)
	gaps = r.dropPermanent(key, gaps)
	if len(gaps) == 0 {
		release()
		return cached, r.permanentWithin(key, span), nil
	}

	fetched, unfilled, err := r.fill(ctx, key, gen, gaps)
	release()
	if err != nil {
		return cached, gaps, err
	}

	if r.cache == nil {
		// Live-only mode: nothing was cached, serve the fetch result.
		return sortCandles(append(cached, fetched...)), append(unfilled, r.permanentWithin(key, span)...), nil
	}

	final, err := r.cache.GetRange(ctx, symbol, g, start, end)
	if err != nil {
		// Merge succeeded but the re-read failed; fall back to what was
		// already in hand.
		return cached, gaps, err
	}
	return final, append(unfilled, r.permanentWithin(key, span)...), nil
}

// Invalidate forgets the permanent-gap set of a series and supersedes any
// fetch still in flight, whose results will be discarded on arrival.
func (r *Reconciler) Invalidate(symbol string, g entity.Granularity) {
	key := seriesKey{symbol: symbol, gran: g}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.permanent, key)
	r.gen[key]++
}

// acquireSpan registers span as the running reconciliation of its interval.
// While an overlapping reconciliation is in flight it waits for that one to
// finish and re-checks, so the wait and the registration happen under one
// lock acquisition and no two overlapping spans can run concurrently. It
// returns the release function and the series generation the span was
// registered under.
func (r *Reconciler) acquireSpan(ctx context.Context, key seriesKey, span entity.Gap) (func(), uint64, error) {
	for {
		r.mu.Lock()
		var wait *inflightFetch
		for _, f := range r.inflight[key] {
			if f.span.Overlaps(span) {
				wait = f
				break
			}
		}
		if wait == nil {
			f := &inflightFetch{span: span, done: make(chan struct{})}
			r.inflight[key] = append(r.inflight[key], f)
			gen := r.gen[key]
			r.mu.Unlock()

			release := func() {
				r.mu.Lock()
				flights := r.inflight[key]
				for i, cur := range flights {
					if cur == f {
						r.inflight[key] = append(flights[:i], flights[i+1:]...)
						break
					}
				}
				r.mu.Unlock()
				close(f.done)
			}
			return release, gen, nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-wait.done:
		}
	}
}

// fill fetches every gap with bounded parallelism, then merges all results
// into the cache in one batch. It returns the fetched candles and the gaps
// that remain unfilled.
func (r *Reconciler) fill(ctx context.Context, key seriesKey, gen uint64, gaps []entity.Gap) ([]entity.Candle, []entity.Gap, error) {
	type fetchResult struct {
		candles []entity.Candle
		gaps    []entity.Gap
		err     error
	}

	results := make([]fetchResult, len(gaps))
	sem := make(chan struct{}, maxParallelFetches)
	var wg sync.WaitGroup

	for i, gap := range gaps {
		wg.Add(1)
		go func(i int, gap entity.Gap) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			candles, unfilled, err := r.fetcher.FetchRange(ctx, key.symbol, key.gran, gap.Start, gap.End)
			results[i] = fetchResult{candles: candles, gaps: unfilled, err: err}
		}(i, gap)
	}
	wg.Wait()

	// A supersede while fetching means the results describe a series state
	// the caller no longer wants; drop them on the floor.
	r.mu.Lock()
	stale := r.gen[key] != gen
	r.mu.Unlock()
	if stale {
		slog.Info("discarding superseded fetch results",
			"symbol", key.symbol, "granularity", key.gran)
		return nil, gaps, nil
	}

	var batch []entity.Candle
	var unfilled []entity.Gap
	var firstErr error
	for i, res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			unfilled = append(unfilled, gaps[i])
			continue
		}
		batch = append(batch, res.candles...)
		for _, gap := range res.gaps {
			// Permanent gaps go into the remembered set and are reported
			// by permanentWithin, so they are not duplicated here.
			if gap.Permanent {
				r.recordPermanent(key, gap)
				continue
			}
			unfilled = append(unfilled, gap)
		}
	}

	if len(batch) > 0 {
		if err := r.cache.PutCandles(ctx, batch); err != nil {
			return batch, unfilled, err
		}
	}
	return batch, unfilled, firstErr
}

// sortCandles orders candles ascending by bucket time and drops duplicate
// buckets, keeping the later occurrence.
func sortCandles(candles []entity.Candle) []entity.Candle {
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Time.Before(candles[j].Time)
	})
	out := candles[:0]
	for _, candle := range candles {
		if len(out) > 0 && out[len(out)-1].Time.Equal(candle.Time) {
			out[len(out)-1] = candle
			continue
		}
		out = append(out, candle)
	}
	return out
}

// dropPermanent subtracts the known-permanent set from gaps. A gap straddling
// a permanent interval is split: only the fragments outside it are still
// worth fetching.
func (r *Reconciler) dropPermanent(key seriesKey, gaps []entity.Gap) []entity.Gap {
	r.mu.Lock()
	perm := append([]entity.Gap(nil), r.permanent[key]...)
	r.mu.Unlock()
	if len(perm) == 0 {
		return gaps
	}

	var out []entity.Gap
	for _, gap := range gaps {
		out = append(out, subtractGaps(gap, perm)...)
	}
	return out
}

// subtractGaps removes every interval in perm from gap, returning the
// remaining fragments in order.
func subtractGaps(gap entity.Gap, perm []entity.Gap) []entity.Gap {
	frags := []entity.Gap{gap}
	for _, p := range perm {
		var next []entity.Gap
		for _, f := range frags {
			if !f.Overlaps(p) {
				next = append(next, f)
				continue
			}
			if f.Start.Before(p.Start) {
				next = append(next, entity.Gap{Start: f.Start, End: p.Start})
			}
			if f.End.After(p.End) {
				next = append(next, entity.Gap{Start: p.End, End: f.End})
			}
		}
		frags = next
	}
	return frags
}

// permanentWithin returns the known-permanent gaps overlapping span, clipped
// to it.
func (r *Reconciler) permanentWithin(key seriesKey, span entity.Gap) []entity.Gap {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []entity.Gap
	for _, p := range r.permanent[key] {
		if !p.Overlaps(span) {
			continue
		}
		clipped := p
		if clipped.Start.Before(span.Start) {
			clipped.Start = span.Start
		}
		if clipped.End.After(span.End) {
			clipped.End = span.End
		}
		out = append(out, clipped)
	}
	return out
}

func (r *Reconciler) recordPermanent(key seriesKey, gap entity.Gap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permanent[key] = append(r.permanent[key], gap)
}
