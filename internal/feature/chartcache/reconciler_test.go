package chartcache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle_backend/internal/feature/candles/domain"
	"candle_backend/internal/feature/candles/domain/entity"
)

type mockFetcher struct {
	mu           sync.Mutex
	fetchRangeFn func(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, []entity.Gap, error)
	calls        []entity.Gap
}

func (m *mockFetcher) FetchRange(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, []entity.Gap, error) {
	m.mu.Lock()
	m.calls = append(m.calls, entity.Gap{Start: start, End: end})
	m.mu.Unlock()
	if m.fetchRangeFn != nil {
		return m.fetchRangeFn(ctx, symbol, g, start, end)
	}
	return nil, nil, nil
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// rangeCandles fabricates one candle per bucket of [start, end).
func rangeCandles(symbol string, g entity.Granularity, start, end time.Time) []entity.Candle {
	var out []entity.Candle
	for t := start; t.Before(end); t = t.Add(g.Bucket()) {
		out = append(out, cacheCandle(symbol, g, t, 100))
	}
	return out
}

func newTestReconciler(t *testing.T, fetcher *mockFetcher, now time.Time) *Reconciler {
	t.Helper()
	cache, err := Open(filepath.Join(t.TempDir(), "chart.db"))
	require.NoError(t, err)
	r := NewReconciler(cache, fetcher)
	r.now = func() time.Time { return now }
	return r
}

func TestReconciler_UnknownGranularity(t *testing.T) {
	r := newTestReconciler(t, &mockFetcher{}, time.Now())
	_, _, err := r.GetRange(context.Background(), "BTC-USD", entity.Granularity("42s"), time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, domain.ErrUnknownGranularity)
}

func TestReconciler_FutureStartSkipsFetch(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{}
	r := newTestReconciler(t, fetcher, now)

	candles, gaps, err := r.GetRange(context.Background(), "BTC-USD", entity.Gran1m,
		now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, candles)
	assert.Empty(t, gaps)
	assert.Zero(t, fetcher.callCount())
}

func TestReconciler_CoveredRangeServedLocally(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)
	end := now.Add(-5 * time.Minute)

	fetcher := &mockFetcher{}
	r := newTestReconciler(t, fetcher, now)
	require.NoError(t, r.cache.PutCandles(context.Background(),
		rangeCandles("BTC-USD", entity.Gran1m, start, end)))

	candles, gaps, err := r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	require.NoError(t, err)
	assert.Len(t, candles, 5)
	assert.Empty(t, gaps)
	assert.Zero(t, fetcher.callCount(), "covered range must not hit the network")
}

func TestReconciler_GapFetchedMergedAndCached(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)
	end := now.Add(-4 * time.Minute)
	holeStart := start.Add(2 * time.Minute)
	holeEnd := start.Add(4 * time.Minute)

	fetcher := &mockFetcher{
		fetchRangeFn: func(_ context.Context, symbol string, g entity.Granularity, s, e time.Time) ([]entity.Candle, []entity.Gap, error) {
			return rangeCandles(symbol, g, s, e), nil, nil
		},
	}
	r := newTestReconciler(t, fetcher, now)

	// Cache everything except one two-bucket hole.
	seed := append(rangeCandles("BTC-USD", entity.Gran1m, start, holeStart),
		rangeCandles("BTC-USD", entity.Gran1m, holeEnd, end)...)
	require.NoError(t, r.cache.PutCandles(context.Background(), seed))

	candles, gaps, err := r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	require.Len(t, candles, 6)
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i].Time.After(candles[i-1].Time))
	}

	require.Equal(t, 1, fetcher.callCount(), "exactly the hole is fetched")
	assert.True(t, fetcher.calls[0].Start.Equal(holeStart))
	assert.True(t, fetcher.calls[0].End.Equal(holeEnd))

	// The merge landed in the cache: a repeat request is local.
	_, _, err = r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestReconciler_PermanentGapNotRefetched(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)
	end := now.Add(-5 * time.Minute)

	fetcher := &mockFetcher{
		fetchRangeFn: func(_ context.Context, _ string, _ entity.Granularity, s, e time.Time) ([]entity.Candle, []entity.Gap, error) {
			return nil, []entity.Gap{{Start: s, End: e, Permanent: true}}, nil
		},
	}
	r := newTestReconciler(t, fetcher, now)

	candles, gaps, err := r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	require.NoError(t, err)
	assert.Empty(t, candles)
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].Permanent)
	assert.Equal(t, 1, fetcher.callCount())

	// The permanent interval is remembered, not re-requested.
	_, gaps, err = r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, 1, fetcher.callCount())

	// An explicit invalidate clears the memory.
	r.Invalidate("BTC-USD", entity.Gran1m)
	_, _, err = r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestReconciler_FetchErrorReturnsCachedAndGaps(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)
	end := now.Add(-5 * time.Minute)

	fetcher := &mockFetcher{
		fetchRangeFn: func(context.Context, string, entity.Granularity, time.Time, time.Time) ([]entity.Candle, []entity.Gap, error) {
			return nil, nil, errors.New("server unreachable")
		},
	}
	r := newTestReconciler(t, fetcher, now)
	require.NoError(t, r.cache.PutCandles(context.Background(),
		rangeCandles("BTC-USD", entity.Gran1m, start, start.Add(2*time.Minute))))

	candles, gaps, err := r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	require.Error(t, err)
	assert.Len(t, candles, 2, "cached prefix still served")
	require.Len(t, gaps, 1)
	assert.False(t, gaps[0].Permanent, "transient failure must stay retryable")
}

func TestReconciler_LiveOnlyModeWithoutCache(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)
	end := now.Add(-5 * time.Minute)

	fetcher := &mockFetcher{
		fetchRangeFn: func(_ context.Context, symbol string, g entity.Granularity, s, e time.Time) ([]entity.Candle, []entity.Gap, error) {
			return rangeCandles(symbol, g, s, e), nil, nil
		},
	}
	r := NewReconciler(nil, fetcher)
	r.now = func() time.Time { return now }

	candles, gaps, err := r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	require.NoError(t, err)
	assert.Len(t, candles, 5)
	assert.Empty(t, gaps)

	// Nothing is cached, so every request fetches again.
	_, _, err = r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestReconciler_OverlappingRequestAttachesToInflight(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)
	end := now.Add(-5 * time.Minute)

	fetchStarted := make(chan struct{})
	releaseFetch := make(chan struct{})
	var once sync.Once
	fetcher := &mockFetcher{
		fetchRangeFn: func(_ context.Context, symbol string, g entity.Granularity, s, e time.Time) ([]entity.Candle, []entity.Gap, error) {
			once.Do(func() {
				close(fetchStarted)
				<-releaseFetch
			})
			return rangeCandles(symbol, g, s, e), nil, nil
		},
	}
	r := newTestReconciler(t, fetcher, now)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _, err := r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
		assert.NoError(t, err)
	}()

	<-fetchStarted

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		candles, gaps, err := r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
		assert.NoError(t, err)
		assert.Len(t, candles, 5)
		assert.Empty(t, gaps)
	}()

	// The second request must be waiting on the in-flight fetch, not
	// fetching on its own.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fetcher.callCount())

	close(releaseFetch)
	<-firstDone
	<-secondDone
	assert.Equal(t, 1, fetcher.callCount(), "overlapping request attaches instead of double-fetching")
}

func TestReconciler_ConcurrentRequestsFetchOnce(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)
	end := now.Add(-5 * time.Minute)

	fetcher := &mockFetcher{
		fetchRangeFn: func(_ context.Context, symbol string, g entity.Granularity, s, e time.Time) ([]entity.Candle, []entity.Gap, error) {
			return rangeCandles(symbol, g, s, e), nil, nil
		},
	}
	r := newTestReconciler(t, fetcher, now)

	// Burst identical requests from a shared barrier, a fresh symbol per
	// round so every round starts with an uncovered range.
	for i := 0; i < 25; i++ {
		symbol := fmt.Sprintf("SYM-%03d", i)
		barrier := make(chan struct{})
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-barrier
				candles, gaps, err := r.GetRange(context.Background(), symbol, entity.Gran1m, start, end)
				assert.NoError(t, err)
				assert.Len(t, candles, 5)
				assert.Empty(t, gaps)
			}()
		}
		close(barrier)
		wg.Wait()
		require.Equal(t, i+1, fetcher.callCount(),
			"one fetch per missing range, regardless of request concurrency")
	}
}

func TestReconciler_StraddlingPermanentGapFetchesOnlyFragments(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)
	end := now.Add(-4 * time.Minute)
	permStart := start.Add(2 * time.Minute)
	permEnd := start.Add(4 * time.Minute)

	fetcher := &mockFetcher{
		fetchRangeFn: func(_ context.Context, _ string, _ entity.Granularity, s, e time.Time) ([]entity.Candle, []entity.Gap, error) {
			return nil, []entity.Gap{{Start: s, End: e, Permanent: true}}, nil
		},
	}
	r := newTestReconciler(t, fetcher, now)

	// Seed the permanent memory with the middle interval.
	_, gaps, err := r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, permStart, permEnd)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.True(t, gaps[0].Permanent)

	// From here the server has data for everything else.
	fetcher.fetchRangeFn = func(_ context.Context, symbol string, g entity.Granularity, s, e time.Time) ([]entity.Candle, []entity.Gap, error) {
		return rangeCandles(symbol, g, s, e), nil, nil
	}

	candles, gaps, err := r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	require.NoError(t, err)
	assert.Len(t, candles, 4, "two buckets on each side of the permanent hole")
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].Permanent)
	assert.True(t, gaps[0].Start.Equal(permStart))
	assert.True(t, gaps[0].End.Equal(permEnd))

	// A request straddling the permanent interval fetches only the
	// fragments around it, never the interval itself.
	require.Equal(t, 3, fetcher.callCount())
	frags := append([]entity.Gap(nil), fetcher.calls[1:]...)
	sort.Slice(frags, func(i, j int) bool { return frags[i].Start.Before(frags[j].Start) })
	assert.True(t, frags[0].Start.Equal(start))
	assert.True(t, frags[0].End.Equal(permStart))
	assert.True(t, frags[1].Start.Equal(permEnd))
	assert.True(t, frags[1].End.Equal(end))
}

func TestReconciler_SupersededResultsDiscarded(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)
	end := now.Add(-5 * time.Minute)

	fetchStarted := make(chan struct{})
	releaseFetch := make(chan struct{})
	fetcher := &mockFetcher{
		fetchRangeFn: func(_ context.Context, symbol string, g entity.Granularity, s, e time.Time) ([]entity.Candle, []entity.Gap, error) {
			close(fetchStarted)
			<-releaseFetch
			return rangeCandles(symbol, g, s, e), nil, nil
		},
	}
	r := newTestReconciler(t, fetcher, now)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = r.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	}()

	<-fetchStarted
	r.Invalidate("BTC-USD", entity.Gran1m)
	close(releaseFetch)
	<-done

	// The superseded merge never reached the cache.
	cached, err := r.cache.GetRange(context.Background(), "BTC-USD", entity.Gran1m, start, end)
	require.NoError(t, err)
	assert.Empty(t, cached)
}
