package entity

import (
	"sort"
	"time"
)

// CoverageGaps computes the sub-ranges of [start, end) not covered by the
// given candles of one series. Each candle covers [Time, Time+bucket).
// Adjacent gaps separated by less than one bucket length are merged, so a
// pathological sequence of one-candle holes becomes a single fetch.
//
// The result is deterministic for a given input: candles are sorted and
// deduplicated by bucket start before the complement is taken.
func CoverageGaps(candles []Candle, g Granularity, start, end time.Time) []Gap {
	if !start.Before(end) {
		return nil
	}
	bucket := g.Bucket()

	starts := make([]time.Time, 0, len(candles))
	seen := make(map[int64]struct{}, len(candles))
	for _, c := range candles {
		ts := c.Time.Unix()
		if _, ok := seen[ts]; ok {
			continue
		}
		seen[ts] = struct{}{}
		starts = append(starts, c.Time)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	var gaps []Gap
	cursor := start
	for _, ts := range starts {
		cover := Gap{Start: ts, End: ts.Add(bucket)}
		if !cover.End.After(cursor) {
			continue
		}
		if cover.Start.After(cursor) {
			gaps = appendGap(gaps, Gap{Start: cursor, End: minTime(cover.Start, end)}, bucket)
		}
		cursor = cover.End
		if !cursor.Before(end) {
			return gaps
		}
	}
	if cursor.Before(end) {
		gaps = appendGap(gaps, Gap{Start: cursor, End: end}, bucket)
	}
	return gaps
}

// appendGap adds g to gaps, merging it into the previous gap when the two
// are separated by less than one bucket length.
func appendGap(gaps []Gap, g Gap, bucket time.Duration) []Gap {
	if g.Empty() {
		return gaps
	}
	if n := len(gaps); n > 0 && g.Start.Sub(gaps[n-1].End) < bucket {
		gaps[n-1].End = g.End
		return gaps
	}
	return append(gaps, g)
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
