package entity

import "time"

// Gap is a sub-range of a series with no stored candle data, half-open
// [Start, End). Gaps are first-class: the reconciler computes them, the
// fetcher fills them, and a gap whose fetch retries were exhausted (or whose
// range predates the series) is marked permanent so callers stop
// re-requesting it.
type Gap struct {
	Start     time.Time
	End       time.Time
	Permanent bool
}

// Duration returns the length of the gap.
func (g Gap) Duration() time.Duration {
	return g.End.Sub(g.Start)
}

// Overlaps reports whether two half-open ranges intersect.
func (g Gap) Overlaps(o Gap) bool {
	return g.Start.Before(o.End) && o.Start.Before(g.End)
}

// Clamp bounds the gap so End never exceeds now. A gap entirely in the
// future collapses to an empty range.
func (g Gap) Clamp(now time.Time) Gap {
	if g.End.After(now) {
		g.End = now
	}
	if g.Start.After(g.End) {
		g.Start = g.End
	}
	return g
}

// Empty reports whether the gap covers no time at all.
func (g Gap) Empty() bool {
	return !g.Start.Before(g.End)
}
