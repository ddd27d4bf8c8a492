package entity

import "time"

// Granularity is a named candle resolution. The zero value is invalid.
type Granularity string

// Supported granularities, smallest first.
const (
	Gran1m  Granularity = "1m"
	Gran5m  Granularity = "5m"
	Gran15m Granularity = "15m"
	Gran1h  Granularity = "1h"
	Gran6h  Granularity = "6h"
	Gran1d  Granularity = "1d"
)

// granularitySpec carries the bucket length and the retention horizon of one
// resolution. Shorter buckets are kept for shorter windows.
type granularitySpec struct {
	bucket    time.Duration
	retention time.Duration
}

var granularities = map[Granularity]granularitySpec{
	Gran1m:  {bucket: time.Minute, retention: 7 * 24 * time.Hour},
	Gran5m:  {bucket: 5 * time.Minute, retention: 30 * 24 * time.Hour},
	Gran15m: {bucket: 15 * time.Minute, retention: 90 * 24 * time.Hour},
	Gran1h:  {bucket: time.Hour, retention: 365 * 24 * time.Hour},
	Gran6h:  {bucket: 6 * time.Hour, retention: 2 * 365 * 24 * time.Hour},
	Gran1d:  {bucket: 24 * time.Hour, retention: 5 * 365 * 24 * time.Hour},
}

// AllGranularities returns the supported granularities, smallest bucket first.
func AllGranularities() []Granularity {
	return []Granularity{Gran1m, Gran5m, Gran15m, Gran1h, Gran6h, Gran1d}
}

// Valid reports whether g is a supported granularity.
func (g Granularity) Valid() bool {
	_, ok := granularities[g]
	return ok
}

// Bucket returns the bucket length, or zero for an unsupported granularity.
func (g Granularity) Bucket() time.Duration {
	return granularities[g].bucket
}

// Retention returns how long closed candles of this granularity are kept.
func (g Granularity) Retention() time.Duration {
	return granularities[g].retention
}

// BucketStart floors t to the start of its bucket:
// floor(unix / bucketSeconds) * bucketSeconds, in UTC.
func (g Granularity) BucketStart(t time.Time) time.Time {
	sec := int64(g.Bucket() / time.Second)
	if sec <= 0 {
		return t.UTC()
	}
	return time.Unix((t.Unix()/sec)*sec, 0).UTC()
}

// BucketEnd returns the exclusive end of the bucket containing t.
func (g Granularity) BucketEnd(t time.Time) time.Time {
	return g.BucketStart(t).Add(g.Bucket())
}

func (g Granularity) String() string { return string(g) }
