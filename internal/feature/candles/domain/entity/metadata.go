package entity

import "time"

// SeriesMetadata summarizes what one (symbol, granularity) series holds,
// so "do we already have X" can be answered without scanning candles.
// It is updated on every candle write and on every successful backfill.
type SeriesMetadata struct {
	Symbol        string
	Granularity   Granularity
	FirstTime     time.Time // Bucket start of the oldest stored candle
	LastTime      time.Time // Bucket start of the newest stored candle
	Count         int64     // Number of stored candles
	SchemaVersion int       // Storage schema version the series was written with
}
