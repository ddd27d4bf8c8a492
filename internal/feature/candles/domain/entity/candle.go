// Package entity defines the domain models for the candles feature.
package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV (Open, High, Low, Close, Volume) candlestick data
// for one symbol at one granularity. Time is the bucket start (inclusive,
// UTC) and is always an exact multiple of the granularity's bucket length.
//
// A candle is open while its bucket has not elapsed and is owned exclusively
// by its aggregator; once the bucket boundary passes it is closed and must
// never be mutated again.
type Candle struct {
	Symbol      string          // Trading pair symbol (e.g., "BTC-USD")
	Granularity Granularity     // Bucket resolution (e.g., "1m", "1h")
	Time        time.Time       // Bucket start timestamp (inclusive)
	Open        decimal.Decimal // Price of the first tick in the bucket
	High        decimal.Decimal // Highest price during the bucket
	Low         decimal.Decimal // Lowest price during the bucket
	Close       decimal.Decimal // Price of the last tick in the bucket
	Volume      decimal.Decimal // Total size traded during the bucket
}

// NewCandle opens a candle from the first tick of a bucket:
// open, high, low and close all start at the tick price.
func NewCandle(symbol string, g Granularity, bucketStart time.Time, price, size decimal.Decimal) Candle {
	return Candle{
		Symbol:      symbol,
		Granularity: g,
		Time:        bucketStart.UTC(),
		Open:        price,
		High:        price,
		Low:         price,
		Close:       price,
		Volume:      size,
	}
}

// Apply folds one in-bucket tick into an open candle.
func (c *Candle) Apply(price, size decimal.Decimal) {
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Close = price
	c.Volume = c.Volume.Add(size)
}

// Valid reports whether the OHLC ordering invariant holds:
// low <= min(open, close) and max(open, close) <= high.
func (c Candle) Valid() bool {
	lo := decimal.Min(c.Open, c.Close)
	hi := decimal.Max(c.Open, c.Close)
	return !c.Low.GreaterThan(lo) && !c.High.LessThan(hi)
}

// Equal reports whether two candles carry the same OHLCV values.
// Key fields (symbol, granularity, time) are not compared.
func (c Candle) Equal(o Candle) bool {
	return c.Open.Equal(o.Open) &&
		c.High.Equal(o.High) &&
		c.Low.Equal(o.Low) &&
		c.Close.Equal(o.Close) &&
		c.Volume.Equal(o.Volume)
}
