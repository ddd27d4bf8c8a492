package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single normalized trade print or ticker snapshot from the
// exchange stream. Ticks are ephemeral: each one is folded into the open
// candle of every active granularity for its symbol and then discarded.
type Tick struct {
	Symbol   string          // Trading pair symbol
	Price    decimal.Decimal // Trade price
	Size     decimal.Decimal // Trade size (zero for ticker snapshots)
	Time     time.Time       // Exchange timestamp
	Sequence int64           // Exchange sequence number, 0 if not provided
}
