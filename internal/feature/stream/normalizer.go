// Package stream turns raw exchange frames into normalized ticks and routes
// live data between the upstream feed, the aggregators and downstream
// consumers.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"candle_backend/internal/feature/candles/domain/entity"
)

// FrameTypeTrade and FrameTypeTicker are the upstream frame kinds the
// normalizer accepts. Everything else is rejected.
const (
	FrameTypeTrade  = "trade"
	FrameTypeTicker = "ticker"
)

// rawFrame mirrors the upstream wire format. Prices and sizes arrive as
// strings.
type rawFrame struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	Time     int64  `json:"time"`
	Sequence int64  `json:"sequence"`
}

// Normalizer parses raw exchange WS frames into entity.Tick values. Frames
// that cannot be normalized are counted and logged, never fatal: one bad
// frame must not take down the feed.
type Normalizer struct {
	rejected atomic.Int64
}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize parses one raw frame. The second return value reports whether
// the frame produced a usable tick; rejected frames increment the rejection
// counter. Ticker snapshots normalize to a zero-size tick.
func (n *Normalizer) Normalize(frame []byte) (entity.Tick, bool) {
	tick, err := parseFrame(frame)
	if err != nil {
		n.rejected.Add(1)
		slog.Warn("rejecting malformed exchange frame", "error", err)
		return entity.Tick{}, false
	}
	return tick, true
}

// Rejected returns the number of frames rejected so far.
func (n *Normalizer) Rejected() int64 {
	return n.rejected.Load()
}

func parseFrame(frame []byte) (entity.Tick, error) {
	var raw rawFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		return entity.Tick{}, fmt.Errorf("decode frame: %w", err)
	}

	if raw.Type != FrameTypeTrade && raw.Type != FrameTypeTicker {
		return entity.Tick{}, fmt.Errorf("unknown frame type %q", raw.Type)
	}
	if raw.Symbol == "" {
		return entity.Tick{}, fmt.Errorf("frame without symbol")
	}
	if raw.Time <= 0 {
		return entity.Tick{}, fmt.Errorf("frame without timestamp")
	}

	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return entity.Tick{}, fmt.Errorf("parse price %q: %w", raw.Price, err)
	}
	if !price.IsPositive() {
		return entity.Tick{}, fmt.Errorf("non-positive price %s", price)
	}

	size := decimal.Zero
	if raw.Type == FrameTypeTrade {
		size, err = decimal.NewFromString(raw.Size)
		if err != nil {
			return entity.Tick{}, fmt.Errorf("parse size %q: %w", raw.Size, err)
		}
		if size.IsNegative() {
			return entity.Tick{}, fmt.Errorf("negative size %s", size)
		}
	}

	return entity.Tick{
		Symbol:   raw.Symbol,
		Price:    price,
		Size:     size,
		Time:     time.Unix(raw.Time, 0).UTC(),
		Sequence: raw.Sequence,
	}, nil
}
