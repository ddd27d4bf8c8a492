package stream

import "errors"

// ErrUnknownConsumer is returned when a subscription references a consumer
// that was never registered or has already been removed.
var ErrUnknownConsumer = errors.New("unknown consumer")

// FrameTypeCandle is the downstream event kind for finalized candles.
// Upstream trade frames never carry it.
const FrameTypeCandle = "candle"

// FrameTypeError is the downstream event kind for error notices. Errors ride
// the consumer's event channel so a single writer owns the connection.
const FrameTypeError = "error"
