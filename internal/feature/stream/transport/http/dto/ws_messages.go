// Package dto defines the wire messages of the downstream streaming
// WebSocket.
package dto

// ClientMessage is a control frame from a downstream client.
type ClientMessage struct {
	Type        string `json:"type"` // "subscribe" or "unsubscribe"
	Symbol      string `json:"symbol"`
	Granularity string `json:"granularity"`
}

// CandleMessage pushes one finalized candle downstream. Prices and volume
// are decimal strings.
type CandleMessage struct {
	Type        string `json:"type"` // always "candle"
	Symbol      string `json:"symbol"`
	Granularity string `json:"granularity"`
	Time        int64  `json:"time"` // Bucket start, epoch seconds
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
}

// TickerMessage pushes a lightweight price update between candle
// finalizations.
type TickerMessage struct {
	Type   string `json:"type"` // always "ticker"
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"` // Epoch seconds
}

// ErrorMessage reports a rejected control frame back to the client.
type ErrorMessage struct {
	Type  string `json:"type"` // always "error"
	Error string `json:"error"`
}
