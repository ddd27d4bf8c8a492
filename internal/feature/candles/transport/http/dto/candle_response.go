// Package dto defines data transfer objects for the candles HTTP API.
package dto

// CandleItem represents one candle in the API response. Prices and volume
// are decimal strings.
type CandleItem struct {
	Time   int64  `json:"time"` // Bucket start, epoch seconds
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// GapItem represents a sub-range that could not be filled.
type GapItem struct {
	Start     int64 `json:"start"` // Epoch seconds
	End       int64 `json:"end"`   // Epoch seconds
	Permanent bool  `json:"permanent"`
}

// CandlesResponse is the body of a candle range query.
type CandlesResponse struct {
	Symbol      string       `json:"symbol"`
	Granularity string       `json:"granularity"`
	Candles     []CandleItem `json:"candles"`
	Gaps        []GapItem    `json:"gaps,omitempty"`
}

// ErrorResponse carries an error message.
type ErrorResponse struct {
	Error string `json:"error"`
}
