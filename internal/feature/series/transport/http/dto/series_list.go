// Package dto defines data transfer objects for the series HTTP API.
package dto

// SeriesItem represents one persisted candle series in the API response.
type SeriesItem struct {
	Symbol      string `json:"symbol"`
	Granularity string `json:"granularity"`
	FirstTime   int64  `json:"first_time"` // Epoch seconds
	LastTime    int64  `json:"last_time"`  // Epoch seconds
	Count       int64  `json:"count"`
}
