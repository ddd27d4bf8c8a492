// Package dto defines data transfer objects for the exchange API responses.
package dto

// CandlesResponse represents the JSON response of the exchange candles
// endpoint. Prices and sizes arrive as strings and are parsed into decimals
// by the client.
type CandlesResponse struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Candles []struct {
		Time   int64  `json:"time"` // Bucket start, epoch seconds
		Open   string `json:"open"`
		High   string `json:"high"`
		Low    string `json:"low"`
		Close  string `json:"close"`
		Volume string `json:"volume"`
	} `json:"candles"`
}
