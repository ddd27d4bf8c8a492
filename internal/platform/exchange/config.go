// Package exchange provides clients for the upstream exchange REST and
// WebSocket endpoints.
package exchange

import (
	"os"
	"time"
)

// Config holds configuration for the exchange clients.
type Config struct {
	RESTBaseURL string        // Base URL for the REST API
	WSURL       string        // WebSocket endpoint URL
	Timeout     time.Duration // Per-request HTTP timeout

	MaxCandlesPerCall int     // Exchange page limit for the candles endpoint
	RequestsPerSecond float64 // Token-bucket refill rate
	Burst             int     // Token-bucket burst size
	MaxRetries        uint64  // Retry budget per page request
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

// LoadConfig loads exchange configuration from environment variables, with
// defaults suitable for a public exchange API.
func LoadConfig() Config {
	cfg := Config{
		RESTBaseURL:       os.Getenv("EXCHANGE_REST_URL"),
		WSURL:             os.Getenv("EXCHANGE_WS_URL"),
		Timeout:           10 * time.Second,
		MaxCandlesPerCall: 300,
		RequestsPerSecond: 5,
		Burst:             10,
		MaxRetries:        5,
		BackoffBase:       500 * time.Millisecond,
		BackoffCap:        15 * time.Second,
	}
	return cfg
}
