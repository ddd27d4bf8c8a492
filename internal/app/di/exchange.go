package di

import (
	"candle_backend/internal/platform/exchange"
	infrahttp "candle_backend/internal/platform/http"
)

// NewFetcher creates the historical candle fetcher with a configured HTTP
// client.
func NewFetcher() *exchange.RESTClient {
	cfg := exchange.LoadConfig()
	httpClient := infrahttp.NewHTTPClient(cfg.Timeout)
	return exchange.NewRESTClient(cfg, httpClient)
}

// NewUpstreamWS creates the exchange WebSocket client delivering raw frames
// to onFrame.
func NewUpstreamWS(onFrame func([]byte)) *exchange.WSClient {
	return exchange.NewWSClient(exchange.LoadConfig(), onFrame)
}
