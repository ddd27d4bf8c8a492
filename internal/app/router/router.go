// Package router wires the HTTP endpoints of the candle server.
package router

import (
	"github.com/gin-gonic/gin"

	candlehandler "candle_backend/internal/feature/candles/transport/handler"
	serieshandler "candle_backend/internal/feature/series/transport/handler"
	streamhandler "candle_backend/internal/feature/stream/transport/handler"
	"candle_backend/internal/platform/http/handler"
)

// NewRouter builds the gin engine with all public routes.
func NewRouter(candles *candlehandler.CandlesHandler, series *serieshandler.SeriesHandler,
	stream *streamhandler.StreamHandler) *gin.Engine {
	r := gin.Default()

	// Liveness probe
	r.GET("/healthz", handler.Health)
	r.HEAD("/healthz", handler.Health)

	// Candle range queries, read-through to the exchange on store misses
	r.GET("/candles/:symbol", candles.GetCandlesHandler)

	// Persisted series inventory
	r.GET("/series", series.List)

	// Live candle and ticker pushes
	r.GET("/ws", stream.StreamHandler)

	return r
}
