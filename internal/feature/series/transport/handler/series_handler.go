// Package handler provides the HTTP handlers of the series feature.
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"candle_backend/internal/feature/candles/domain/entity"
	"candle_backend/internal/feature/series/transport/http/dto"
)

// SeriesUsecase is the usecase interface the handler consumes.
// Following Go convention: interfaces are defined by the consumer (handler),
// not the provider (usecase).
type SeriesUsecase interface {
	ListSeries(ctx context.Context) ([]entity.SeriesMetadata, error)
}

// SeriesHandler handles HTTP requests for series metadata.
type SeriesHandler struct {
	uc SeriesUsecase
}

// NewSeriesHandler creates a new SeriesHandler.
func NewSeriesHandler(uc SeriesUsecase) *SeriesHandler {
	return &SeriesHandler{uc: uc}
}

// List returns every persisted series with its metadata.
//
// Endpoint: GET /series
func (h *SeriesHandler) List(c *gin.Context) {
	series, err := h.uc.ListSeries(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]dto.SeriesItem, 0, len(series))
	for _, s := range series {
		out = append(out, dto.SeriesItem{
			Symbol:      s.Symbol,
			Granularity: s.Granularity.String(),
			FirstTime:   s.FirstTime.Unix(),
			LastTime:    s.LastTime.Unix(),
			Count:       s.Count,
		})
	}
	c.JSON(http.StatusOK, out)
}
