// Package handler provides the HTTP handlers of the candles feature.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"candle_backend/internal/feature/candles/domain"
	"candle_backend/internal/feature/candles/domain/entity"
	"candle_backend/internal/feature/candles/transport/http/dto"
)

// CandlesUsecase is the usecase interface the handler consumes.
// Following Go convention: interfaces are defined by the consumer (handler),
// not the provider (usecase).
type CandlesUsecase interface {
	GetCandles(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, []entity.Gap, error)
}

// CandlesHandler handles candle range queries.
type CandlesHandler struct {
	uc CandlesUsecase
}

// NewCandlesHandler creates a new CandlesHandler.
func NewCandlesHandler(uc CandlesUsecase) *CandlesHandler {
	return &CandlesHandler{uc: uc}
}

// GetCandlesHandler returns the closed candles of one series.
//
// Endpoint: GET /candles/:symbol?granularity=1h&start=1714521600&end=1714608000
// start and end are epoch seconds; both are optional. Sub-ranges that could
// not be backfilled come back in the gaps field.
func (h *CandlesHandler) GetCandlesHandler(c *gin.Context) {
	symbol := c.Param("symbol")
	g := entity.Granularity(c.DefaultQuery("granularity", "1h"))

	start, err := parseUnixQuery(c, "start")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid start"})
		return
	}
	end, err := parseUnixQuery(c, "end")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid end"})
		return
	}

	candles, gaps, err := h.uc.GetCandles(c.Request.Context(), symbol, g, start, end)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownGranularity) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, dto.ErrorResponse{Error: err.Error()})
		return
	}

	out := dto.CandlesResponse{
		Symbol:      symbol,
		Granularity: g.String(),
		Candles:     make([]dto.CandleItem, 0, len(candles)),
	}
	for _, x := range candles {
		out.Candles = append(out.Candles, dto.CandleItem{
			Time:   x.Time.Unix(),
			Open:   x.Open.String(),
			High:   x.High.String(),
			Low:    x.Low.String(),
			Close:  x.Close.String(),
			Volume: x.Volume.String(),
		})
	}
	for _, gap := range gaps {
		out.Gaps = append(out.Gaps, dto.GapItem{
			Start:     gap.Start.Unix(),
			End:       gap.End.Unix(),
			Permanent: gap.Permanent,
		})
	}

	c.JSON(http.StatusOK, out)
}

// parseUnixQuery reads an optional epoch-seconds query parameter. A missing
// parameter yields the zero time.
func parseUnixQuery(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
