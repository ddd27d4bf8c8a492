package chartcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"candle_backend/internal/feature/candles/domain/entity"
	candledto "candle_backend/internal/feature/candles/transport/http/dto"
	"candle_backend/internal/feature/candles/usecase"
)

// APIClient fetches candle ranges from the candle server's HTTP API. It is
// the chart client's HistoricalFetcher: gaps the server reports come back
// as-is, so permanent ones propagate into the reconciler's memory.
type APIClient struct {
	baseURL string
	client  *http.Client
}

var _ usecase.HistoricalFetcher = (*APIClient)(nil)

// NewAPIClient creates an APIClient for the server at baseURL.
func NewAPIClient(baseURL string, client *http.Client) *APIClient {
	return &APIClient{baseURL: baseURL, client: client}
}

// FetchRange queries GET /candles/:symbol for [start, end).
func (a *APIClient) FetchRange(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, []entity.Gap, error) {
	q := url.Values{}
	q.Set("granularity", g.String())
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("end", strconv.FormatInt(end.Unix(), 10))

	u := fmt.Sprintf("%s/candles/%s?%s", a.baseURL, url.PathEscape(symbol), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}

	res, err := a.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("candle server: http %d", res.StatusCode)
	}

	var body candledto.CandlesResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, nil, err
	}

	candles := make([]entity.Candle, 0, len(body.Candles))
	for _, item := range body.Candles {
		candle, err := apiCandle(symbol, g, item)
		if err != nil {
			return nil, nil, err
		}
		candles = append(candles, candle)
	}

	var gaps []entity.Gap
	for _, item := range body.Gaps {
		gaps = append(gaps, entity.Gap{
			Start:     time.Unix(item.Start, 0).UTC(),
			End:       time.Unix(item.End, 0).UTC(),
			Permanent: item.Permanent,
		})
	}
	return candles, gaps, nil
}

func apiCandle(symbol string, g entity.Granularity, item candledto.CandleItem) (entity.Candle, error) {
	fields := [5]string{item.Open, item.High, item.Low, item.Close, item.Volume}
	var parsed [5]decimal.Decimal
	for i, raw := range fields {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return entity.Candle{}, fmt.Errorf("parse candle field %q: %w", raw, err)
		}
		parsed[i] = d
	}

	return entity.Candle{
		Symbol:      symbol,
		Granularity: g,
		Time:        time.Unix(item.Time, 0).UTC(),
		Open:        parsed[0],
		High:        parsed[1],
		Low:         parsed[2],
		Close:       parsed[3],
		Volume:      parsed[4],
	}, nil
}
