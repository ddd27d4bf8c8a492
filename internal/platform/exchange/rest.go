package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"candle_backend/internal/feature/candles/domain/entity"
	"candle_backend/internal/feature/candles/usecase"
	"candle_backend/internal/platform/exchange/dto"
)

// RESTClient fetches historical candles from the exchange REST endpoint.
// Ranges wider than the exchange page limit are split into sequential page
// requests; each page passes a token-bucket limiter and retries transient
// failures with exponential backoff.
type RESTClient struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

var _ usecase.HistoricalFetcher = (*RESTClient)(nil)

// NewRESTClient creates a REST candle fetcher with the given configuration
// and HTTP client.
func NewRESTClient(cfg Config, client *http.Client) *RESTClient {
	return &RESTClient{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		now:     time.Now,
	}
}

// FetchRange returns the closed candles of [start, end) in ascending order.
//
// A start beyond the current wall clock short-circuits to an empty result
// with zero network calls; an end beyond now is clamped. When a page request
// exhausts its retry budget the partial result gathered so far is returned
// together with a permanent gap covering the unfetched remainder, so callers
// stop re-requesting it.
func (c *RESTClient) FetchRange(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, []entity.Gap, error) {
	now := c.now()
	if start.After(now) {
		return nil, nil, nil
	}
	if end.After(now) {
		end = now
	}
	if !start.Before(end) {
		return nil, nil, nil
	}

	pageSpan := time.Duration(c.cfg.MaxCandlesPerCall) * g.Bucket()
	var out []entity.Candle

	for pageStart := start; pageStart.Before(end); {
		pageEnd := pageStart.Add(pageSpan)
		if pageEnd.After(end) {
			pageEnd = end
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return out, nil, err
		}

		candles, err := c.fetchPage(ctx, symbol, g, pageStart, pageEnd)
		if err != nil {
			if ctx.Err() != nil {
				return out, nil, ctx.Err()
			}
			slog.Warn("candle page fetch exhausted retries",
				"symbol", symbol, "granularity", g,
				"start", pageStart, "end", end, "error", err)
			return out, []entity.Gap{{Start: pageStart, End: end, Permanent: true}}, nil
		}

		out = append(out, candles...)
		pageStart = pageEnd
	}
	return out, nil, nil
}

// fetchPage requests one page, retrying 429s and transient failures with
// exponential backoff until the retry budget runs out.
func (c *RESTClient) fetchPage(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffBase
	bo.MaxInterval = c.cfg.BackoffCap
	bo.RandomizationFactor = 0 // deterministic delays: base × multiplier^attempt, capped

	var candles []entity.Candle
	op := func() error {
		var err error
		candles, err = c.doRequest(ctx, symbol, g, start, end)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// doRequest performs a single candles call. Client errors other than 429 are
// permanent; 429 and server errors are retryable.
func (c *RESTClient) doRequest(ctx context.Context, symbol string, g entity.Granularity, start, end time.Time) ([]entity.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("granularity", g.String())
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("end", strconv.FormatInt(end.Unix(), 10))

	u := fmt.Sprintf("%s/candles?%s", c.cfg.RESTBaseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			slog.Warn("failed to close response body", "error", err)
		}
	}()

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("exchange rate limited: http %d", res.StatusCode)
	case res.StatusCode >= 500:
		return nil, fmt.Errorf("exchange http %d", res.StatusCode)
	case res.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("exchange http %d", res.StatusCode))
	}

	var body dto.CandlesResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Status == "error" {
		return nil, backoff.Permanent(fmt.Errorf("exchange: %s", body.Message))
	}

	out := make([]entity.Candle, 0, len(body.Candles))
	for _, v := range body.Candles {
		candle, err := parseCandle(symbol, g, v.Time, v.Open, v.High, v.Low, v.Close, v.Volume)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		out = append(out, candle)
	}
	return out, nil
}

func parseCandle(symbol string, g entity.Granularity, ts int64, open, high, low, cl, volume string) (entity.Candle, error) {
	o, err := decimal.NewFromString(open)
	if err != nil {
		return entity.Candle{}, fmt.Errorf("parse open %q: %w", open, err)
	}
	h, err := decimal.NewFromString(high)
	if err != nil {
		return entity.Candle{}, fmt.Errorf("parse high %q: %w", high, err)
	}
	l, err := decimal.NewFromString(low)
	if err != nil {
		return entity.Candle{}, fmt.Errorf("parse low %q: %w", low, err)
	}
	c, err := decimal.NewFromString(cl)
	if err != nil {
		return entity.Candle{}, fmt.Errorf("parse close %q: %w", cl, err)
	}
	v, err := decimal.NewFromString(volume)
	if err != nil {
		return entity.Candle{}, fmt.Errorf("parse volume %q: %w", volume, err)
	}

	return entity.Candle{
		Symbol:      symbol,
		Granularity: g,
		Time:        time.Unix(ts, 0).UTC(),
		Open:        o,
		High:        h,
		Low:         l,
		Close:       c,
		Volume:      v,
	}, nil
}
