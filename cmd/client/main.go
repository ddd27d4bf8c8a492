package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"time"

	"candle_backend/internal/feature/candles/domain/entity"
	"candle_backend/internal/feature/chartcache"
	infrahttp "candle_backend/internal/platform/http"
)

// client is a chart-client demo: it keeps a local sqlite candle cache and
// reconciles requested ranges against the candle server, fetching only what
// the cache is missing. Example:
//
//	client -server http://localhost:8080 -symbol BTC-USD -granularity 1h -hours 48
func main() {
	server := flag.String("server", "http://localhost:8080", "candle server base URL")
	symbol := flag.String("symbol", "BTC-USD", "symbol to chart")
	granFlag := flag.String("granularity", "1h", "candle granularity")
	hours := flag.Int("hours", 48, "how many hours back to load")
	cachePath := flag.String("cache", "chart-cache.db", "local cache file")
	flag.Parse()

	g := entity.Granularity(*granFlag)
	if !g.Valid() {
		log.Fatalf("unknown granularity %q", *granFlag)
	}

	// A broken cache file must not keep the chart from loading.
	cache, err := chartcache.Open(*cachePath)
	if err != nil {
		slog.Warn("cache unavailable, running live-only", "path", *cachePath, "error", err)
		cache = nil
	}

	fetcher := chartcache.NewAPIClient(*server, infrahttp.NewHTTPClient(30*time.Second))
	reconciler := chartcache.NewReconciler(cache, fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	end := time.Now().UTC()
	start := end.Add(-time.Duration(*hours) * time.Hour)

	candles, gaps, err := reconciler.GetRange(ctx, *symbol, g, start, end)
	if err != nil {
		log.Fatal(err)
	}

	for _, c := range candles {
		fmt.Printf("%s  O:%s H:%s L:%s C:%s V:%s\n",
			c.Time.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	for _, gap := range gaps {
		slog.Warn("range unavailable",
			"start", gap.Start, "end", gap.End, "permanent", gap.Permanent)
	}
	slog.Info("range loaded", "symbol", *symbol, "granularity", g,
		"candles", len(candles), "gaps", len(gaps))
}
