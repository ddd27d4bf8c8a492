package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"candle_backend/internal/app/di"
	"candle_backend/internal/feature/candles/domain/entity"
	infradb "candle_backend/internal/platform/db"
	"candle_backend/internal/shared/ratelimiter"
)

// backfill seeds the candle store over a historical window, one series at a
// time. Example:
//
//	backfill -symbols BTC-USD,ETH-USD -granularities 1m,1h -days 30
func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "error", err)
	}

	symbolsFlag := flag.String("symbols", "", "comma-separated symbols to backfill")
	gransFlag := flag.String("granularities", "1h,1d", "comma-separated granularities")
	days := flag.Int("days", 30, "how many days back to fill")
	flag.Parse()

	if *symbolsFlag == "" {
		log.Fatal("at least one symbol is required")
	}
	symbols := strings.Split(*symbolsFlag, ",")

	var grans []entity.Granularity
	for _, raw := range strings.Split(*gransFlag, ",") {
		g := entity.Granularity(strings.TrimSpace(raw))
		if !g.Valid() {
			log.Fatalf("unknown granularity %q", raw)
		}
		grans = append(grans, g)
	}

	db := infradb.OpenDB()
	candleRepo := di.NewCandleRepository(db, nil)
	fetcher := di.NewFetcher()

	// One series at a time keeps the exchange happy; the fetcher also
	// paces its own page requests.
	limiter := ratelimiter.New(1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -*days)

	for _, symbol := range symbols {
		symbol = strings.TrimSpace(symbol)
		for _, g := range grans {
			if err := limiter.Wait(ctx); err != nil {
				log.Fatal(err)
			}

			candles, gaps, err := fetcher.FetchRange(ctx, symbol, g, start, end)
			if err != nil {
				log.Fatalf("fetch %s/%s: %v", symbol, g, err)
			}
			for i := range candles {
				candles[i].Symbol = symbol
				candles[i].Granularity = g
			}
			if len(candles) > 0 {
				if err := candleRepo.UpsertBatch(ctx, candles); err != nil {
					log.Fatalf("persist %s/%s: %v", symbol, g, err)
				}
			}

			slog.Info("series backfilled",
				"symbol", symbol, "granularity", g,
				"candles", len(candles), "gaps", len(gaps))
			for _, gap := range gaps {
				slog.Warn("range left unfilled",
					"symbol", symbol, "granularity", g,
					"start", gap.Start, "end", gap.End, "permanent", gap.Permanent)
			}
		}
	}
	log.Println("backfill ok")
}
