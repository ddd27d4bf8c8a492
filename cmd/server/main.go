package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redisv9 "github.com/redis/go-redis/v9"

	"candle_backend/internal/app/di"
	"candle_backend/internal/app/router"
	"candle_backend/internal/feature/candles/aggregate"
	"candle_backend/internal/feature/candles/domain/entity"
	candlehandler "candle_backend/internal/feature/candles/transport/handler"
	candlesusecase "candle_backend/internal/feature/candles/usecase"
	serieshandler "candle_backend/internal/feature/series/transport/handler"
	seriesusecase "candle_backend/internal/feature/series/usecase"
	"candle_backend/internal/feature/stream"
	streamhandler "candle_backend/internal/feature/stream/transport/handler"
	infradb "candle_backend/internal/platform/db"
	infraredis "candle_backend/internal/platform/redis"
)

const retentionSweepInterval = time.Hour

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// db
	db := infradb.OpenDB()

	// Redis
	var rdb *redisv9.Client
	if tmp, err := infraredis.NewRedisClient(); err != nil {
		log.Println("[WARN] Redis unavailable. Running without cache.")
		rdb = nil
	} else {
		rdb = tmp
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Println("[ERROR] Failed to close Redis client:", err)
			}
		}()
	}

	// Repository and fetcher
	candleRepo := di.NewCandleRepository(db, rdb)
	fetcher := di.NewFetcher()

	// Live pipeline: upstream frames → normalizer → aggregators → store +
	// downstream fan-out. The router is bound after the WS client exists,
	// so the sinks reference it through this variable.
	var streamRouter *stream.Router

	// Closed candles are queued for the persist worker; the sink runs on
	// the upstream read path and must not touch the store directly.
	persistUC := candlesusecase.NewPersistUsecase(candleRepo)
	go persistUC.Run(ctx)
	registry := aggregate.NewRegistry(func(candle entity.Candle) {
		persistUC.Enqueue(candle)
		streamRouter.PublishCandle(candle)
	})

	normalizer := stream.NewNormalizer()
	upstream := di.NewUpstreamWS(func(frame []byte) {
		tick, ok := normalizer.Normalize(frame)
		if !ok {
			return
		}
		registry.Ingest(tick)
		streamRouter.PublishTicker(tick)
	})
	streamRouter = stream.NewRouter(upstream, registry)
	go upstream.Run(ctx)

	// Retention sweeper
	retentionUC := candlesusecase.NewRetentionUsecase(candleRepo)
	go retentionUC.Run(ctx, retentionSweepInterval)

	// Usecase
	candlesUC := candlesusecase.NewCandlesUsecase(candleRepo, fetcher)
	seriesUC := seriesusecase.NewSeriesUsecase(candleRepo)

	// Handler
	candlesH := candlehandler.NewCandlesHandler(candlesUC)
	seriesH := serieshandler.NewSeriesHandler(seriesUC)
	streamH := streamhandler.NewStreamHandler(streamRouter)

	r := router.NewRouter(candlesH, seriesH, streamH)

	if err := r.Run(":8080"); err != nil {
		log.Fatal(err)
	}
}
