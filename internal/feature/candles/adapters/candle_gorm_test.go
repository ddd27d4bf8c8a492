package adapters

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"candle_backend/internal/feature/candles/domain/entity"
)

// setupTestDB prepares an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "failed to initialize test database")

	err = db.AutoMigrate(&CandleModel{}, &SeriesMetadataModel{})
	require.NoError(t, err, "failed to migrate tables")

	return db
}

func testCandle(g entity.Granularity, at time.Time, close float64) entity.Candle {
	c := decimal.NewFromFloat(close)
	return entity.Candle{
		Symbol:      "BTC-USD",
		Granularity: g,
		Time:        at,
		Open:        decimal.NewFromInt(100),
		High:        decimal.Max(decimal.NewFromInt(100), c),
		Low:         decimal.Min(decimal.NewFromInt(100), c),
		Close:       c,
		Volume:      decimal.NewFromInt(10),
	}
}

func TestCandleGorm_UpsertBatchIdempotent(t *testing.T) {
	t.Parallel()

	repo := NewCandleRepository(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	candle := testCandle(entity.Gran1m, at, 105)
	require.NoError(t, repo.UpsertBatch(ctx, []entity.Candle{candle}))
	require.NoError(t, repo.UpsertBatch(ctx, []entity.Candle{candle}))

	var count int64
	require.NoError(t, repo.db.Model(&CandleModel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "same bucket key must not duplicate")
}

func TestCandleGorm_UpsertOverwritesAsCorrection(t *testing.T) {
	t.Parallel()

	repo := NewCandleRepository(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertBatch(ctx, []entity.Candle{testCandle(entity.Gran1m, at, 105)}))
	require.NoError(t, repo.UpsertBatch(ctx, []entity.Candle{testCandle(entity.Gran1m, at, 109)}))

	got, err := repo.FindRange(ctx, "BTC-USD", entity.Gran1m, at, at.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Equal(decimal.NewFromInt(109)), "correction must win")
}

func TestCandleGorm_MixedBatchLogsCorrectionsPerSeries(t *testing.T) {
	// Not parallel: the test swaps the default logger.
	repo := NewCandleRepository(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	oneMin := testCandle(entity.Gran1m, at, 105)
	fiveMin := testCandle(entity.Gran5m, at, 205)
	require.NoError(t, repo.UpsertBatch(ctx, []entity.Candle{oneMin, fiveMin}))

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	corrected := []entity.Candle{
		testCandle(entity.Gran1m, at, 110),
		testCandle(entity.Gran5m, at, 210),
	}
	require.NoError(t, repo.UpsertBatch(ctx, corrected))

	logged := buf.String()
	assert.Contains(t, logged, "correcting closed candle")
	assert.Contains(t, logged, "granularity=1m", "correction on the 1m series must be reported")
	assert.Contains(t, logged, "granularity=5m", "correction on the 5m series must be reported")
}

func TestCandleGorm_FindRange(t *testing.T) {
	t.Parallel()

	repo := NewCandleRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return base.Add(10 * time.Minute) }

	var candles []entity.Candle
	for i := 0; i < 10; i++ {
		candles = append(candles, testCandle(entity.Gran1m, base.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}
	require.NoError(t, repo.UpsertBatch(ctx, candles))

	t.Run("ascending and bounded", func(t *testing.T) {
		got, err := repo.FindRange(ctx, "BTC-USD", entity.Gran1m, base.Add(2*time.Minute), base.Add(6*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 4)
		for i := 1; i < len(got); i++ {
			assert.True(t, got[i].Time.After(got[i-1].Time))
		}
		assert.True(t, got[0].Time.Equal(base.Add(2*time.Minute)))
		assert.True(t, got[3].Time.Equal(base.Add(5*time.Minute)))
	})

	t.Run("never returns a still-open bucket", func(t *testing.T) {
		// Wall clock inside bucket 9: bucket 9 is open, bucket 8 is the
		// newest closed one.
		repo.now = func() time.Time { return base.Add(9*time.Minute + 30*time.Second) }

		got, err := repo.FindRange(ctx, "BTC-USD", entity.Gran1m, base, base.Add(20*time.Minute))
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.True(t, got[len(got)-1].Time.Equal(base.Add(8*time.Minute)))
	})

	t.Run("other series invisible", func(t *testing.T) {
		got, err := repo.FindRange(ctx, "ETH-USD", entity.Gran1m, base, base.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestCandleGorm_Metadata(t *testing.T) {
	t.Parallel()

	repo := NewCandleRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	_, err := repo.Metadata(ctx, "BTC-USD", entity.Gran1m)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound, "empty series has no metadata")

	var candles []entity.Candle
	for i := 0; i < 5; i++ {
		candles = append(candles, testCandle(entity.Gran1m, base.Add(time.Duration(i)*time.Minute), 100))
	}
	require.NoError(t, repo.UpsertBatch(ctx, candles))

	meta, err := repo.Metadata(ctx, "BTC-USD", entity.Gran1m)
	require.NoError(t, err)
	assert.True(t, meta.FirstTime.Equal(base))
	assert.True(t, meta.LastTime.Equal(base.Add(4*time.Minute)))
	assert.Equal(t, int64(5), meta.Count)
	assert.Equal(t, StoreSchemaVersion, meta.SchemaVersion)
}

func TestCandleGorm_DeleteOlderThan(t *testing.T) {
	t.Parallel()

	repo := NewCandleRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	var candles []entity.Candle
	for i := 0; i < 10; i++ {
		candles = append(candles, testCandle(entity.Gran1m, base.Add(time.Duration(i)*time.Minute), 100))
	}
	require.NoError(t, repo.UpsertBatch(ctx, candles))

	n, err := repo.DeleteOlderThan(ctx, "BTC-USD", entity.Gran1m, base.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	meta, err := repo.Metadata(ctx, "BTC-USD", entity.Gran1m)
	require.NoError(t, err)
	assert.True(t, meta.FirstTime.Equal(base.Add(4*time.Minute)), "metadata follows the sweep")
	assert.Equal(t, int64(6), meta.Count)

	// Sweeping everything removes the metadata row too.
	_, err = repo.DeleteOlderThan(ctx, "BTC-USD", entity.Gran1m, base.Add(time.Hour))
	require.NoError(t, err)
	_, err = repo.Metadata(ctx, "BTC-USD", entity.Gran1m)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCandleGorm_ListSeries(t *testing.T) {
	t.Parallel()

	repo := NewCandleRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertBatch(ctx, []entity.Candle{testCandle(entity.Gran1m, base, 100)}))
	eth := testCandle(entity.Gran1h, base, 100)
	eth.Symbol = "ETH-USD"
	require.NoError(t, repo.UpsertBatch(ctx, []entity.Candle{eth}))

	series, err := repo.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "BTC-USD", series[0].Symbol)
	assert.Equal(t, "ETH-USD", series[1].Symbol)
}
