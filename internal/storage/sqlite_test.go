package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-pipeline/internal/models"
)

const hourMs = int64(3_600_000)

// createTestStorage opens an initialized file-backed store under t.TempDir.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err, "failed to create test storage")
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Initialize(context.Background()))
	return store
}

// createTestSeries registers BTCUSDT/1h and returns its series id.
func createTestSeries(t *testing.T, store *SQLiteStorage) int64 {
	t.Helper()
	ctx := context.Background()

	symbolID, err := store.EnsureSymbol(ctx, "BTCUSDT", "BTC", "USDT")
	require.NoError(t, err)
	intervalID, err := store.EnsureInterval(ctx, "1h", hourMs)
	require.NoError(t, err)
	seriesID, err := store.EnsureSeries(ctx, symbolID, intervalID)
	require.NoError(t, err)
	return seriesID
}

// candleAt builds a valid candle with the given open time and close price.
func candleAt(seriesID, openTime int64, close float64) models.Candle {
	return models.Candle{
		SeriesID:            seriesID,
		OpenTime:            openTime,
		Open:                close - 1,
		High:                close + 2,
		Low:                 close - 2,
		Close:               close,
		Volume:              10,
		QuoteAssetVolume:    close * 10,
		Trades:              5,
		TakerBuyBaseVolume:  4,
		TakerBuyQuoteVolume: close * 4,
	}
}

func writeCandles(t *testing.T, store *SQLiteStorage, candles ...models.Candle) {
	t.Helper()
	err := store.Tx(context.Background(), false, func(b Batch) error {
		return b.UpsertCandles(context.Background(), candles)
	})
	require.NoError(t, err)
}

func TestSQLiteStorage_InitializeIdempotent(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.Initialize(ctx))
	require.NoError(t, store.Initialize(ctx))

	report, err := store.IntegrityCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", report)
}

func TestSQLiteStorage_EnsureSymbol(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	first, err := store.EnsureSymbol(ctx, "BTCUSDT", "BTC", "USDT")
	require.NoError(t, err)
	again, err := store.EnsureSymbol(ctx, "BTCUSDT", "BTC", "USDT")
	require.NoError(t, err)
	assert.Equal(t, first, again, "re-ensuring must return the existing id")

	other, err := store.EnsureSymbol(ctx, "ETHUSDT", "ETH", "USDT")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestSQLiteStorage_EnsureIntervalOverwritesMs(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	first, err := store.EnsureInterval(ctx, "1h", 60_000)
	require.NoError(t, err)
	again, err := store.EnsureInterval(ctx, "1h", hourMs)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	var ms int64
	err = store.db.QueryRowContext(ctx, "SELECT ms FROM intervals WHERE code = ?", "1h").Scan(&ms)
	require.NoError(t, err)
	assert.Equal(t, hourMs, ms, "stored width must follow the latest ensure")
}

func TestSQLiteStorage_SeriesResolution(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	seriesID := createTestSeries(t, store)
	same := createTestSeries(t, store)
	assert.Equal(t, seriesID, same)

	resolved, err := store.SeriesID(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, seriesID, resolved)

	_, err = store.SeriesID(ctx, "DOGEUSDT", "1h")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "query", storageErr.Operation)
	assert.Equal(t, "series", storageErr.Table)
}

func TestSQLiteStorage_CandleRoundTrip(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seriesID := createTestSeries(t, store)

	_, ok, err := store.MaxOpenTime(ctx, seriesID)
	require.NoError(t, err)
	assert.False(t, ok, "empty series must report no max open time")

	writeCandles(t, store,
		candleAt(seriesID, 1*hourMs, 100),
		candleAt(seriesID, 2*hourMs, 101),
		candleAt(seriesID, 3*hourMs, 102),
	)

	max, ok, err := store.MaxOpenTime(ctx, seriesID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3*hourMs, max)

	times, err := store.OpenTimes(ctx, seriesID, 0, 10*hourMs)
	require.NoError(t, err)
	assert.Equal(t, []int64{1 * hourMs, 2 * hourMs, 3 * hourMs}, times)

	times, err = store.OpenTimes(ctx, seriesID, 2*hourMs, 2*hourMs)
	require.NoError(t, err)
	assert.Equal(t, []int64{2 * hourMs}, times)
}

func TestSQLiteStorage_UpsertCandlesOverwrites(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seriesID := createTestSeries(t, store)

	writeCandles(t, store, candleAt(seriesID, hourMs, 100))
	replacement := candleAt(seriesID, hourMs, 250)
	replacement.Trades = 99
	writeCandles(t, store, replacement)

	rows, err := store.QueryJoined(ctx, QueryRequest{Symbol: "BTCUSDT", Interval: "1h"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 250.0, rows[0].Close)
	assert.Equal(t, int64(99), rows[0].Trades)
}

func TestSQLiteStorage_UpsertCandlesRejectsInvalid(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seriesID := createTestSeries(t, store)

	bad := candleAt(seriesID, hourMs, 100)
	bad.High = bad.Open - 10

	err := store.Tx(ctx, false, func(b Batch) error {
		return b.UpsertCandles(ctx, []models.Candle{bad})
	})
	require.Error(t, err)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "insert", storageErr.Operation)
	assert.Equal(t, "candles", storageErr.Table)

	_, ok, err := store.MaxOpenTime(ctx, seriesID)
	require.NoError(t, err)
	assert.False(t, ok, "rejected batch must not persist anything")
}

func TestSQLiteStorage_TxDryRunRollsBack(t *testing.T) {
	store := createTestStorage(t)
	var logs bytes.Buffer
	store.logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := context.Background()
	seriesID := createTestSeries(t, store)

	err := store.Tx(ctx, true, func(b Batch) error {
		return b.UpsertCandles(ctx, []models.Candle{candleAt(seriesID, hourMs, 100)})
	})
	require.NoError(t, err)

	_, ok, err := store.MaxOpenTime(ctx, seriesID)
	require.NoError(t, err)
	assert.False(t, ok, "dry run must leave the store untouched")
	assert.Contains(t, logs.String(), "dry run: rolling back transaction")
}

func TestSQLiteStorage_TxErrorRollsBack(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seriesID := createTestSeries(t, store)

	boom := errors.New("boom")
	err := store.Tx(ctx, false, func(b Batch) error {
		if err := b.UpsertCandles(ctx, []models.Candle{candleAt(seriesID, hourMs, 100)}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok, err := store.MaxOpenTime(ctx, seriesID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func ptr(v float64) *float64 { return &v }

func TestSQLiteStorage_IndicatorNullHandling(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seriesID := createTestSeries(t, store)

	writeCandles(t, store,
		candleAt(seriesID, 1*hourMs, 100),
		candleAt(seriesID, 2*hourMs, 101),
		candleAt(seriesID, 3*hourMs, 102),
	)

	rows := []models.IndicatorRow{
		{SeriesID: seriesID, OpenTime: 1 * hourMs},
		{SeriesID: seriesID, OpenTime: 2 * hourMs, PctReturn1: ptr(0.01), LogReturn1: ptr(0.00995)},
		{SeriesID: seriesID, OpenTime: 3 * hourMs},
	}
	err := store.Tx(ctx, false, func(b Batch) error {
		return b.UpsertIndicators(ctx, rows)
	})
	require.NoError(t, err)

	nullTimes, err := store.AllNullIndicatorTimes(ctx, seriesID, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1 * hourMs, 3 * hourMs}, nullTimes)

	nullTimes, err = store.AllNullIndicatorTimes(ctx, seriesID, 2*hourMs)
	require.NoError(t, err)
	assert.Equal(t, []int64{3 * hourMs}, nullTimes, "fromMs must exclude earlier rows")

	count, err := store.CountAllNullIndicators(ctx, seriesID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSQLiteStorage_QueryJoined(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seriesID := createTestSeries(t, store)

	var candles []models.Candle
	for i := int64(1); i <= 5; i++ {
		candles = append(candles, candleAt(seriesID, i*hourMs, 100+float64(i)))
	}
	writeCandles(t, store, candles...)

	err := store.Tx(ctx, false, func(b Batch) error {
		return b.UpsertIndicators(ctx, []models.IndicatorRow{
			{SeriesID: seriesID, OpenTime: 4 * hourMs, EMA50: ptr(103.5), RSI14: ptr(61.2)},
		})
	})
	require.NoError(t, err)

	rows, err := store.QueryJoined(ctx, QueryRequest{Symbol: "BTCUSDT", Interval: "1h", Limit: 3})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, 5*hourMs, rows[0].OpenTime, "results must be newest first")
	assert.Equal(t, 4*hourMs, rows[1].OpenTime)
	assert.Equal(t, 3*hourMs, rows[2].OpenTime)

	assert.Equal(t, "BTCUSDT", rows[0].Symbol)
	assert.Equal(t, "1h", rows[0].Interval)

	// Bar 5 has no indicator row at all; bar 4 has two live columns.
	assert.Nil(t, rows[0].EMA50)
	assert.Nil(t, rows[0].PctReturn1)
	require.NotNil(t, rows[1].EMA50)
	assert.Equal(t, 103.5, *rows[1].EMA50)
	require.NotNil(t, rows[1].RSI14)
	assert.Equal(t, 61.2, *rows[1].RSI14)
	assert.Nil(t, rows[1].MACD)

	rows, err = store.QueryJoined(ctx, QueryRequest{
		Symbol: "BTCUSDT", Interval: "1h", StartMs: 2 * hourMs, EndMs: 3 * hourMs,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 3*hourMs, rows[0].OpenTime)
	assert.Equal(t, 2*hourMs, rows[1].OpenTime)

	rows, err = store.QueryJoined(ctx, QueryRequest{Symbol: "ETHUSDT", Interval: "1h"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLiteStorage_DeleteRange(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seriesID := createTestSeries(t, store)

	var candles []models.Candle
	var rows []models.IndicatorRow
	for i := int64(1); i <= 5; i++ {
		candles = append(candles, candleAt(seriesID, i*hourMs, 100))
		rows = append(rows, models.IndicatorRow{SeriesID: seriesID, OpenTime: i * hourMs, EMA50: ptr(100)})
	}
	err := store.Tx(ctx, false, func(b Batch) error {
		if err := b.UpsertCandles(ctx, candles); err != nil {
			return err
		}
		return b.UpsertIndicators(ctx, rows)
	})
	require.NoError(t, err)

	err = store.Tx(ctx, false, func(b Batch) error {
		return b.DeleteRange(ctx, seriesID, 2*hourMs, 3*hourMs)
	})
	require.NoError(t, err)

	times, err := store.OpenTimes(ctx, seriesID, 0, 10*hourMs)
	require.NoError(t, err)
	assert.Equal(t, []int64{1 * hourMs, 4 * hourMs, 5 * hourMs}, times)

	joined, err := store.QueryJoined(ctx, QueryRequest{Symbol: "BTCUSDT", Interval: "1h"})
	require.NoError(t, err)
	require.Len(t, joined, 3)
	for _, r := range joined {
		assert.NotNil(t, r.EMA50, "surviving rows keep their indicators")
	}
}

func TestSQLiteStorage_SeriesState(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seriesID := createTestSeries(t, store)

	state, err := store.SeriesState(ctx, seriesID)
	require.NoError(t, err)
	assert.Nil(t, state, "fresh series has no recorded state")

	now := time.Now().UTC().Truncate(time.Millisecond)
	err = store.Tx(ctx, false, func(b Batch) error {
		return b.UpsertSeriesState(ctx, models.SeriesState{
			SeriesID:      seriesID,
			LastOpenTime:  42 * hourMs,
			LastUpdatedAt: now,
			LastRunID:     "run-1",
		})
	})
	require.NoError(t, err)

	state, err = store.SeriesState(ctx, seriesID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, seriesID, state.SeriesID)
	assert.Equal(t, 42*hourMs, state.LastOpenTime)
	assert.Equal(t, now.UnixMilli(), state.LastUpdatedAt.UnixMilli())
	assert.Equal(t, "run-1", state.LastRunID)

	err = store.Tx(ctx, false, func(b Batch) error {
		return b.UpsertSeriesState(ctx, models.SeriesState{
			SeriesID:      seriesID,
			LastOpenTime:  43 * hourMs,
			LastUpdatedAt: now,
			LastRunID:     "run-2",
		})
	})
	require.NoError(t, err)

	state, err = store.SeriesState(ctx, seriesID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 43*hourMs, state.LastOpenTime)
	assert.Equal(t, "run-2", state.LastRunID)
}

func TestSQLiteStorage_KnownGaps(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seriesID := createTestSeries(t, store)

	gaps, err := store.KnownGaps(ctx, seriesID)
	require.NoError(t, err)
	assert.Empty(t, gaps)

	stored, err := store.AddKnownGap(ctx, models.KnownGap{
		SeriesID:      seriesID,
		StartOpenTime: 10 * hourMs,
		EndOpenTime:   12 * hourMs,
		Note:          "exchange maintenance",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID, "an id must be assigned")
	assert.False(t, stored.CreatedAt.IsZero())

	_, err = store.AddKnownGap(ctx, models.KnownGap{
		SeriesID:      seriesID,
		StartOpenTime: 2 * hourMs,
		EndOpenTime:   3 * hourMs,
	})
	require.NoError(t, err)

	gaps, err = store.KnownGaps(ctx, seriesID)
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, 2*hourMs, gaps[0].StartOpenTime, "gaps must be ordered by start time")
	assert.Equal(t, 10*hourMs, gaps[1].StartOpenTime)
	assert.Equal(t, "exchange maintenance", gaps[1].Note)

	_, err = store.AddKnownGap(ctx, models.KnownGap{
		SeriesID:      seriesID,
		StartOpenTime: 5 * hourMs,
		EndOpenTime:   4 * hourMs,
	})
	require.Error(t, err, "inverted ranges must be rejected")
}
