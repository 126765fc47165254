package repair

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-pipeline/internal/binance"
	"github.com/johnayoung/go-kline-pipeline/internal/indicator"
	"github.com/johnayoung/go-kline-pipeline/internal/ingest"
	"github.com/johnayoung/go-kline-pipeline/internal/models"
	"github.com/johnayoung/go-kline-pipeline/internal/storage"
)

const hourMs = int64(3_600_000)

var t0 = int64(400_000) * hourMs

func hours(ns ...int64) []int64 {
	out := make([]int64, len(ns))
	for i, n := range ns {
		out[i] = t0 + n*hourMs
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeIngester records the windows it is asked to run and returns canned
// stats in call order.
type fakeIngester struct {
	windows []ingest.Window
	stats   []ingest.RangeStats
}

func (f *fakeIngester) IngestRange(ctx context.Context, seriesID int64, symbol, code string, w ingest.Window) (ingest.RangeStats, error) {
	f.windows = append(f.windows, w)
	if len(f.stats) > 0 {
		s := f.stats[0]
		f.stats = f.stats[1:]
		return s, nil
	}
	return ingest.RangeStats{}, nil
}

type fakeRepairStore struct {
	ids       map[string]int64
	times     map[int64][]int64
	nulls     map[int64][]int64
	known     map[int64][]models.KnownGap
	nullCount int64
}

var _ Store = (*fakeRepairStore)(nil)

func newFakeRepairStore() *fakeRepairStore {
	return &fakeRepairStore{
		ids:   make(map[string]int64),
		times: make(map[int64][]int64),
		nulls: make(map[int64][]int64),
		known: make(map[int64][]models.KnownGap),
	}
}

func (s *fakeRepairStore) SeriesID(ctx context.Context, symbol, interval string) (int64, error) {
	id, ok := s.ids[symbol+"/"+interval]
	if !ok {
		return 0, fmt.Errorf("series %s %s: %w", symbol, interval, storage.ErrNotFound)
	}
	return id, nil
}

func (s *fakeRepairStore) OpenTimes(ctx context.Context, seriesID, startMs, endMs int64) ([]int64, error) {
	var out []int64
	for _, t := range s.times[seriesID] {
		if t >= startMs && t <= endMs {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeRepairStore) AllNullIndicatorTimes(ctx context.Context, seriesID, fromMs int64) ([]int64, error) {
	var out []int64
	for _, t := range s.nulls[seriesID] {
		if t >= fromMs {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeRepairStore) CountAllNullIndicators(ctx context.Context, seriesID, fromMs int64) (int64, error) {
	return s.nullCount, nil
}

func (s *fakeRepairStore) KnownGaps(ctx context.Context, seriesID int64) ([]models.KnownGap, error) {
	return s.known[seriesID], nil
}

func TestRepairShapesGapWindow(t *testing.T) {
	s := newFakeRepairStore()
	s.ids["BTCUSDT/1h"] = 3
	s.times[3] = hours(0, 1, 2, 3, 7, 8, 9)

	ing := &fakeIngester{stats: []ingest.RangeStats{{CandlesWritten: 3, IndicatorRows: 50}}}
	summaries, err := NewEngine(ing, s, testLogger()).Run(context.Background(), []string{"BTCUSDT"}, []string{"1h"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	require.Len(t, ing.windows, 1)
	assert.Equal(t, ingest.Window{
		StartMs:       t0 + 4*hourMs - ingest.OverlapBars*hourMs,
		EndMs:         t0 + 6*hourMs + ingest.OverlapBars*hourMs,
		CandleFrom:    t0 + 4*hourMs,
		CandleTo:      t0 + 6*hourMs,
		IndicatorFrom: t0 + 4*hourMs,
		WriteCandles:  true,
	}, ing.windows[0])

	sum := summaries[0]
	assert.Equal(t, 1, sum.GapsRepaired)
	assert.Equal(t, 3, sum.CandlesWritten)
	assert.Equal(t, 50, sum.IndicatorRows)

	// The fake store never changes, so the recount still sees the hole.
	assert.Equal(t, 1, sum.GapsRemaining)
}

func TestRepairShapesSpanWindow(t *testing.T) {
	s := newFakeRepairStore()
	s.ids["BTCUSDT/1h"] = 3
	var times []int64
	for i := int64(0); i <= 400; i++ {
		times = append(times, t0+i*hourMs)
	}
	s.times[3] = times
	s.nulls[3] = hours(300, 301)

	ing := &fakeIngester{}
	summaries, err := NewEngine(ing, s, testLogger()).Run(context.Background(), []string{"BTCUSDT"}, []string{"1h"})
	require.NoError(t, err)

	require.Len(t, ing.windows, 1)
	assert.Equal(t, ingest.Window{
		StartMs:       t0 + 300*hourMs - ingest.OverlapBars*hourMs,
		EndMs:         t0 + 301*hourMs + ingest.OverlapBars*hourMs,
		IndicatorFrom: t0 + 300*hourMs,
		WriteCandles:  false,
	}, ing.windows[0])
	assert.Equal(t, 1, summaries[0].SpansRepaired)
	assert.Zero(t, summaries[0].GapsRepaired)
}

func TestRepairSkipsWarmupNulls(t *testing.T) {
	s := newFakeRepairStore()
	s.ids["BTCUSDT/1h"] = 3
	var times []int64
	for i := int64(0); i <= 400; i++ {
		times = append(times, t0+i*hourMs)
	}
	s.times[3] = times
	s.nulls[3] = hours(50, 150, 200)

	ing := &fakeIngester{}
	summaries, err := NewEngine(ing, s, testLogger()).Run(context.Background(), []string{"BTCUSDT"}, []string{"1h"})
	require.NoError(t, err)
	assert.Empty(t, ing.windows)
	assert.Zero(t, summaries[0].SpansRepaired)
}

func TestRepairSkipsKnownGapWindows(t *testing.T) {
	s := newFakeRepairStore()
	s.ids["BTCUSDT/1h"] = 3
	s.times[3] = hours(0, 1, 2, 3, 7, 8, 9)
	s.known[3] = []models.KnownGap{{
		SeriesID:      3,
		StartOpenTime: t0 + 4*hourMs,
		EndOpenTime:   t0 + 6*hourMs,
	}}

	ing := &fakeIngester{}
	summaries, err := NewEngine(ing, s, testLogger()).Run(context.Background(), []string{"BTCUSDT"}, []string{"1h"})
	require.NoError(t, err)

	assert.Empty(t, ing.windows)
	sum := summaries[0]
	assert.Zero(t, sum.GapsRepaired)
	assert.Zero(t, sum.GapsRemaining)
}

func TestRepairEmptySeries(t *testing.T) {
	t.Run("unknown series", func(t *testing.T) {
		s := newFakeRepairStore()
		ing := &fakeIngester{}
		summaries, err := NewEngine(ing, s, testLogger()).Run(context.Background(), []string{"BTCUSDT"}, []string{"1h"})
		require.NoError(t, err)
		assert.True(t, summaries[0].SeriesEmpty)
		assert.Empty(t, ing.windows)
	})

	t.Run("series without candles", func(t *testing.T) {
		s := newFakeRepairStore()
		s.ids["BTCUSDT/1h"] = 3
		ing := &fakeIngester{}
		summaries, err := NewEngine(ing, s, testLogger()).Run(context.Background(), []string{"BTCUSDT"}, []string{"1h"})
		require.NoError(t, err)
		assert.True(t, summaries[0].SeriesEmpty)
		assert.Empty(t, ing.windows)
	})
}

// memStore backs the end-to-end tests: it satisfies both the repair engine's
// read interface and the ingest engine's store interface, with committed
// transaction staging.
type memStore struct {
	ids     map[string]int64
	candles map[int64]map[int64]models.Candle
	rows    map[int64]map[int64]models.IndicatorRow
	states  map[int64]models.SeriesState
	known   map[int64][]models.KnownGap
}

var (
	_ Store        = (*memStore)(nil)
	_ ingest.Store = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		ids:     make(map[string]int64),
		candles: make(map[int64]map[int64]models.Candle),
		rows:    make(map[int64]map[int64]models.IndicatorRow),
		states:  make(map[int64]models.SeriesState),
		known:   make(map[int64][]models.KnownGap),
	}
}

func (s *memStore) SeriesID(ctx context.Context, symbol, interval string) (int64, error) {
	id, ok := s.ids[symbol+"/"+interval]
	if !ok {
		return 0, fmt.Errorf("series %s %s: %w", symbol, interval, storage.ErrNotFound)
	}
	return id, nil
}

func (s *memStore) OpenTimes(ctx context.Context, seriesID, startMs, endMs int64) ([]int64, error) {
	var out []int64
	for t := range s.candles[seriesID] {
		if t >= startMs && t <= endMs {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memStore) AllNullIndicatorTimes(ctx context.Context, seriesID, fromMs int64) ([]int64, error) {
	var out []int64
	for t, row := range s.rows[seriesID] {
		if t >= fromMs && row.AllNull() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memStore) CountAllNullIndicators(ctx context.Context, seriesID, fromMs int64) (int64, error) {
	times, err := s.AllNullIndicatorTimes(ctx, seriesID, fromMs)
	return int64(len(times)), err
}

func (s *memStore) KnownGaps(ctx context.Context, seriesID int64) ([]models.KnownGap, error) {
	return s.known[seriesID], nil
}

func (s *memStore) EnsureSymbol(ctx context.Context, symbol, baseAsset, quoteAsset string) (int64, error) {
	return 1, nil
}

func (s *memStore) EnsureInterval(ctx context.Context, code string, intervalMs int64) (int64, error) {
	return 2, nil
}

func (s *memStore) EnsureSeries(ctx context.Context, symbolID, intervalID int64) (int64, error) {
	return 3, nil
}

func (s *memStore) MaxOpenTime(ctx context.Context, seriesID int64) (int64, bool, error) {
	var max int64
	for t := range s.candles[seriesID] {
		if t > max {
			max = t
		}
	}
	return max, max != 0, nil
}

type memBatch struct {
	candles []models.Candle
	rows    []models.IndicatorRow
	states  []models.SeriesState
}

func (b *memBatch) UpsertCandles(ctx context.Context, candles []models.Candle) error {
	b.candles = append(b.candles, candles...)
	return nil
}

func (b *memBatch) UpsertIndicators(ctx context.Context, rows []models.IndicatorRow) error {
	b.rows = append(b.rows, rows...)
	return nil
}

func (b *memBatch) UpsertSeriesState(ctx context.Context, state models.SeriesState) error {
	b.states = append(b.states, state)
	return nil
}

func (b *memBatch) DeleteRange(ctx context.Context, seriesID, startMs, endMs int64) error {
	return nil
}

func (s *memStore) Tx(ctx context.Context, dryRun bool, fn func(storage.Batch) error) error {
	b := &memBatch{}
	if err := fn(b); err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	for _, c := range b.candles {
		if s.candles[c.SeriesID] == nil {
			s.candles[c.SeriesID] = make(map[int64]models.Candle)
		}
		s.candles[c.SeriesID][c.OpenTime] = c
	}
	for _, r := range b.rows {
		if s.rows[r.SeriesID] == nil {
			s.rows[r.SeriesID] = make(map[int64]models.IndicatorRow)
		}
		s.rows[r.SeriesID][r.OpenTime] = r
	}
	for _, st := range b.states {
		s.states[st.SeriesID] = st
	}
	return nil
}

// fakeFetcher serves one deterministic bar per hour slot in [firstMs, lastMs].
type fakeFetcher struct {
	ms       int64
	firstMs  int64
	lastMs   int64
	requests []binance.KlinesRequest
}

func (f *fakeFetcher) GetKlines(ctx context.Context, req binance.KlinesRequest) ([]binance.Kline, error) {
	f.requests = append(f.requests, req)
	limit := req.Limit
	if limit <= 0 {
		limit = binance.MaxKlineLimit
	}
	start := req.StartMs
	if rem := ((start % f.ms) + f.ms) % f.ms; rem != 0 {
		start += f.ms - rem
	}
	var out []binance.Kline
	for t := start; t <= req.EndMs && len(out) < limit; t += f.ms {
		if t < f.firstMs || t > f.lastMs {
			continue
		}
		out = append(out, f.klineAt(t))
	}
	return out, nil
}

func (f *fakeFetcher) klineAt(t int64) binance.Kline {
	i := t / f.ms
	c := 100 + 5*math.Sin(float64(i)/30)
	v := 1000 + float64(i%7)
	return binance.Kline{
		OpenTime:            t,
		Open:                c - 0.2,
		High:                c + 0.5,
		Low:                 c - 0.7,
		Close:               c,
		Volume:              v,
		CloseTime:           t + f.ms - 1,
		QuoteAssetVolume:    c * v,
		Trades:              40 + i%5,
		TakerBuyBaseVolume:  v / 2,
		TakerBuyQuoteVolume: c * v / 2,
	}
}

// seedSeries loads the store with candles for bars [0, n) except the skipped
// offsets, plus the indicator battery computed over what is present.
func seedSeries(s *memStore, f *fakeFetcher, seriesID, n int64, skip map[int64]bool) {
	s.ids["BTCUSDT/1h"] = seriesID
	s.candles[seriesID] = make(map[int64]models.Candle)
	s.rows[seriesID] = make(map[int64]models.IndicatorRow)

	var present []models.Candle
	for i := int64(0); i < n; i++ {
		if skip[i] {
			continue
		}
		c := f.klineAt(t0 + i*hourMs).ToCandle(seriesID)
		s.candles[seriesID][c.OpenTime] = c
		present = append(present, c)
	}
	for _, row := range indicator.Compute(present) {
		row.SeriesID = seriesID
		s.rows[seriesID][row.OpenTime] = row
	}
}

func TestRepairRestoresContinuity(t *testing.T) {
	f := &fakeFetcher{ms: hourMs, firstMs: t0, lastMs: t0 + 1199*hourMs}
	s := newMemStore()
	seedSeries(s, f, 3, 1200, map[int64]bool{400: true, 401: true, 402: true})
	require.Len(t, s.candles[3], 1197)

	ing := ingest.NewEngine(f, s, testLogger())
	eng := NewEngine(ing, s, testLogger())

	summaries, err := eng.Run(context.Background(), []string{"BTCUSDT"}, []string{"1h"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	sum := summaries[0]
	assert.Equal(t, 1, sum.GapsRepaired)
	assert.Equal(t, 3, sum.CandlesWritten)
	assert.Equal(t, 803, sum.IndicatorRows)
	assert.Zero(t, sum.SpansRepaired)
	assert.Zero(t, sum.GapsRemaining)
	assert.Zero(t, sum.NullRowsRemaining)
	assert.Len(t, f.requests, 3)

	times, err := s.OpenTimes(context.Background(), 3, 0, math.MaxInt64)
	require.NoError(t, err)
	require.Len(t, times, 1200)

	// The backfilled bars carry exchange values and warm indicators.
	assert.Equal(t, f.klineAt(t0+401*hourMs).ToCandle(3), s.candles[3][t0+401*hourMs])
	row := s.rows[3][t0+401*hourMs]
	assert.NotNil(t, row.EMA200)
	assert.NotNil(t, row.RSI14)

	// A second run finds nothing to do and never reaches the exchange.
	before := len(f.requests)
	summaries, err = eng.Run(context.Background(), []string{"BTCUSDT"}, []string{"1h"})
	require.NoError(t, err)
	assert.Zero(t, summaries[0].GapsRepaired)
	assert.Zero(t, summaries[0].CandlesWritten)
	assert.Len(t, f.requests, before)
}

func TestRepairRecomputesNullSpanWithoutCandleWrites(t *testing.T) {
	f := &fakeFetcher{ms: hourMs, firstMs: t0, lastMs: t0 + 1199*hourMs}
	s := newMemStore()
	seedSeries(s, f, 3, 1200, nil)

	// Blank the battery for five bars past warm-up.
	for i := int64(600); i <= 604; i++ {
		ts := t0 + i*hourMs
		s.rows[3][ts] = models.IndicatorRow{SeriesID: 3, OpenTime: ts}
	}

	ing := ingest.NewEngine(f, s, testLogger())
	eng := NewEngine(ing, s, testLogger())

	summaries, err := eng.Run(context.Background(), []string{"BTCUSDT"}, []string{"1h"})
	require.NoError(t, err)

	sum := summaries[0]
	assert.Zero(t, sum.GapsRepaired)
	assert.Equal(t, 1, sum.SpansRepaired)
	assert.Zero(t, sum.CandlesWritten)
	assert.Zero(t, sum.NullRowsRemaining)
	assert.Zero(t, sum.GapsRemaining)

	require.Len(t, s.candles[3], 1200)
	for i := int64(600); i <= 604; i++ {
		row := s.rows[3][t0+i*hourMs]
		assert.False(t, row.AllNull(), "bar %d still null", i)
	}
}
