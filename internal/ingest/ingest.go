// Package ingest drives candle collection. The engine pages closed klines
// from the exchange, recomputes the indicator battery over an overlap window
// of prior bars so values at the cursor emerge fully warmed, and persists
// candles and indicators together in one transaction per chunk. Repair reuses
// the same inner loop with narrower write windows.
package ingest

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-kline-pipeline/internal/binance"
	apperrors "github.com/johnayoung/go-kline-pipeline/internal/errors"
	"github.com/johnayoung/go-kline-pipeline/internal/indicator"
	"github.com/johnayoung/go-kline-pipeline/internal/interval"
	"github.com/johnayoung/go-kline-pipeline/internal/models"
	"github.com/johnayoung/go-kline-pipeline/internal/storage"
)

// OverlapBars is how many prior bars are refetched ahead of the cursor. At
// 600 bars every kernel in the battery, EMA200 included, has forgotten the
// chunk boundary to well below reporting precision.
const OverlapBars = 600

// Fetcher is the slice of the exchange client the engine needs.
type Fetcher interface {
	GetKlines(ctx context.Context, req binance.KlinesRequest) ([]binance.Kline, error)
}

// Store is the slice of the storage layer the engine needs.
type Store interface {
	EnsureSymbol(ctx context.Context, symbol, baseAsset, quoteAsset string) (int64, error)
	EnsureInterval(ctx context.Context, code string, intervalMs int64) (int64, error)
	EnsureSeries(ctx context.Context, symbolID, intervalID int64) (int64, error)
	MaxOpenTime(ctx context.Context, seriesID int64) (int64, bool, error)
	Tx(ctx context.Context, dryRun bool, fn func(storage.Batch) error) error
}

// Engine orchestrates bootstrap and update runs.
type Engine struct {
	fetcher Fetcher
	store   Store
	logger  *slog.Logger

	// now is replaceable in tests to pin the closed-bar horizon.
	now func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(fetcher Fetcher, store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		fetcher: fetcher,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// Request selects the series and window for a bootstrap or update run.
type Request struct {
	// Symbols and Intervals are crossed to form the series list, processed
	// in the given order.
	Symbols   []string
	Intervals []string

	// StartMs is the configured history start (bootstrap.startDate).
	StartMs int64

	// DryRun rolls back every chunk transaction after running it.
	DryRun bool
}

// SeriesResult summarizes one series within a run.
type SeriesResult struct {
	Symbol         string `json:"symbol"`
	Interval       string `json:"interval"`
	SeriesID       int64  `json:"series_id"`
	Chunks         int    `json:"chunks"`
	CandlesWritten int    `json:"candles_written"`
	IndicatorRows  int    `json:"indicator_rows"`
	FirstWrittenMs int64  `json:"first_written_ms,omitempty"`
	LastWrittenMs  int64  `json:"last_written_ms,omitempty"`
}

// RunResult summarizes a whole run.
type RunResult struct {
	RunID  string         `json:"run_id"`
	Mode   string         `json:"mode"`
	DryRun bool           `json:"dry_run"`
	Series []SeriesResult `json:"series"`
}

// Bootstrap backfills every configured series from the configured start date
// up to the last closed bar.
func (e *Engine) Bootstrap(ctx context.Context, req Request) (*RunResult, error) {
	return e.run(ctx, "bootstrap", req, false)
}

// Update resumes every configured series from OverlapBars before its stored
// high-water mark, recomputing the overlap tail under upsert semantics.
func (e *Engine) Update(ctx context.Context, req Request) (*RunResult, error) {
	return e.run(ctx, "update", req, true)
}

func (e *Engine) run(ctx context.Context, mode string, req Request, resume bool) (*RunResult, error) {
	runID := uuid.NewString()
	result := &RunResult{RunID: runID, Mode: mode, DryRun: req.DryRun}

	e.logger.Info("starting ingest run",
		"mode", mode,
		"run_id", runID,
		"symbols", req.Symbols,
		"intervals", req.Intervals,
		"dry_run", req.DryRun)

	for _, symbol := range req.Symbols {
		for _, code := range req.Intervals {
			sr, err := e.runSeries(ctx, runID, symbol, code, req.StartMs, req.DryRun, resume)
			result.Series = append(result.Series, sr)
			if err != nil {
				e.logger.Error("series ingest failed",
					"symbol", symbol,
					"interval", code,
					"run_id", runID,
					"error", err)
				return result, err
			}
			e.logger.Info("series ingested",
				"symbol", symbol,
				"interval", code,
				"chunks", sr.Chunks,
				"candles_written", sr.CandlesWritten,
				"indicator_rows", sr.IndicatorRows)
		}
	}
	return result, nil
}

func (e *Engine) runSeries(ctx context.Context, runID, symbol, code string, startMs int64, dryRun, resume bool) (SeriesResult, error) {
	sr := SeriesResult{Symbol: symbol, Interval: code}

	ms, err := interval.Ms(code)
	if err != nil {
		return sr, apperrors.NewConfigError("ingest", err)
	}

	base, quote := splitSymbol(symbol)
	symbolID, err := e.store.EnsureSymbol(ctx, symbol, base, quote)
	if err != nil {
		return sr, err
	}
	intervalID, err := e.store.EnsureInterval(ctx, code, ms)
	if err != nil {
		return sr, err
	}
	seriesID, err := e.store.EnsureSeries(ctx, symbolID, intervalID)
	if err != nil {
		return sr, err
	}
	sr.SeriesID = seriesID

	cursor := startMs
	if resume {
		maxOpen, ok, err := e.store.MaxOpenTime(ctx, seriesID)
		if err != nil {
			return sr, err
		}
		if ok {
			if resumeStart := maxOpen - OverlapBars*ms; resumeStart > cursor {
				cursor = resumeStart
			}
		}
	}

	endClosed := interval.Floor(e.now().UnixMilli(), ms) - 1
	stats, err := e.IngestRange(ctx, seriesID, symbol, code, Window{
		StartMs:       cursor,
		EndMs:         endClosed,
		CandleFrom:    math.MinInt64,
		CandleTo:      math.MaxInt64,
		IndicatorFrom: math.MinInt64,
		WriteCandles:  true,
		DryRun:        dryRun,
		RunID:         runID,
	})
	sr.Chunks = stats.Chunks
	sr.CandlesWritten = stats.CandlesWritten
	sr.IndicatorRows = stats.IndicatorRows
	sr.FirstWrittenMs = stats.FirstWrittenMs
	sr.LastWrittenMs = stats.LastWrittenMs
	return sr, err
}

// Window bounds one run of the inner ingest loop. The loop always persists
// only bars at or after the advancing cursor; CandleFrom/CandleTo and
// IndicatorFrom add static constraints on top, which repair uses to confine
// writes to a defect window while still feeding the kernels the full overlap.
type Window struct {
	// StartMs is the cursor origin; the overlap never reaches before it.
	StartMs int64

	// EndMs is the inclusive upper bound on fetched open times. Callers pass
	// the last closed bar horizon or a clamped repair window end.
	EndMs int64

	// CandleFrom and CandleTo bound persisted candles.
	CandleFrom int64
	CandleTo   int64

	// IndicatorFrom bounds persisted indicator rows from below.
	IndicatorFrom int64

	// WriteCandles disables candle persistence when false (null-span repair
	// rewrites indicator rows only).
	WriteCandles bool

	// DryRun rolls back each chunk transaction.
	DryRun bool

	// RunID, when set, maintains series_state inside each chunk transaction.
	RunID string
}

// RangeStats counts what one window run persisted.
type RangeStats struct {
	Chunks         int
	CandlesWritten int
	IndicatorRows  int
	FirstWrittenMs int64
	LastWrittenMs  int64
}

// IngestRange runs the chunked fetch/compute/write loop over the window.
//
// Each iteration fetches up to one API page starting OverlapBars before the
// cursor, computes the full indicator battery over everything fetched, and
// persists the filtered write set in one transaction. The cursor advances by
// the number of fetched bars at or after it (at least one bar), so the loop
// terminates even on empty pages.
func (e *Engine) IngestRange(ctx context.Context, seriesID int64, symbol, code string, w Window) (RangeStats, error) {
	var stats RangeStats

	ms, err := interval.Ms(code)
	if err != nil {
		return stats, apperrors.NewConfigError("ingest", err)
	}

	// Never reach past the last closed bar, whatever the caller's window.
	if endClosed := interval.Floor(e.now().UnixMilli(), ms) - 1; w.EndMs > endClosed {
		w.EndMs = endClosed
	}

	cursor := w.StartMs
	for cursor <= w.EndMs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		fetchEnd := cursor + ms*(binance.MaxKlineLimit-1)
		if fetchEnd > w.EndMs {
			fetchEnd = w.EndMs
		}
		overlapStart := cursor - OverlapBars*ms
		if overlapStart < w.StartMs {
			overlapStart = w.StartMs
		}

		klines, err := e.fetcher.GetKlines(ctx, binance.KlinesRequest{
			Symbol:   symbol,
			Interval: code,
			StartMs:  overlapStart,
			EndMs:    fetchEnd,
			Limit:    binance.MaxKlineLimit,
		})
		if err != nil {
			return stats, err
		}
		if len(klines) == 0 {
			cursor += ms
			continue
		}

		// Only closed bars may be stored; drop anything past the horizon in
		// case the server's clock runs ahead of ours.
		candles := make([]models.Candle, 0, len(klines))
		for _, k := range klines {
			if k.OpenTime > w.EndMs {
				continue
			}
			candles = append(candles, k.ToCandle(seriesID))
		}
		if len(candles) == 0 {
			cursor += ms
			continue
		}

		indRows := indicator.Compute(candles)

		var writeCandles []models.Candle
		var writeInd []models.IndicatorRow
		writeSet := 0
		for i, c := range candles {
			if c.OpenTime < cursor {
				continue
			}
			writeSet++
			if w.WriteCandles && c.OpenTime >= w.CandleFrom && c.OpenTime <= w.CandleTo {
				writeCandles = append(writeCandles, c)
			}
			if c.OpenTime >= w.IndicatorFrom {
				row := indRows[i]
				row.SeriesID = seriesID
				writeInd = append(writeInd, row)
			}
		}

		advance := int64(writeSet)
		if advance < 1 {
			advance = 1
		}

		if len(writeCandles) > 0 || len(writeInd) > 0 {
			err := e.store.Tx(ctx, w.DryRun, func(b storage.Batch) error {
				if err := b.UpsertCandles(ctx, writeCandles); err != nil {
					return err
				}
				if err := b.UpsertIndicators(ctx, writeInd); err != nil {
					return err
				}
				if w.RunID != "" && len(writeCandles) > 0 {
					return b.UpsertSeriesState(ctx, models.SeriesState{
						SeriesID:      seriesID,
						LastOpenTime:  writeCandles[len(writeCandles)-1].OpenTime,
						LastUpdatedAt: e.now().UTC(),
						LastRunID:     w.RunID,
					})
				}
				return nil
			})
			if err != nil {
				return stats, err
			}

			stats.Chunks++
			stats.CandlesWritten += len(writeCandles)
			stats.IndicatorRows += len(writeInd)
			if len(writeCandles) > 0 {
				if stats.FirstWrittenMs == 0 {
					stats.FirstWrittenMs = writeCandles[0].OpenTime
				}
				stats.LastWrittenMs = writeCandles[len(writeCandles)-1].OpenTime
			}

			e.logger.Debug("chunk persisted",
				"symbol", symbol,
				"interval", code,
				"cursor", cursor,
				"candles", len(writeCandles),
				"indicator_rows", len(writeInd),
				"dry_run", w.DryRun)
		}

		cursor += advance * ms
	}

	return stats, nil
}

// knownQuoteAssets lists quote currencies recognized when splitting a symbol
// into base and quote, longest first so e.g. FDUSD wins over USD-suffixed
// look-alikes.
var knownQuoteAssets = []string{
	"FDUSD", "USDT", "USDC", "TUSD", "BUSD", "USDP",
	"DAI", "BTC", "ETH", "BNB", "EUR", "GBP", "TRY", "BRL", "JPY",
}

// splitSymbol derives base and quote assets from a concatenated symbol.
// Unrecognized quotes leave the whole symbol as the base with an empty quote.
func splitSymbol(symbol string) (base, quote string) {
	for _, q := range knownQuoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, ""
}
