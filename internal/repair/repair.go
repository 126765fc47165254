// Package repair closes the defects verify reports. Missing bar ranges are
// backfilled through the ingest loop with candle writes confined to the gap
// window, and all-null indicator spans are recomputed in place without
// touching candles. Windows registered as known gaps are left alone.
package repair

import (
	"context"
	"errors"
	"log/slog"
	"math"

	apperrors "github.com/johnayoung/go-kline-pipeline/internal/errors"
	"github.com/johnayoung/go-kline-pipeline/internal/indicator"
	"github.com/johnayoung/go-kline-pipeline/internal/ingest"
	"github.com/johnayoung/go-kline-pipeline/internal/interval"
	"github.com/johnayoung/go-kline-pipeline/internal/models"
	"github.com/johnayoung/go-kline-pipeline/internal/storage"
	"github.com/johnayoung/go-kline-pipeline/internal/verify"
)

// Store is the slice of the storage layer the repair engine reads from. All
// writing happens through the ingester.
type Store interface {
	SeriesID(ctx context.Context, symbol, interval string) (int64, error)
	OpenTimes(ctx context.Context, seriesID, startMs, endMs int64) ([]int64, error)
	AllNullIndicatorTimes(ctx context.Context, seriesID, fromMs int64) ([]int64, error)
	CountAllNullIndicators(ctx context.Context, seriesID, fromMs int64) (int64, error)
	KnownGaps(ctx context.Context, seriesID int64) ([]models.KnownGap, error)
}

// Ingester runs the chunked fetch/compute/write loop over a window.
type Ingester interface {
	IngestRange(ctx context.Context, seriesID int64, symbol, code string, w ingest.Window) (ingest.RangeStats, error)
}

// Engine orchestrates gap backfill and null-span recomputation.
type Engine struct {
	ingester Ingester
	store    Store
	logger   *slog.Logger
}

// NewEngine creates a repair Engine.
func NewEngine(ingester Ingester, store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ingester: ingester, store: store, logger: logger}
}

// SeriesSummary is the repair outcome for one series. The remaining counts
// are recomputed after all repairs ran.
type SeriesSummary struct {
	Symbol            string `json:"symbol"`
	Interval          string `json:"interval"`
	SeriesEmpty       bool   `json:"series_empty"`
	GapsRepaired      int    `json:"gaps_repaired"`
	SpansRepaired     int    `json:"spans_repaired"`
	CandlesWritten    int    `json:"candles_written"`
	IndicatorRows     int    `json:"indicator_rows"`
	GapsRemaining     int    `json:"gaps_remaining"`
	NullRowsRemaining int64  `json:"null_indicator_rows_remaining"`
}

// Run repairs every configured series in order and returns one summary per
// series.
func (e *Engine) Run(ctx context.Context, symbols, intervals []string) ([]SeriesSummary, error) {
	var summaries []SeriesSummary
	for _, symbol := range symbols {
		for _, code := range intervals {
			summary, err := e.repairSeries(ctx, symbol, code)
			summaries = append(summaries, summary)
			if err != nil {
				e.logger.Error("series repair failed",
					"symbol", symbol,
					"interval", code,
					"error", err)
				return summaries, err
			}
		}
	}
	return summaries, nil
}

func (e *Engine) repairSeries(ctx context.Context, symbol, code string) (SeriesSummary, error) {
	summary := SeriesSummary{Symbol: symbol, Interval: code}

	ms, err := interval.Ms(code)
	if err != nil {
		return summary, apperrors.NewConfigError("repair", err)
	}

	seriesID, err := e.store.SeriesID(ctx, symbol, code)
	if errors.Is(err, storage.ErrNotFound) {
		summary.SeriesEmpty = true
		return summary, nil
	}
	if err != nil {
		return summary, err
	}

	times, err := e.store.OpenTimes(ctx, seriesID, 0, math.MaxInt64)
	if err != nil {
		return summary, err
	}
	if len(times) == 0 {
		summary.SeriesEmpty = true
		return summary, nil
	}
	first := times[0]

	known, err := e.store.KnownGaps(ctx, seriesID)
	if err != nil {
		return summary, err
	}

	gaps := verify.SuppressKnown(verify.DetectGaps(times, ms), known)
	for _, g := range gaps {
		stats, err := e.ingester.IngestRange(ctx, seriesID, symbol, code, ingest.Window{
			StartMs:       g.StartMissing - ingest.OverlapBars*ms,
			EndMs:         g.EndMissing + ingest.OverlapBars*ms,
			CandleFrom:    g.StartMissing,
			CandleTo:      g.EndMissing,
			IndicatorFrom: g.StartMissing,
			WriteCandles:  true,
		})
		if err != nil {
			return summary, err
		}
		summary.GapsRepaired++
		summary.CandlesWritten += stats.CandlesWritten
		summary.IndicatorRows += stats.IndicatorRows
		e.logger.Info("gap backfilled",
			"symbol", symbol,
			"interval", code,
			"start_missing", g.StartMissing,
			"end_missing", g.EndMissing,
			"missing_bars", g.MissingBars,
			"candles_written", stats.CandlesWritten)
	}

	warmEnd := first + indicator.WarmupBars*ms
	nullTimes, err := e.store.AllNullIndicatorTimes(ctx, seriesID, warmEnd+1)
	if err != nil {
		return summary, err
	}
	for _, span := range verify.MergeNullSpans(nullTimes, ms) {
		stats, err := e.ingester.IngestRange(ctx, seriesID, symbol, code, ingest.Window{
			StartMs:       span.Start - ingest.OverlapBars*ms,
			EndMs:         span.End + ingest.OverlapBars*ms,
			IndicatorFrom: span.Start,
			WriteCandles:  false,
		})
		if err != nil {
			return summary, err
		}
		summary.SpansRepaired++
		summary.IndicatorRows += stats.IndicatorRows
		e.logger.Info("null span recomputed",
			"symbol", symbol,
			"interval", code,
			"span_start", span.Start,
			"span_end", span.End,
			"bars", span.Bars,
			"indicator_rows", stats.IndicatorRows)
	}

	timesAfter, err := e.store.OpenTimes(ctx, seriesID, 0, math.MaxInt64)
	if err != nil {
		return summary, err
	}
	summary.GapsRemaining = len(verify.SuppressKnown(verify.DetectGaps(timesAfter, ms), known))
	if len(timesAfter) > 0 {
		remaining, err := e.store.CountAllNullIndicators(ctx, seriesID, timesAfter[0]+indicator.WarmupBars*ms+1)
		if err != nil {
			return summary, err
		}
		summary.NullRowsRemaining = remaining
	}

	e.logger.Info("series repaired",
		"symbol", symbol,
		"interval", code,
		"gaps_repaired", summary.GapsRepaired,
		"spans_repaired", summary.SpansRepaired,
		"gaps_remaining", summary.GapsRemaining,
		"null_rows_remaining", summary.NullRowsRemaining)
	return summary, nil
}
