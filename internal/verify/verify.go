// Package verify inspects stored series for structural defects: missing bar
// ranges and bars whose entire indicator battery is null past warm-up. It is
// strictly read-only; repair consumes its findings.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"math"

	apperrors "github.com/johnayoung/go-kline-pipeline/internal/errors"
	"github.com/johnayoung/go-kline-pipeline/internal/indicator"
	"github.com/johnayoung/go-kline-pipeline/internal/interval"
	"github.com/johnayoung/go-kline-pipeline/internal/models"
	"github.com/johnayoung/go-kline-pipeline/internal/storage"
)

// sampleLimit caps how many gap and null-span samples a report carries.
const sampleLimit = 5

// Gap is a missing bar range: StartMissing and EndMissing are the open times
// of the first and last absent bars, both inclusive.
type Gap struct {
	StartMissing int64  `json:"start_missing"`
	EndMissing   int64  `json:"end_missing"`
	MissingBars  int64  `json:"missing_bars"`
	Duration     string `json:"duration"`
}

// NullSpan is a run of consecutive bars whose indicator rows are entirely
// null, outside the series warm-up prefix.
type NullSpan struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Bars     int64  `json:"bars"`
	Duration string `json:"duration"`
}

// SeriesReport is the verify outcome for one series. Integrity carries the
// store's own integrity check result verbatim.
type SeriesReport struct {
	Symbol          string     `json:"symbol"`
	Interval        string     `json:"interval"`
	SeriesEmpty     bool       `json:"series_empty"`
	Integrity       string     `json:"integrity"`
	FirstOpenTime   int64      `json:"first_open_time,omitempty"`
	LastOpenTime    int64      `json:"last_open_time,omitempty"`
	GapCount        int        `json:"gap_count"`
	GapsSuppressed  int        `json:"gaps_suppressed,omitempty"`
	GapSamples      []Gap      `json:"gap_samples,omitempty"`
	NullSpanCount   int        `json:"null_span_count"`
	NullSpanSamples []NullSpan `json:"null_span_samples,omitempty"`
}

// Store is the slice of the storage layer the verifier reads from.
type Store interface {
	SeriesID(ctx context.Context, symbol, interval string) (int64, error)
	OpenTimes(ctx context.Context, seriesID, startMs, endMs int64) ([]int64, error)
	AllNullIndicatorTimes(ctx context.Context, seriesID, fromMs int64) ([]int64, error)
	KnownGaps(ctx context.Context, seriesID int64) ([]models.KnownGap, error)
	IntegrityCheck(ctx context.Context) (string, error)
}

// Verifier runs read-only series inspections.
type Verifier struct {
	store  Store
	logger *slog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(store Store, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{store: store, logger: logger}
}

// Run verifies every configured series and returns one report per series. The
// store integrity check runs once and its result is stamped into each report.
func (v *Verifier) Run(ctx context.Context, symbols, intervals []string) ([]SeriesReport, error) {
	integrity, err := v.store.IntegrityCheck(ctx)
	if err != nil {
		return nil, err
	}

	var reports []SeriesReport
	for _, symbol := range symbols {
		for _, code := range intervals {
			report, err := v.verifySeries(ctx, symbol, code, integrity)
			if err != nil {
				return reports, err
			}
			reports = append(reports, report)
		}
	}
	return reports, nil
}

func (v *Verifier) verifySeries(ctx context.Context, symbol, code, integrity string) (SeriesReport, error) {
	report := SeriesReport{Symbol: symbol, Interval: code, Integrity: integrity}

	ms, err := interval.Ms(code)
	if err != nil {
		return report, apperrors.NewConfigError("verify", err)
	}

	seriesID, err := v.store.SeriesID(ctx, symbol, code)
	if errors.Is(err, storage.ErrNotFound) {
		report.SeriesEmpty = true
		return report, nil
	}
	if err != nil {
		return report, err
	}

	times, err := v.store.OpenTimes(ctx, seriesID, 0, math.MaxInt64)
	if err != nil {
		return report, err
	}
	if len(times) == 0 {
		report.SeriesEmpty = true
		return report, nil
	}
	report.FirstOpenTime = times[0]
	report.LastOpenTime = times[len(times)-1]

	gaps := DetectGaps(times, ms)
	if len(gaps) > 0 {
		known, err := v.store.KnownGaps(ctx, seriesID)
		if err != nil {
			return report, err
		}
		detected := len(gaps)
		gaps = SuppressKnown(gaps, known)
		report.GapsSuppressed = detected - len(gaps)
	}
	report.GapCount = len(gaps)
	if len(gaps) > sampleLimit {
		gaps = gaps[:sampleLimit]
	}
	report.GapSamples = gaps

	// Null rows inside the first WarmupBars bars are expected and skipped.
	cutoff := times[0] + indicator.WarmupBars*ms
	nullTimes, err := v.store.AllNullIndicatorTimes(ctx, seriesID, cutoff+1)
	if err != nil {
		return report, err
	}
	spans := MergeNullSpans(nullTimes, ms)
	report.NullSpanCount = len(spans)
	if len(spans) > sampleLimit {
		spans = spans[:sampleLimit]
	}
	report.NullSpanSamples = spans

	v.logger.Info("series verified",
		"symbol", symbol,
		"interval", code,
		"bars", len(times),
		"gaps", report.GapCount,
		"null_spans", report.NullSpanCount)
	return report, nil
}

// DetectGaps scans ascending open times pairwise and reports every hole wider
// than one interval step.
func DetectGaps(times []int64, ms int64) []Gap {
	var gaps []Gap
	for i := 1; i < len(times); i++ {
		delta := times[i] - times[i-1]
		if delta <= ms {
			continue
		}
		missing := delta/ms - 1
		gaps = append(gaps, Gap{
			StartMissing: times[i-1] + ms,
			EndMissing:   times[i] - ms,
			MissingBars:  missing,
			Duration:     interval.Approx(missing * ms),
		})
	}
	return gaps
}

// MergeNullSpans folds ascending all-null open times into maximal runs
// contiguous at the interval step.
func MergeNullSpans(times []int64, ms int64) []NullSpan {
	var spans []NullSpan
	for i := 0; i < len(times); {
		j := i
		for j+1 < len(times) && times[j+1]-times[j] == ms {
			j++
		}
		bars := int64(j-i) + 1
		spans = append(spans, NullSpan{
			Start:    times[i],
			End:      times[j],
			Bars:     bars,
			Duration: interval.Approx(bars * ms),
		})
		i = j + 1
	}
	return spans
}

// SuppressKnown drops gaps that lie entirely inside a registered known gap.
// Partially covered gaps are kept whole so the uncovered remainder still
// surfaces.
func SuppressKnown(gaps []Gap, known []models.KnownGap) []Gap {
	if len(known) == 0 {
		return gaps
	}
	var kept []Gap
	for _, g := range gaps {
		covered := false
		for i := range known {
			if known[i].Covers(g.StartMissing, g.EndMissing) {
				covered = true
				break
			}
		}
		if !covered {
			kept = append(kept, g)
		}
	}
	return kept
}
