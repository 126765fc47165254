// Package storage defines the persistence layer for candle series, indicator
// rows, and pipeline bookkeeping. The interfaces are deliberately narrow so
// consumers (ingest, verify, repair, the query command) depend only on the
// operations they actually use, and so tests can substitute small fakes.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/johnayoung/go-kline-pipeline/internal/models"
)

// ErrNotFound is wrapped by lookups that found no matching row.
var ErrNotFound = errors.New("not found")

// SeriesResolver registers and resolves the reference rows a series hangs off.
// Ensure methods are upserts: they return the existing row's id when the
// unique key already exists.
type SeriesResolver interface {
	// EnsureSymbol upserts a trading symbol and returns its id.
	EnsureSymbol(ctx context.Context, symbol, baseAsset, quoteAsset string) (int64, error)

	// EnsureInterval upserts an interval code and returns its id. The stored
	// millisecond width is always overwritten with the supplied value.
	EnsureInterval(ctx context.Context, code string, intervalMs int64) (int64, error)

	// EnsureSeries upserts the (symbol, interval) pair and returns the series id.
	EnsureSeries(ctx context.Context, symbolID, intervalID int64) (int64, error)

	// SeriesID resolves an existing series by symbol and interval code.
	// Returns an error wrapping ErrNotFound when the series was never created.
	SeriesID(ctx context.Context, symbol, interval string) (int64, error)
}

// CandleReader retrieves stored candles.
type CandleReader interface {
	// MaxOpenTime returns the newest open_time for a series. The boolean is
	// false when the series holds no candles.
	MaxOpenTime(ctx context.Context, seriesID int64) (int64, bool, error)

	// OpenTimes returns all candle open times in [startMs, endMs], ascending.
	OpenTimes(ctx context.Context, seriesID, startMs, endMs int64) ([]int64, error)

	// QueryJoined returns candles joined with their indicator rows, newest
	// first. Missing indicator rows surface as all-nil pointers.
	QueryJoined(ctx context.Context, req QueryRequest) ([]models.CandleWithIndicators, error)
}

// IndicatorReader inspects stored indicator rows.
type IndicatorReader interface {
	// AllNullIndicatorTimes returns open times at or after fromMs whose
	// indicator row has every column NULL, ascending.
	AllNullIndicatorTimes(ctx context.Context, seriesID, fromMs int64) ([]int64, error)

	// CountAllNullIndicators counts rows at or after fromMs with every
	// indicator column NULL.
	CountAllNullIndicators(ctx context.Context, seriesID, fromMs int64) (int64, error)
}

// GapRegistry tracks ranges operators have acknowledged as permanently
// missing upstream, such as exchange outages. Verify and repair consult the
// registry instead of re-reporting or re-fetching those ranges.
type GapRegistry interface {
	// KnownGaps returns the registered gaps for a series ordered by start time.
	KnownGaps(ctx context.Context, seriesID int64) ([]models.KnownGap, error)

	// AddKnownGap validates and stores a gap, assigning an id and creation
	// time when absent, and returns the stored record.
	AddKnownGap(ctx context.Context, gap models.KnownGap) (models.KnownGap, error)
}

// StateReader reads per-series ingest bookkeeping.
type StateReader interface {
	// SeriesState returns the recorded state for a series, or nil when the
	// series has never completed an ingest run.
	SeriesState(ctx context.Context, seriesID int64) (*models.SeriesState, error)
}

// Batch groups the writes available inside a transaction. All methods operate
// on the transaction opened by Transactor.Tx and commit or roll back together.
type Batch interface {
	// UpsertCandles inserts candles, replacing any existing row with the same
	// (series_id, open_time).
	UpsertCandles(ctx context.Context, candles []models.Candle) error

	// UpsertIndicators inserts indicator rows, replacing existing rows with
	// the same (series_id, open_time).
	UpsertIndicators(ctx context.Context, rows []models.IndicatorRow) error

	// UpsertSeriesState records the ingest high-water mark for a series.
	UpsertSeriesState(ctx context.Context, state models.SeriesState) error

	// DeleteRange removes candles and indicator rows with open_time in
	// [startMs, endMs].
	DeleteRange(ctx context.Context, seriesID, startMs, endMs int64) error
}

// Transactor runs write batches transactionally.
type Transactor interface {
	// Tx opens an immediate-mode transaction, runs fn against it, and commits.
	// Any error from fn rolls the transaction back and is returned unchanged.
	// With dryRun set the transaction is rolled back even on success, so fn
	// observes a consistent view while the database stays untouched.
	Tx(ctx context.Context, dryRun bool, fn func(Batch) error) error
}

// Maintainer covers lifecycle and health operations.
type Maintainer interface {
	// Initialize creates the schema. Safe to call repeatedly.
	Initialize(ctx context.Context) error

	// IntegrityCheck runs the engine's integrity check and returns its
	// verbatim output ("ok" on a healthy database).
	IntegrityCheck(ctx context.Context) (string, error)

	// Close releases the underlying database handle.
	Close() error
}

// Store combines every storage capability. *SQLiteStorage is the production
// implementation.
type Store interface {
	SeriesResolver
	CandleReader
	IndicatorReader
	GapRegistry
	StateReader
	Transactor
	Maintainer
}

// QueryRequest selects joined candle rows for one series.
type QueryRequest struct {
	// Symbol is the trading symbol, e.g. "BTCUSDT".
	Symbol string

	// Interval is the interval code, e.g. "1h".
	Interval string

	// StartMs bounds open_time from below when positive.
	StartMs int64

	// EndMs bounds open_time from above when positive.
	EndMs int64

	// Limit caps the number of rows returned (0 = no limit).
	Limit int
}

// StorageError carries the operation and table context of a failed storage
// call so callers can log something more useful than the bare driver error.
type StorageError struct {
	// Operation is the storage operation that failed (e.g. "insert", "query").
	Operation string

	// Table is the table involved, when known.
	Table string

	// Query is the SQL text, when useful for diagnosis.
	Query string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError with full context.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for read operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}

// NewUpdateError creates a StorageError for update operations.
func NewUpdateError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "update",
		Table:     table,
		Err:       err,
	}
}

// NewDeleteError creates a StorageError for delete operations.
func NewDeleteError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "delete",
		Table:     table,
		Err:       err,
	}
}
