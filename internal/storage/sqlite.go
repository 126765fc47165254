package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/johnayoung/go-kline-pipeline/internal/models"
)

// SQLiteStorage implements Store on an embedded SQLite database. The
// connection string pins the pragmas the pipeline depends on: WAL journaling,
// NORMAL synchronous, foreign keys, and a 5 second busy timeout. Transactions
// start in immediate mode so writers take the lock up front instead of
// failing at the first write.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

var _ Store = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (or creates) the database at dbPath. The schema is
// not created until Initialize is called.
func NewSQLiteStorage(dbPath string, logger *slog.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open sqlite database: %w", err))
	}

	// Single writer: SQLite serializes writes anyway, and one connection
	// keeps the immediate-mode transactions from contending with readers
	// in the same process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}, nil
}

func dsn(dbPath string) string {
	return "file:" + dbPath +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
}

// indicatorColumns is the canonical column order for indicator rows. Queries
// and inserts are built from this list so the order is stated exactly once.
var indicatorColumns = []string{
	"ema50", "ema200", "rsi14", "atr14", "adx14",
	"vol_ma20", "macd", "macd_signal", "macd_hist",
	"bb_sma20", "bb_upper", "bb_lower",
	"pct_return_1", "log_return_1",
}

var schema = []struct {
	table string
	ddl   string
}{
	{"symbols", `CREATE TABLE IF NOT EXISTS symbols (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL UNIQUE,
		base_asset TEXT NOT NULL,
		quote_asset TEXT NOT NULL
	)`},
	{"intervals", `CREATE TABLE IF NOT EXISTS intervals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		ms INTEGER NOT NULL CHECK (ms > 0)
	)`},
	{"series", `CREATE TABLE IF NOT EXISTS series (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol_id INTEGER NOT NULL REFERENCES symbols(id),
		interval_id INTEGER NOT NULL REFERENCES intervals(id),
		UNIQUE (symbol_id, interval_id)
	)`},
	{"candles", `CREATE TABLE IF NOT EXISTS candles (
		series_id INTEGER NOT NULL REFERENCES series(id),
		open_time INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		quote_asset_volume REAL NOT NULL DEFAULT 0,
		trades INTEGER NOT NULL DEFAULT 0,
		taker_buy_base_volume REAL NOT NULL DEFAULT 0,
		taker_buy_quote_volume REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (series_id, open_time)
	)`},
	{"indicators", `CREATE TABLE IF NOT EXISTS indicators (
		series_id INTEGER NOT NULL REFERENCES series(id),
		open_time INTEGER NOT NULL,
		ema50 REAL, ema200 REAL, rsi14 REAL, atr14 REAL, adx14 REAL,
		vol_ma20 REAL, macd REAL, macd_signal REAL, macd_hist REAL,
		bb_sma20 REAL, bb_upper REAL, bb_lower REAL,
		pct_return_1 REAL, log_return_1 REAL,
		PRIMARY KEY (series_id, open_time)
	)`},
	{"series_state", `CREATE TABLE IF NOT EXISTS series_state (
		series_id INTEGER PRIMARY KEY REFERENCES series(id),
		last_open_time INTEGER NOT NULL,
		last_updated_at INTEGER NOT NULL,
		last_run_id TEXT NOT NULL
	)`},
	{"known_gaps", `CREATE TABLE IF NOT EXISTS known_gaps (
		id TEXT PRIMARY KEY,
		series_id INTEGER NOT NULL REFERENCES series(id),
		start_open_time INTEGER NOT NULL,
		end_open_time INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		CHECK (end_open_time >= start_open_time)
	)`},
}

var schemaIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_known_gaps_series ON known_gaps (series_id, start_open_time)",
}

// Initialize implements Maintainer.Initialize. Creates tables and indexes,
// idempotently.
func (s *SQLiteStorage) Initialize(ctx context.Context) error {
	s.logger.Info("initializing sqlite storage", "db_path", s.dbPath)

	for _, t := range schema {
		if _, err := s.db.ExecContext(ctx, t.ddl); err != nil {
			return NewStorageError("initialize", t.table, t.ddl, fmt.Errorf("failed to create table: %w", err))
		}
	}
	for _, idx := range schemaIndexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return NewStorageError("initialize", "", idx, fmt.Errorf("failed to create index: %w", err))
		}
	}

	return nil
}

// Close implements Maintainer.Close.
func (s *SQLiteStorage) Close() error {
	if err := s.db.Close(); err != nil {
		return NewStorageError("close", "", "", err)
	}
	return nil
}

// IntegrityCheck implements Maintainer.IntegrityCheck. Returns the verbatim
// output of PRAGMA integrity_check, joining multiple findings with "; ".
func (s *SQLiteStorage) IntegrityCheck(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return "", NewStorageError("integrity_check", "", "", err)
	}
	defer rows.Close()

	var findings []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", NewStorageError("integrity_check", "", "", err)
		}
		findings = append(findings, line)
	}
	if err := rows.Err(); err != nil {
		return "", NewStorageError("integrity_check", "", "", err)
	}

	return strings.Join(findings, "; "), nil
}

// EnsureSymbol implements SeriesResolver.EnsureSymbol.
func (s *SQLiteStorage) EnsureSymbol(ctx context.Context, symbol, baseAsset, quoteAsset string) (int64, error) {
	const query = `INSERT INTO symbols (symbol, base_asset, quote_asset) VALUES (?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET base_asset = excluded.base_asset, quote_asset = excluded.quote_asset
		RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, symbol, baseAsset, quoteAsset).Scan(&id); err != nil {
		return 0, NewInsertError("symbols", fmt.Errorf("ensure symbol %s: %w", symbol, err))
	}
	return id, nil
}

// EnsureInterval implements SeriesResolver.EnsureInterval. The millisecond
// width is overwritten unconditionally so a corrected width propagates to
// existing databases.
func (s *SQLiteStorage) EnsureInterval(ctx context.Context, code string, intervalMs int64) (int64, error) {
	const query = `INSERT INTO intervals (code, ms) VALUES (?, ?)
		ON CONFLICT (code) DO UPDATE SET ms = excluded.ms
		RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, code, intervalMs).Scan(&id); err != nil {
		return 0, NewInsertError("intervals", fmt.Errorf("ensure interval %s: %w", code, err))
	}
	return id, nil
}

// EnsureSeries implements SeriesResolver.EnsureSeries.
func (s *SQLiteStorage) EnsureSeries(ctx context.Context, symbolID, intervalID int64) (int64, error) {
	// The conflict branch is a no-op update so RETURNING still yields the
	// existing row's id.
	const query = `INSERT INTO series (symbol_id, interval_id) VALUES (?, ?)
		ON CONFLICT (symbol_id, interval_id) DO UPDATE SET symbol_id = excluded.symbol_id
		RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, symbolID, intervalID).Scan(&id); err != nil {
		return 0, NewInsertError("series", fmt.Errorf("ensure series (%d, %d): %w", symbolID, intervalID, err))
	}
	return id, nil
}

// SeriesID implements SeriesResolver.SeriesID.
func (s *SQLiteStorage) SeriesID(ctx context.Context, symbol, interval string) (int64, error) {
	const query = `SELECT s.id FROM series s
		JOIN symbols sym ON sym.id = s.symbol_id
		JOIN intervals iv ON iv.id = s.interval_id
		WHERE sym.symbol = ? AND iv.code = ?`

	var id int64
	err := s.db.QueryRowContext(ctx, query, symbol, interval).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, NewQueryError("series", query, fmt.Errorf("series %s %s: %w", symbol, interval, ErrNotFound))
	}
	if err != nil {
		return 0, NewQueryError("series", query, err)
	}
	return id, nil
}

// MaxOpenTime implements CandleReader.MaxOpenTime.
func (s *SQLiteStorage) MaxOpenTime(ctx context.Context, seriesID int64) (int64, bool, error) {
	const query = `SELECT MAX(open_time) FROM candles WHERE series_id = ?`

	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, seriesID).Scan(&max); err != nil {
		return 0, false, NewQueryError("candles", query, err)
	}
	return max.Int64, max.Valid, nil
}

// OpenTimes implements CandleReader.OpenTimes.
func (s *SQLiteStorage) OpenTimes(ctx context.Context, seriesID, startMs, endMs int64) ([]int64, error) {
	const query = `SELECT open_time FROM candles
		WHERE series_id = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC`

	rows, err := s.db.QueryContext(ctx, query, seriesID, startMs, endMs)
	if err != nil {
		return nil, NewQueryError("candles", query, err)
	}
	defer rows.Close()

	var times []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, NewQueryError("candles", query, err)
		}
		times = append(times, t)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("candles", query, err)
	}
	return times, nil
}

// allNullWhere matches indicator rows whose every column is NULL.
var allNullWhere = strings.Join(indicatorColumns, " IS NULL AND ") + " IS NULL"

// AllNullIndicatorTimes implements IndicatorReader.AllNullIndicatorTimes.
func (s *SQLiteStorage) AllNullIndicatorTimes(ctx context.Context, seriesID, fromMs int64) ([]int64, error) {
	query := `SELECT open_time FROM indicators
		WHERE series_id = ? AND open_time >= ? AND ` + allNullWhere + `
		ORDER BY open_time ASC`

	rows, err := s.db.QueryContext(ctx, query, seriesID, fromMs)
	if err != nil {
		return nil, NewQueryError("indicators", query, err)
	}
	defer rows.Close()

	var times []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, NewQueryError("indicators", query, err)
		}
		times = append(times, t)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("indicators", query, err)
	}
	return times, nil
}

// CountAllNullIndicators implements IndicatorReader.CountAllNullIndicators.
func (s *SQLiteStorage) CountAllNullIndicators(ctx context.Context, seriesID, fromMs int64) (int64, error) {
	query := `SELECT COUNT(*) FROM indicators
		WHERE series_id = ? AND open_time >= ? AND ` + allNullWhere

	var n int64
	if err := s.db.QueryRowContext(ctx, query, seriesID, fromMs).Scan(&n); err != nil {
		return 0, NewQueryError("indicators", query, err)
	}
	return n, nil
}

// KnownGaps implements GapRegistry.KnownGaps.
func (s *SQLiteStorage) KnownGaps(ctx context.Context, seriesID int64) ([]models.KnownGap, error) {
	const query = `SELECT id, series_id, start_open_time, end_open_time, note, created_at
		FROM known_gaps WHERE series_id = ? ORDER BY start_open_time ASC`

	rows, err := s.db.QueryContext(ctx, query, seriesID)
	if err != nil {
		return nil, NewQueryError("known_gaps", query, err)
	}
	defer rows.Close()

	var gaps []models.KnownGap
	for rows.Next() {
		var g models.KnownGap
		var createdMs int64
		if err := rows.Scan(&g.ID, &g.SeriesID, &g.StartOpenTime, &g.EndOpenTime, &g.Note, &createdMs); err != nil {
			return nil, NewQueryError("known_gaps", query, err)
		}
		g.CreatedAt = time.UnixMilli(createdMs).UTC()
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("known_gaps", query, err)
	}
	return gaps, nil
}

// AddKnownGap implements GapRegistry.AddKnownGap.
func (s *SQLiteStorage) AddKnownGap(ctx context.Context, gap models.KnownGap) (models.KnownGap, error) {
	if gap.ID == "" {
		gap.ID = uuid.NewString()
	}
	if gap.CreatedAt.IsZero() {
		gap.CreatedAt = time.Now().UTC()
	}
	if err := gap.Validate(); err != nil {
		return models.KnownGap{}, NewInsertError("known_gaps", err)
	}

	const query = `INSERT INTO known_gaps (id, series_id, start_open_time, end_open_time, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		gap.ID, gap.SeriesID, gap.StartOpenTime, gap.EndOpenTime, gap.Note, gap.CreatedAt.UnixMilli())
	if err != nil {
		return models.KnownGap{}, NewInsertError("known_gaps", err)
	}
	return gap, nil
}

// SeriesState implements StateReader.SeriesState.
func (s *SQLiteStorage) SeriesState(ctx context.Context, seriesID int64) (*models.SeriesState, error) {
	const query = `SELECT series_id, last_open_time, last_updated_at, last_run_id
		FROM series_state WHERE series_id = ?`

	var st models.SeriesState
	var updatedMs int64
	err := s.db.QueryRowContext(ctx, query, seriesID).Scan(&st.SeriesID, &st.LastOpenTime, &updatedMs, &st.LastRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("series_state", query, err)
	}
	st.LastUpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &st, nil
}

// QueryJoined implements CandleReader.QueryJoined.
func (s *SQLiteStorage) QueryJoined(ctx context.Context, req QueryRequest) ([]models.CandleWithIndicators, error) {
	query, args := buildJoinedQuery(req)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("candles", query, err)
	}
	defer rows.Close()

	var out []models.CandleWithIndicators
	for rows.Next() {
		var r models.CandleWithIndicators
		var ind [14]sql.NullFloat64
		dests := []any{
			&r.Symbol, &r.Interval, &r.OpenTime,
			&r.Open, &r.High, &r.Low, &r.Close, &r.Volume,
			&r.QuoteAssetVolume, &r.Trades, &r.TakerBuyBaseVolume, &r.TakerBuyQuoteVolume,
		}
		for i := range ind {
			dests = append(dests, &ind[i])
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, NewQueryError("candles", query, err)
		}
		r.EMA50 = nullFloat(ind[0])
		r.EMA200 = nullFloat(ind[1])
		r.RSI14 = nullFloat(ind[2])
		r.ATR14 = nullFloat(ind[3])
		r.ADX14 = nullFloat(ind[4])
		r.VolMA20 = nullFloat(ind[5])
		r.MACD = nullFloat(ind[6])
		r.MACDSignal = nullFloat(ind[7])
		r.MACDHist = nullFloat(ind[8])
		r.BBSMA20 = nullFloat(ind[9])
		r.BBUpper = nullFloat(ind[10])
		r.BBLower = nullFloat(ind[11])
		r.PctReturn1 = nullFloat(ind[12])
		r.LogReturn1 = nullFloat(ind[13])
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("candles", query, err)
	}
	return out, nil
}

func buildJoinedQuery(req QueryRequest) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT sym.symbol, iv.code, c.open_time,
		c.open, c.high, c.low, c.close, c.volume,
		c.quote_asset_volume, c.trades, c.taker_buy_base_volume, c.taker_buy_quote_volume`)
	for _, col := range indicatorColumns {
		b.WriteString(", i.")
		b.WriteString(col)
	}
	b.WriteString(` FROM candles c
		JOIN series s ON s.id = c.series_id
		JOIN symbols sym ON sym.id = s.symbol_id
		JOIN intervals iv ON iv.id = s.interval_id
		LEFT JOIN indicators i ON i.series_id = c.series_id AND i.open_time = c.open_time
		WHERE sym.symbol = ? AND iv.code = ?`)

	args := []any{req.Symbol, req.Interval}
	if req.StartMs > 0 {
		b.WriteString(" AND c.open_time >= ?")
		args = append(args, req.StartMs)
	}
	if req.EndMs > 0 {
		b.WriteString(" AND c.open_time <= ?")
		args = append(args, req.EndMs)
	}
	b.WriteString(" ORDER BY c.open_time DESC")
	if req.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, req.Limit)
	}
	return b.String(), args
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// Tx implements Transactor.Tx.
func (s *SQLiteStorage) Tx(ctx context.Context, dryRun bool, fn func(Batch) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError("begin", "", "", err)
	}

	if err := fn(&sqliteBatch{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("transaction rollback failed", "error", rbErr)
		}
		return err
	}

	if dryRun {
		s.logger.Debug("dry run: rolling back transaction")
		if err := tx.Rollback(); err != nil {
			return NewStorageError("rollback", "", "", err)
		}
		return nil
	}

	if err := tx.Commit(); err != nil {
		return NewStorageError("commit", "", "", err)
	}
	return nil
}

// sqliteBatch implements Batch on an open transaction.
type sqliteBatch struct {
	tx *sql.Tx
}

var _ Batch = (*sqliteBatch)(nil)

// UpsertCandles implements Batch.UpsertCandles.
func (b *sqliteBatch) UpsertCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return NewInsertError("candles", fmt.Errorf("invalid candle at index %d: %w", i, err))
		}
	}

	const query = `INSERT INTO candles (
			series_id, open_time, open, high, low, close, volume,
			quote_asset_volume, trades, taker_buy_base_volume, taker_buy_quote_volume
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (series_id, open_time) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume,
			quote_asset_volume = excluded.quote_asset_volume, trades = excluded.trades,
			taker_buy_base_volume = excluded.taker_buy_base_volume,
			taker_buy_quote_volume = excluded.taker_buy_quote_volume`

	stmt, err := b.tx.PrepareContext(ctx, query)
	if err != nil {
		return NewInsertError("candles", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.SeriesID, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume,
			c.QuoteAssetVolume, c.Trades, c.TakerBuyBaseVolume, c.TakerBuyQuoteVolume,
		); err != nil {
			return NewInsertError("candles", fmt.Errorf("upsert candle %s: %w", c.String(), err))
		}
	}
	return nil
}

// UpsertIndicators implements Batch.UpsertIndicators.
func (b *sqliteBatch) UpsertIndicators(ctx context.Context, rows []models.IndicatorRow) error {
	if len(rows) == 0 {
		return nil
	}

	var assigns []string
	for _, col := range indicatorColumns {
		assigns = append(assigns, col+" = excluded."+col)
	}
	query := `INSERT INTO indicators (series_id, open_time, ` +
		strings.Join(indicatorColumns, ", ") +
		`) VALUES (?, ?` + strings.Repeat(", ?", len(indicatorColumns)) + `)
		ON CONFLICT (series_id, open_time) DO UPDATE SET ` +
		strings.Join(assigns, ", ")

	stmt, err := b.tx.PrepareContext(ctx, query)
	if err != nil {
		return NewInsertError("indicators", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.SeriesID, r.OpenTime,
			r.EMA50, r.EMA200, r.RSI14, r.ATR14, r.ADX14,
			r.VolMA20, r.MACD, r.MACDSignal, r.MACDHist,
			r.BBSMA20, r.BBUpper, r.BBLower,
			r.PctReturn1, r.LogReturn1,
		); err != nil {
			return NewInsertError("indicators", fmt.Errorf("upsert indicators at %d: %w", r.OpenTime, err))
		}
	}
	return nil
}

// UpsertSeriesState implements Batch.UpsertSeriesState.
func (b *sqliteBatch) UpsertSeriesState(ctx context.Context, state models.SeriesState) error {
	const query = `INSERT INTO series_state (series_id, last_open_time, last_updated_at, last_run_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (series_id) DO UPDATE SET
			last_open_time = excluded.last_open_time,
			last_updated_at = excluded.last_updated_at,
			last_run_id = excluded.last_run_id`

	if _, err := b.tx.ExecContext(ctx, query,
		state.SeriesID, state.LastOpenTime, state.LastUpdatedAt.UnixMilli(), state.LastRunID,
	); err != nil {
		return NewUpdateError("series_state", err)
	}
	return nil
}

// DeleteRange implements Batch.DeleteRange.
func (b *sqliteBatch) DeleteRange(ctx context.Context, seriesID, startMs, endMs int64) error {
	const delIndicators = `DELETE FROM indicators WHERE series_id = ? AND open_time >= ? AND open_time <= ?`
	const delCandles = `DELETE FROM candles WHERE series_id = ? AND open_time >= ? AND open_time <= ?`

	if _, err := b.tx.ExecContext(ctx, delIndicators, seriesID, startMs, endMs); err != nil {
		return NewDeleteError("indicators", err)
	}
	if _, err := b.tx.ExecContext(ctx, delCandles, seriesID, startMs, endMs); err != nil {
		return NewDeleteError("candles", err)
	}
	return nil
}
