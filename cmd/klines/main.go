// klines maintains a local SQLite database of Binance spot OHLCV candles and
// a fixed technical-indicator battery, deterministically derived from the
// candles.
//
// Usage:
//
//	klines bootstrap --config ./config/default.json
//	klines update --dry-run
//	klines verify
//	klines repair
//	klines query --symbol BTCUSDT --interval 1h --limit 50
//	klines known-gaps add --symbol BTCUSDT --interval 1h --start 2024-03-01 --end 2024-03-02 --note "listing halt"
//
// For detailed help on any command, use: klines <command> --help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/johnayoung/go-kline-pipeline/internal/binance"
	"github.com/johnayoung/go-kline-pipeline/internal/config"
	apperrors "github.com/johnayoung/go-kline-pipeline/internal/errors"
	"github.com/johnayoung/go-kline-pipeline/internal/ingest"
	"github.com/johnayoung/go-kline-pipeline/internal/interval"
	"github.com/johnayoung/go-kline-pipeline/internal/logger"
	"github.com/johnayoung/go-kline-pipeline/internal/models"
	"github.com/johnayoung/go-kline-pipeline/internal/repair"
	"github.com/johnayoung/go-kline-pipeline/internal/storage"
	"github.com/johnayoung/go-kline-pipeline/internal/verify"
)

const (
	appName           = "klines"
	version           = "1.0.0"
	defaultConfigPath = "./config/default.json"
)

// Exit codes.
const (
	exitSuccess     = 0
	exitUsageError  = 1
	exitConfigError = 2
	exitIngestError = 3
	exitDataError   = 4
	exitInterrupt   = 130
)

// cli bundles the components every command shares.
type cli struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *storage.SQLiteStorage
	engine *ingest.Engine
}

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		printUsage()
		return exitUsageError
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", appName, version)
		return exitSuccess
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return exitSuccess
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch command {
	case "bootstrap":
		err = handleBootstrap(ctx, args)
	case "update":
		err = handleUpdate(ctx, args)
	case "verify":
		err = handleVerify(ctx, args)
	case "repair":
		err = handleRepair(ctx, args)
	case "query":
		err = handleQuery(ctx, args)
	case "known-gaps":
		err = handleKnownGaps(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		return exitUsageError
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitSuccess
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var storageErr *storage.StorageError
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, context.Canceled):
		return exitInterrupt
	case apperrors.IsConfig(err):
		return exitConfigError
	case apperrors.IsTransient(err) || apperrors.IsPermanent(err):
		return exitIngestError
	case errors.As(err, &storageErr):
		return exitDataError
	default:
		return exitUsageError
	}
}

// newCLI loads configuration and wires the storage, exchange client, and
// ingest engine. Callers must close the result.
func newCLI(ctx context.Context, configPath string) (*cli, error) {
	cfg, err := config.Load(configPath, logger.New(logger.Options{Level: "info"}))
	if err != nil {
		return nil, err
	}

	log := logger.New(logger.Options{Level: cfg.LogLevel, FilePath: cfg.LogFile})

	store, err := storage.NewSQLiteStorage(cfg.DBPath, logger.ForComponent(log, "storage"))
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	client := binance.NewClient(binance.Config{
		BaseURL:           cfg.BaseURL,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		MaxConcurrent:     cfg.RateLimit.MaxConcurrent,
		RetryBase:         cfg.RetryBase(),
		RetryMax:          cfg.RetryMax(),
		MaxRetries:        cfg.RateLimit.Retry.MaxRetries,
		Timeout:           cfg.HTTPTimeout(),
		Logger:            logger.ForComponent(log, "binance"),
	})

	return &cli{
		cfg:    cfg,
		logger: log,
		store:  store,
		engine: ingest.NewEngine(client, store, logger.ForComponent(log, "ingest")),
	}, nil
}

func (c *cli) close() {
	if err := c.store.Close(); err != nil {
		c.logger.Warn("closing storage failed", "error", err)
	}
}

// handleBootstrap backfills every configured series from the configured start
// date.
func handleBootstrap(ctx context.Context, args []string) error {
	flags, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("bootstrap")
		return nil
	}

	c, err := newCLI(ctx, flags.ConfigPath)
	if err != nil {
		return err
	}
	defer c.close()

	result, err := c.engine.Bootstrap(ctx, ingest.Request{
		Symbols:   c.cfg.Symbols,
		Intervals: c.cfg.Intervals,
		StartMs:   c.cfg.StartMs,
		DryRun:    flags.DryRun,
	})
	if result != nil {
		printJSON(result)
	}
	return err
}

// handleUpdate resumes every configured series from its stored high-water
// mark.
func handleUpdate(ctx context.Context, args []string) error {
	flags, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("update")
		return nil
	}

	c, err := newCLI(ctx, flags.ConfigPath)
	if err != nil {
		return err
	}
	defer c.close()

	result, err := c.engine.Update(ctx, ingest.Request{
		Symbols:   c.cfg.Symbols,
		Intervals: c.cfg.Intervals,
		StartMs:   c.cfg.StartMs,
		DryRun:    flags.DryRun,
	})
	if result != nil {
		printJSON(result)
	}
	return err
}

// handleVerify reports gaps and all-null indicator spans without writing
// anything. Findings are report content, not errors.
func handleVerify(ctx context.Context, args []string) error {
	flags, err := parseReportFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("verify")
		return nil
	}

	c, err := newCLI(ctx, flags.ConfigPath)
	if err != nil {
		return err
	}
	defer c.close()

	verifier := verify.NewVerifier(c.store, logger.ForComponent(c.logger, "verify"))
	reports, err := verifier.Run(ctx, c.cfg.Symbols, c.cfg.Intervals)
	if reports != nil {
		printJSON(reports)
	}
	return err
}

// handleRepair backfills detected gaps and recomputes all-null indicator
// spans, then reports what remains.
func handleRepair(ctx context.Context, args []string) error {
	flags, err := parseReportFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("repair")
		return nil
	}

	c, err := newCLI(ctx, flags.ConfigPath)
	if err != nil {
		return err
	}
	defer c.close()

	engine := repair.NewEngine(c.engine, c.store, logger.ForComponent(c.logger, "repair"))
	summaries, err := engine.Run(ctx, c.cfg.Symbols, c.cfg.Intervals)
	if summaries != nil {
		printJSON(summaries)
	}
	return err
}

// handleQuery prints stored rows for one series, newest first, one JSON
// object per line.
func handleQuery(ctx context.Context, args []string) error {
	flags, err := parseQueryFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("query")
		return nil
	}
	if flags.Symbol == "" {
		return fmt.Errorf("--symbol is required")
	}
	if flags.Interval == "" {
		return fmt.Errorf("--interval is required")
	}

	c, err := newCLI(ctx, flags.ConfigPath)
	if err != nil {
		return err
	}
	defer c.close()

	rows, err := c.store.QueryJoined(ctx, storage.QueryRequest{
		Symbol:   strings.ToUpper(flags.Symbol),
		Interval: flags.Interval,
		Limit:    flags.Limit,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// handleKnownGaps administers the known-gap registry.
func handleKnownGaps(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("known-gaps requires a subcommand: add or list")
	}

	switch args[0] {
	case "add":
		return handleKnownGapsAdd(ctx, args[1:])
	case "list":
		return handleKnownGapsList(ctx, args[1:])
	case "--help", "-h":
		printCommandHelp("known-gaps")
		return nil
	default:
		return fmt.Errorf("unknown known-gaps subcommand %q", args[0])
	}
}

func handleKnownGapsAdd(ctx context.Context, args []string) error {
	flags, err := parseKnownGapsFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("known-gaps")
		return nil
	}
	if flags.Symbol == "" {
		return fmt.Errorf("--symbol is required")
	}
	if flags.Interval == "" {
		return fmt.Errorf("--interval is required")
	}
	if flags.Start == "" || flags.End == "" {
		return fmt.Errorf("--start and --end are required")
	}

	startMs, err := parseTimeFlag(flags.Start)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	endMs, err := parseTimeFlag(flags.End)
	if err != nil {
		return fmt.Errorf("--end: %w", err)
	}

	ms, err := interval.Ms(flags.Interval)
	if err != nil {
		return apperrors.NewConfigError("known_gaps_add", err)
	}

	c, err := newCLI(ctx, flags.ConfigPath)
	if err != nil {
		return err
	}
	defer c.close()

	seriesID, err := c.store.SeriesID(ctx, strings.ToUpper(flags.Symbol), flags.Interval)
	if err != nil {
		return err
	}

	// Bounds snap to bar boundaries so coverage checks compare like with like.
	gap, err := c.store.AddKnownGap(ctx, models.KnownGap{
		SeriesID:      seriesID,
		StartOpenTime: interval.Floor(startMs, ms),
		EndOpenTime:   interval.Floor(endMs, ms),
		Note:          flags.Note,
	})
	if err != nil {
		return err
	}
	printJSON(gap)
	return nil
}

func handleKnownGapsList(ctx context.Context, args []string) error {
	flags, err := parseKnownGapsFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("known-gaps")
		return nil
	}
	if flags.Symbol == "" {
		return fmt.Errorf("--symbol is required")
	}
	if flags.Interval == "" {
		return fmt.Errorf("--interval is required")
	}

	c, err := newCLI(ctx, flags.ConfigPath)
	if err != nil {
		return err
	}
	defer c.close()

	seriesID, err := c.store.SeriesID(ctx, strings.ToUpper(flags.Symbol), flags.Interval)
	if err != nil {
		return err
	}

	gaps, err := c.store.KnownGaps(ctx, seriesID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for i := range gaps {
		if err := enc.Encode(&gaps[i]); err != nil {
			return err
		}
	}
	return nil
}

// Flag structures and parsing. Flags follow the --flag value convention.

// runFlags covers bootstrap and update.
type runFlags struct {
	ConfigPath string
	DryRun     bool
	Help       bool
}

// reportFlags covers verify and repair.
type reportFlags struct {
	ConfigPath string
	Help       bool
}

type queryFlags struct {
	ConfigPath string
	Symbol     string
	Interval   string
	Limit      int
	Help       bool
}

type knownGapsFlags struct {
	ConfigPath string
	Symbol     string
	Interval   string
	Start      string
	End        string
	Note       string
	Help       bool
}

func parseRunFlags(args []string) (*runFlags, error) {
	flags := &runFlags{ConfigPath: defaultConfigPath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--dry-run":
			flags.DryRun = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

func parseReportFlags(args []string) (*reportFlags, error) {
	flags := &reportFlags{ConfigPath: defaultConfigPath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

func parseQueryFlags(args []string) (*queryFlags, error) {
	flags := &queryFlags{
		ConfigPath: defaultConfigPath,
		Limit:      50,
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--symbol", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbol requires a value")
			}
			flags.Symbol = args[i+1]
			i++
		case "--interval", "-i":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--interval requires a value")
			}
			flags.Interval = args[i+1]
			i++
		case "--limit", "-l":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--limit requires a value")
			}
			limit, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid limit value: %w", err)
			}
			flags.Limit = limit
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

func parseKnownGapsFlags(args []string) (*knownGapsFlags, error) {
	flags := &knownGapsFlags{ConfigPath: defaultConfigPath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--symbol", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbol requires a value")
			}
			flags.Symbol = args[i+1]
			i++
		case "--interval", "-i":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--interval requires a value")
			}
			flags.Interval = args[i+1]
			i++
		case "--start":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--start requires a value")
			}
			flags.Start = args[i+1]
			i++
		case "--end":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--end requires a value")
			}
			flags.End = args[i+1]
			i++
		case "--note":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--note requires a value")
			}
			flags.Note = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseTimeFlag accepts RFC3339 or a bare date taken as UTC midnight and
// returns epoch milliseconds.
func parseTimeFlag(s string) (int64, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().UnixMilli(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid time %q (want RFC3339 or YYYY-MM-DD)", s)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// printUsage prints the main usage information.
func printUsage() {
	fmt.Printf(`%s - Binance OHLCV and indicator pipeline v%s

USAGE:
    %s <command> [options]

COMMANDS:
    bootstrap   Backfill configured series from the configured start date
    update      Resume configured series from their stored high-water marks
    verify      Report missing bars and all-null indicator spans (read-only)
    repair      Backfill gaps and recompute broken indicator spans
    query       Print stored candles with indicators, newest first
    known-gaps  Record or list windows known to have no market data

GLOBAL OPTIONS:
    --config, -c <path>  Configuration file (default: %s)
    --help, -h           Show help information
    --version, -v        Show version information

EXAMPLES:
    # Backfill everything the config names
    %s bootstrap

    # Preview an update without writing
    %s update --dry-run

    # Inspect, then fix
    %s verify
    %s repair

    # Read the newest 50 rows of one series
    %s query --symbol BTCUSDT --interval 1h

CONFIGURATION:
    JSON file selected by --config. Environment overrides:
    KLINES_DB_PATH, KLINES_LOG_LEVEL, KLINES_LOG_FILE,
    KLINES_BASE_URL, KLINES_START_DATE.

For detailed help on any command, use: %s <command> --help
`, appName, version, appName, defaultConfigPath, appName, appName, appName, appName, appName, appName)
}

// printCommandHelp prints detailed help for a specific command.
func printCommandHelp(command string) {
	switch command {
	case "bootstrap":
		fmt.Printf(`%s bootstrap - Backfill configured series

USAGE:
    %s bootstrap [options]

OPTIONS:
    --config, -c <path>  Configuration file (default: %s)
    --dry-run            Run every chunk, then roll its transaction back
    --help, -h           Show this help message

NOTES:
    - Series and the start date come from the configuration file
    - Only closed bars are fetched; the current bar is never stored
    - Safe to re-run: chunks are upserts inside one transaction each
`, appName, appName, defaultConfigPath)

	case "update":
		fmt.Printf(`%s update - Extend series to the last closed bar

USAGE:
    %s update [options]

OPTIONS:
    --config, -c <path>  Configuration file (default: %s)
    --dry-run            Run every chunk, then roll its transaction back
    --help, -h           Show this help message

NOTES:
    - Resumes from each series' stored high-water mark
    - Refetches a tail of prior bars so indicator values stay warm
    - An empty series behaves exactly like bootstrap
`, appName, appName, defaultConfigPath)

	case "verify":
		fmt.Printf(`%s verify - Inspect stored series for defects

USAGE:
    %s verify [options]

OPTIONS:
    --config, -c <path>  Configuration file (default: %s)
    --help, -h           Show this help message

NOTES:
    - Read-only; prints one JSON report per configured series
    - Reports missing bar ranges and all-null indicator spans
    - Windows recorded via known-gaps are not reported
`, appName, appName, defaultConfigPath)

	case "repair":
		fmt.Printf(`%s repair - Fix the defects verify reports

USAGE:
    %s repair [options]

OPTIONS:
    --config, -c <path>  Configuration file (default: %s)
    --help, -h           Show this help message

NOTES:
    - Backfills missing bars and recomputes broken indicator spans
    - Known gaps are skipped
    - Prints remaining gap and null-row counts per series afterwards
`, appName, appName, defaultConfigPath)

	case "query":
		fmt.Printf(`%s query - Print stored rows for one series

USAGE:
    %s query --symbol <symbol> --interval <interval> [options]

OPTIONS:
    --config, -c <path>      Configuration file (default: %s)
    --symbol, -s <symbol>    Symbol to read, e.g. BTCUSDT (required)
    --interval, -i <code>    Interval code, e.g. 1h (required)
    --limit, -l <n>          Maximum rows, newest first (default: 50, 0 = all)
    --help, -h               Show this help message

OUTPUT:
    One JSON object per line: the candle joined with its indicator battery.
    Indicators that were not warm at that bar are null.
`, appName, appName, defaultConfigPath)

	case "known-gaps":
		fmt.Printf(`%s known-gaps - Administer the known-gap registry

USAGE:
    %s known-gaps add --symbol <symbol> --interval <code> --start <time> --end <time> [--note <text>]
    %s known-gaps list --symbol <symbol> --interval <code>

OPTIONS:
    --config, -c <path>      Configuration file (default: %s)
    --symbol, -s <symbol>    Symbol, e.g. BTCUSDT (required)
    --interval, -i <code>    Interval code, e.g. 1h (required)
    --start <time>           Window start, RFC3339 or YYYY-MM-DD (add)
    --end <time>             Window end, inclusive (add)
    --note <text>            Optional note (add)
    --help, -h               Show this help message

NOTES:
    - Bounds are floored to bar boundaries
    - verify suppresses findings fully covered by a known gap
    - repair leaves covered windows alone
`, appName, appName, appName, defaultConfigPath)

	default:
		fmt.Fprintf(os.Stderr, "No help available for command: %s\n", command)
		printUsage()
	}
}
