// Package logger configures the process-wide structured logger. Records are
// JSON, one object per line, written to stdout and optionally duplicated into
// a rotating file so long backfills keep a local trail.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation bounds for the optional file sink.
const (
	fileMaxSizeMB  = 100
	fileMaxBackups = 5
	fileMaxAgeDays = 30
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error. Anything else means info.
	Level string

	// FilePath, when set, duplicates every record into a rotating file.
	FilePath string

	// Writer replaces the stdout sink. Tests use this to capture output.
	Writer io.Writer
}

// New builds the root logger. The time key is emitted as "ts" in RFC3339Nano
// and level names are upper case. Debug level adds source locations.
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stdout
	if opts.Writer != nil {
		w = opts.Writer
	}
	if opts.FilePath != "" {
		w = io.MultiWriter(w, newRotatingWriter(opts.FilePath))
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		AddSource:   strings.ToLower(opts.Level) == "debug",
		ReplaceAttr: replaceAttr,
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

// ForComponent tags a logger with the owning component name.
func ForComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// ParseLevel converts a configured level string to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Key = "ts"
			a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
		}
	case slog.LevelKey:
		if level, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(strings.ToUpper(level.String()))
		}
	}
	return a
}

// newRotatingWriter opens a lumberjack sink, creating the parent directory
// when needed. Lumberjack itself creates the file on first write.
func newRotatingWriter(path string) io.Writer {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    fileMaxSizeMB,
		MaxBackups: fileMaxBackups,
		MaxAge:     fileMaxAgeDays,
		Compress:   true,
	}
}
