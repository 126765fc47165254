// Package interval defines the canonical candle interval codes supported by
// the pipeline and their millisecond durations. Every boundary that accepts an
// interval string (config validation, the exchange client, the storage layer)
// resolves it through this table; unknown codes are rejected.
package interval

import (
	"fmt"
	"strings"
)

const (
	msSecond = int64(1000)
	msMinute = 60 * msSecond
	msHour   = 60 * msMinute
	msDay    = 24 * msHour
	msWeek   = 7 * msDay
)

// durations maps each supported interval code to its duration in milliseconds.
var durations = map[string]int64{
	"1m":  msMinute,
	"3m":  3 * msMinute,
	"5m":  5 * msMinute,
	"15m": 15 * msMinute,
	"30m": 30 * msMinute,
	"1h":  msHour,
	"2h":  2 * msHour,
	"4h":  4 * msHour,
	"6h":  6 * msHour,
	"8h":  8 * msHour,
	"12h": 12 * msHour,
	"1d":  msDay,
	"3d":  3 * msDay,
	"1w":  msWeek,
}

// codes lists the supported interval codes in ascending duration order.
// Used for error messages and Supported().
var codes = []string{
	"1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w",
}

// Ms returns the duration in milliseconds for a supported interval code.
// Unknown codes are an error.
func Ms(code string) (int64, error) {
	ms, ok := durations[code]
	if !ok {
		return 0, fmt.Errorf("unsupported interval %q (supported: %s)", code, strings.Join(codes, ", "))
	}
	return ms, nil
}

// IsSupported reports whether code is one of the canonical interval codes.
func IsSupported(code string) bool {
	_, ok := durations[code]
	return ok
}

// Supported returns a copy of the canonical interval codes in ascending
// duration order.
func Supported() []string {
	out := make([]string, len(codes))
	copy(out, codes)
	return out
}

// Floor truncates a millisecond timestamp down to the left edge of the bar
// containing it: floor(ts/step)*step. step must be positive; all steps in this
// pipeline come from the validated interval table, so a non-positive step is
// a programming error and panics.
func Floor(ts, step int64) int64 {
	if step <= 0 {
		panic(fmt.Sprintf("interval: non-positive step %d", step))
	}
	q := ts / step
	if ts%step != 0 && ts < 0 {
		q--
	}
	return q * step
}

// Approx renders an approximate human-readable duration such as "45m",
// "2d4h" or "1w2d". At most the two most significant non-zero units are
// shown; durations under a second render as milliseconds.
func Approx(ms int64) string {
	if ms <= 0 {
		return "0s"
	}
	units := []struct {
		suffix string
		ms     int64
	}{
		{"w", msWeek},
		{"d", msDay},
		{"h", msHour},
		{"m", msMinute},
		{"s", msSecond},
	}
	var b strings.Builder
	shown := 0
	for _, u := range units {
		if shown == 2 {
			break
		}
		if n := ms / u.ms; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.suffix)
			ms -= n * u.ms
			shown++
		}
	}
	if shown == 0 {
		return fmt.Sprintf("%dms", ms)
	}
	return b.String()
}
