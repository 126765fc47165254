// Package models provides the persisted entities of the pipeline: candles,
// indicator rows, known-gap registry entries and per-series state, together
// with their validation.
package models

import (
	"fmt"
	"math"
)

// Candle is one closed OHLCV bar of a series. OpenTime is the millisecond
// epoch of the bar's left edge and is always a multiple of the series
// interval. Prices and volumes are IEEE-754 doubles parsed from the exchange's
// decimal strings at the wire boundary.
type Candle struct {
	SeriesID            int64   `json:"-"`
	OpenTime            int64   `json:"open_time"`
	Open                float64 `json:"open"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
	Close               float64 `json:"close"`
	Volume              float64 `json:"volume"`
	QuoteAssetVolume    float64 `json:"quote_asset_volume"`
	Trades              int64   `json:"trades"`
	TakerBuyBaseVolume  float64 `json:"taker_buy_base_volume"`
	TakerBuyQuoteVolume float64 `json:"taker_buy_quote_volume"`
}

// ValidationError reports a candle field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the candle for internal consistency: positive finite
// prices, non-negative volumes and trade count, high >= max(open, close),
// low <= min(open, close), and a positive open time. The storage batch runs
// this on every candle before any row of the batch is written.
func (c *Candle) Validate() error {
	if c.OpenTime <= 0 {
		return &ValidationError{Field: "open_time", Message: "open time must be a positive millisecond epoch"}
	}

	prices := []struct {
		name  string
		value float64
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
	}
	for _, p := range prices {
		if math.IsNaN(p.value) || math.IsInf(p.value, 0) {
			return &ValidationError{Field: p.name, Message: "price must be finite"}
		}
		if p.value <= 0 {
			return &ValidationError{Field: p.name, Message: "price must be greater than 0"}
		}
	}

	volumes := []struct {
		name  string
		value float64
	}{
		{"volume", c.Volume},
		{"quote_asset_volume", c.QuoteAssetVolume},
		{"taker_buy_base_volume", c.TakerBuyBaseVolume},
		{"taker_buy_quote_volume", c.TakerBuyQuoteVolume},
	}
	for _, v := range volumes {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) || v.value < 0 {
			return &ValidationError{Field: v.name, Message: "volume must be finite and greater than or equal to 0"}
		}
	}

	if c.Trades < 0 {
		return &ValidationError{Field: "trades", Message: "trade count must be greater than or equal to 0"}
	}

	if c.High < math.Max(c.Open, c.Close) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high (%g) must be greater than or equal to max(open, close) (%g)", c.High, math.Max(c.Open, c.Close)),
		}
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low (%g) must be less than or equal to min(open, close) (%g)", c.Low, math.Min(c.Open, c.Close)),
		}
	}

	return nil
}

// String implements fmt.Stringer for log output.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{OpenTime: %d, O: %g, H: %g, L: %g, C: %g, V: %g}",
		c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume)
}
