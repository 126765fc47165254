// Package binance fetches closed klines from the Binance spot REST API.
//
// The client enforces two admission controls before every request: a
// concurrency gate bounding in-flight requests, then a token bucket sized to
// the configured requests-per-minute budget. Tokens are never refunded, so a
// failed request still counts against the budget. Transient failures (418,
// 429, 5xx, transport errors) are retried with exponential backoff and
// jitter; 429/418 responses with a Retry-After header sleep for exactly the
// advertised duration instead.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	apperrors "github.com/johnayoung/go-kline-pipeline/internal/errors"
	"github.com/johnayoung/go-kline-pipeline/internal/models"
)

const (
	// DefaultBaseURL is the Binance spot REST endpoint.
	DefaultBaseURL = "https://api.binance.com"

	// klinesPath is the closed-candle endpoint.
	klinesPath = "/api/v3/klines"

	// MaxKlineLimit is the largest page the klines endpoint serves.
	MaxKlineLimit = 1000

	// klineFieldCount is the arity of one kline tuple on the wire.
	klineFieldCount = 12

	userAgent = "go-kline-pipeline/1.0"

	// Fallbacks applied when the corresponding Config field is zero.
	defaultRequestsPerMinute = 1200
	defaultMaxConcurrent     = 1
	defaultTimeout           = 15 * time.Second
	defaultRetryBase         = 1 * time.Second
	defaultRetryMax          = 60 * time.Second
	defaultMaxRetries        = 5

	// retryJitter randomizes each backoff interval by plus or minus 25%.
	retryJitter     = 0.25
	retryMultiplier = 2.0
)

// Config carries the tunables for a Client. Zero values fall back to the
// package defaults.
type Config struct {
	BaseURL           string
	RequestsPerMinute int
	MaxConcurrent     int
	RetryBase         time.Duration
	RetryMax          time.Duration
	MaxRetries        int
	Timeout           time.Duration
	Logger            *slog.Logger
}

// Client is a rate-limited Binance klines client.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	gate       chan struct{}
	baseURL    string
	retryBase  time.Duration
	retryMax   time.Duration
	maxRetries int
	logger     *slog.Logger
}

// NewClient creates a configured Client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		// Bucket capacity equals the per-minute budget and refills at
		// budget/60 tokens per second.
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute),
		gate:       make(chan struct{}, cfg.MaxConcurrent),
		baseURL:    cfg.BaseURL,
		retryBase:  cfg.RetryBase,
		retryMax:   cfg.RetryMax,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
	}
}

// KlinesRequest selects one page of closed candles.
type KlinesRequest struct {
	// Symbol is the Binance symbol, e.g. "BTCUSDT".
	Symbol string

	// Interval is the kline interval code, e.g. "1h".
	Interval string

	// StartMs and EndMs bound open_time inclusively when positive.
	StartMs int64
	EndMs   int64

	// Limit caps the page size (defaults to MaxKlineLimit).
	Limit int
}

// Validate checks the request parameters.
func (r KlinesRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Interval == "" {
		return fmt.Errorf("interval is required")
	}
	if r.Limit < 0 || r.Limit > MaxKlineLimit {
		return fmt.Errorf("limit %d out of range [0, %d]", r.Limit, MaxKlineLimit)
	}
	if r.StartMs > 0 && r.EndMs > 0 && r.StartMs > r.EndMs {
		return fmt.Errorf("startMs %d after endMs %d", r.StartMs, r.EndMs)
	}
	return nil
}

// Kline is one decoded kline tuple.
type Kline struct {
	OpenTime            int64
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	CloseTime           int64
	QuoteAssetVolume    float64
	Trades              int64
	TakerBuyBaseVolume  float64
	TakerBuyQuoteVolume float64
}

// ToCandle converts the kline into a storage candle for the given series.
func (k Kline) ToCandle(seriesID int64) models.Candle {
	return models.Candle{
		SeriesID:            seriesID,
		OpenTime:            k.OpenTime,
		Open:                k.Open,
		High:                k.High,
		Low:                 k.Low,
		Close:               k.Close,
		Volume:              k.Volume,
		QuoteAssetVolume:    k.QuoteAssetVolume,
		Trades:              k.Trades,
		TakerBuyBaseVolume:  k.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: k.TakerBuyQuoteVolume,
	}
}

// GetKlines fetches one page of klines, retrying transient failures up to the
// configured attempt budget. Exhausted retries escalate the final transient
// error to a permanent one.
func (c *Client) GetKlines(ctx context.Context, req KlinesRequest) ([]Kline, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.NewPermanentHTTP("klines", 0, "", err)
	}

	fullURL := c.buildKlinesURL(req)
	c.logger.Debug("fetching klines",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"start_ms", req.StartMs,
		"end_ms", req.EndMs,
		"limit", req.Limit)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.MaxInterval = c.retryMax
	bo.Multiplier = retryMultiplier
	bo.RandomizationFactor = retryJitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 0; ; attempt++ {
		klines, err := c.doKlinesRequest(ctx, fullURL)
		if err == nil {
			c.logger.Debug("fetched klines", "symbol", req.Symbol, "interval", req.Interval, "count", len(klines))
			return klines, nil
		}
		if !apperrors.IsTransient(err) {
			return nil, err
		}
		if attempt >= c.maxRetries {
			return nil, apperrors.Escalate(err, attempt+1)
		}

		delay := c.nextDelay(bo, err)
		c.logger.Warn("retrying klines request",
			"symbol", req.Symbol,
			"interval", req.Interval,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// nextDelay picks the wait before the next attempt: the server's Retry-After
// when advertised, otherwise the next jittered backoff interval clamped to
// [retryBase, retryMax].
func (c *Client) nextDelay(bo *backoff.ExponentialBackOff, err error) time.Duration {
	var classified *apperrors.ClassifiedError
	if errors.As(err, &classified) && classified.RetryAfter > 0 {
		return classified.RetryAfter
	}

	delay := bo.NextBackOff()
	if delay == backoff.Stop || delay < c.retryBase {
		delay = c.retryBase
	}
	if delay > c.retryMax {
		delay = c.retryMax
	}
	return delay
}

// doKlinesRequest performs a single admission-controlled request.
func (c *Client) doKlinesRequest(ctx context.Context, fullURL string) ([]Kline, error) {
	// Gate first, bucket second. The gate is released when this attempt
	// finishes; the consumed token is not returned.
	select {
	case c.gate <- struct{}{}:
		defer func() { <-c.gate }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, apperrors.NewPermanentHTTP("klines", 0, "", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewTransientHTTP("klines", 0, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransientHTTP("klines", resp.StatusCode, 0, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		klines, err := decodeKlines(body)
		if err != nil {
			return nil, apperrors.NewPermanentHTTP("klines", resp.StatusCode, truncateBody(body), err)
		}
		return klines, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, apperrors.NewTransientHTTP("klines", resp.StatusCode, retryAfter,
			fmt.Errorf("rate limited: %s", truncateBody(body)))

	case resp.StatusCode >= 500:
		return nil, apperrors.NewTransientHTTP("klines", resp.StatusCode, 0,
			fmt.Errorf("server error: %s", truncateBody(body)))

	default:
		return nil, apperrors.NewPermanentHTTP("klines", resp.StatusCode, truncateBody(body),
			fmt.Errorf("client error"))
	}
}

func (c *Client) buildKlinesURL(req KlinesRequest) string {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("interval", req.Interval)
	if req.StartMs > 0 {
		params.Set("startTime", strconv.FormatInt(req.StartMs, 10))
	}
	if req.EndMs > 0 {
		params.Set("endTime", strconv.FormatInt(req.EndMs, 10))
	}
	limit := req.Limit
	if limit == 0 {
		limit = MaxKlineLimit
	}
	params.Set("limit", strconv.Itoa(limit))

	return c.baseURL + klinesPath + "?" + params.Encode()
}

// parseRetryAfter reads a Retry-After header as integer seconds or an HTTP
// date. Returns 0 when absent or unparseable.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// decodeKlines parses the positional tuples the endpoint returns. Each tuple
// carries open time, OHLC and volume as decimal strings, close time, quote
// volume, trade count, the taker buy volumes, and one ignored legacy field.
func decodeKlines(body []byte) ([]Kline, error) {
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("malformed klines payload: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for i, tuple := range raw {
		if len(tuple) != klineFieldCount {
			return nil, fmt.Errorf("kline %d: expected %d fields, got %d", i, klineFieldCount, len(tuple))
		}

		var k Kline
		var err error
		if err = json.Unmarshal(tuple[0], &k.OpenTime); err != nil {
			return nil, fmt.Errorf("kline %d: open time: %w", i, err)
		}
		if k.Open, err = decimalField(tuple[1]); err != nil {
			return nil, fmt.Errorf("kline %d: open: %w", i, err)
		}
		if k.High, err = decimalField(tuple[2]); err != nil {
			return nil, fmt.Errorf("kline %d: high: %w", i, err)
		}
		if k.Low, err = decimalField(tuple[3]); err != nil {
			return nil, fmt.Errorf("kline %d: low: %w", i, err)
		}
		if k.Close, err = decimalField(tuple[4]); err != nil {
			return nil, fmt.Errorf("kline %d: close: %w", i, err)
		}
		if k.Volume, err = decimalField(tuple[5]); err != nil {
			return nil, fmt.Errorf("kline %d: volume: %w", i, err)
		}
		if err = json.Unmarshal(tuple[6], &k.CloseTime); err != nil {
			return nil, fmt.Errorf("kline %d: close time: %w", i, err)
		}
		if k.QuoteAssetVolume, err = decimalField(tuple[7]); err != nil {
			return nil, fmt.Errorf("kline %d: quote asset volume: %w", i, err)
		}
		if err = json.Unmarshal(tuple[8], &k.Trades); err != nil {
			return nil, fmt.Errorf("kline %d: trades: %w", i, err)
		}
		if k.TakerBuyBaseVolume, err = decimalField(tuple[9]); err != nil {
			return nil, fmt.Errorf("kline %d: taker buy base volume: %w", i, err)
		}
		if k.TakerBuyQuoteVolume, err = decimalField(tuple[10]); err != nil {
			return nil, fmt.Errorf("kline %d: taker buy quote volume: %w", i, err)
		}

		klines = append(klines, k)
	}
	return klines, nil
}

// decimalField parses one quoted decimal string into a float64.
func decimalField(msg json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		return 0, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

func truncateBody(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
