package models

// IndicatorRow is the one-to-one indicator companion of a candle, keyed by
// (series_id, open_time). Every value field is nullable: nil means the
// indicator was not yet warm at that bar.
type IndicatorRow struct {
	SeriesID   int64    `json:"-"`
	OpenTime   int64    `json:"open_time"`
	EMA50      *float64 `json:"ema50"`
	EMA200     *float64 `json:"ema200"`
	RSI14      *float64 `json:"rsi14"`
	ATR14      *float64 `json:"atr14"`
	ADX14      *float64 `json:"adx14"`
	VolMA20    *float64 `json:"vol_ma20"`
	MACD       *float64 `json:"macd"`
	MACDSignal *float64 `json:"macd_signal"`
	MACDHist   *float64 `json:"macd_hist"`
	BBSMA20    *float64 `json:"bb_sma20"`
	BBUpper    *float64 `json:"bb_upper"`
	BBLower    *float64 `json:"bb_lower"`
	PctReturn1 *float64 `json:"pct_return_1"`
	LogReturn1 *float64 `json:"log_return_1"`
}

// AllNull reports whether every indicator value of the row is null. It is
// the in-memory mirror of the storage layer's all-null SQL predicate; the
// two must agree on the column set.
func (r *IndicatorRow) AllNull() bool {
	return r.EMA50 == nil &&
		r.EMA200 == nil &&
		r.RSI14 == nil &&
		r.ATR14 == nil &&
		r.ADX14 == nil &&
		r.VolMA20 == nil &&
		r.MACD == nil &&
		r.MACDSignal == nil &&
		r.MACDHist == nil &&
		r.BBSMA20 == nil &&
		r.BBUpper == nil &&
		r.BBLower == nil &&
		r.PctReturn1 == nil &&
		r.LogReturn1 == nil
}

// CandleWithIndicators is the denormalised join row returned by the query
// command: one candle with its indicator battery, nulls preserved.
type CandleWithIndicators struct {
	Symbol              string   `json:"symbol"`
	Interval            string   `json:"interval"`
	OpenTime            int64    `json:"open_time"`
	Open                float64  `json:"open"`
	High                float64  `json:"high"`
	Low                 float64  `json:"low"`
	Close               float64  `json:"close"`
	Volume              float64  `json:"volume"`
	QuoteAssetVolume    float64  `json:"quote_asset_volume"`
	Trades              int64    `json:"trades"`
	TakerBuyBaseVolume  float64  `json:"taker_buy_base_volume"`
	TakerBuyQuoteVolume float64  `json:"taker_buy_quote_volume"`
	EMA50               *float64 `json:"ema50"`
	EMA200              *float64 `json:"ema200"`
	RSI14               *float64 `json:"rsi14"`
	ATR14               *float64 `json:"atr14"`
	ADX14               *float64 `json:"adx14"`
	VolMA20             *float64 `json:"vol_ma20"`
	MACD                *float64 `json:"macd"`
	MACDSignal          *float64 `json:"macd_signal"`
	MACDHist            *float64 `json:"macd_hist"`
	BBSMA20             *float64 `json:"bb_sma20"`
	BBUpper             *float64 `json:"bb_upper"`
	BBLower             *float64 `json:"bb_lower"`
	PctReturn1          *float64 `json:"pct_return_1"`
	LogReturn1          *float64 `json:"log_return_1"`
}
