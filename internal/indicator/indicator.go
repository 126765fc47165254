// Package indicator implements the pipeline's technical indicator kernels:
// EMA, SMA, rolling standard deviation, Wilder-smoothed RSI/ATR/ADX, MACD,
// Bollinger bands and one-bar returns. Kernels are pure functions over
// aligned vectors: they accept length-N inputs and return length-N outputs
// where math.NaN() marks a value that is not yet warm. Compute assembles the
// fixed battery into indicator rows, converting NaN to SQL null.
package indicator

import (
	"math"

	"github.com/johnayoung/go-kline-pipeline/internal/models"
)

// Battery periods. The suite is fixed; the warm-up of the slowest member
// (EMA200) drives WarmupBars.
const (
	ema50Period  = 50
	ema200Period = 200
	rsiPeriod    = 14
	atrPeriod    = 14
	adxPeriod    = 14
	volMAPeriod  = 20
	macdFast     = 12
	macdSlow     = 26
	macdSignal   = 9
	bollPeriod   = 20
	bollWidth    = 2.0
)

// WarmupBars is the warm-up length of the full battery. Verify and repair
// ignore all-null indicator rows within the first WarmupBars bars of a
// series.
const WarmupBars = 200

// nulls returns a length-n vector filled with NaN, the kernel-internal null.
func nulls(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// EMA computes an exponential moving average with smoothing factor
// k = 2/(period+1). Outputs are null for i < period-1; the value at
// i = period-1 is the simple average of the first period inputs.
func EMA(values []float64, period int) []float64 {
	return EMAWithAlpha(values, period, 2.0/float64(period+1))
}

// EMAWithAlpha is EMA with an explicit smoothing factor override.
func EMAWithAlpha(values []float64, period int, alpha float64) []float64 {
	out := nulls(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out[period-1] = sum / float64(period)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*alpha + out[i-1]*(1-alpha)
	}
	return out
}

// SMA computes a simple moving average over a trailing window, maintained
// with a running sum. Outputs are null for i < period-1.
func SMA(values []float64, period int) []float64 {
	out := nulls(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// StddevMA computes the population standard deviation of each trailing
// period-window against the supplied moving average: for i >= period-1 with
// ma[i] non-null, sqrt of the mean squared deviation of values[i-period+1..i]
// from ma[i].
func StddevMA(values []float64, period int, ma []float64) []float64 {
	out := nulls(len(values))
	if period <= 0 || len(values) < period || len(ma) != len(values) {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		m := ma[i]
		if math.IsNaN(m) {
			continue
		}
		var ss float64
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - m
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(period))
	}
	return out
}

// RSI computes the Wilder relative strength index. Gain and loss averages are
// seeded over the first period differences; the first output is at i = period
// and later values advance by Wilder smoothing. A zero average loss means
// infinite relative strength and RSI = 100.
func RSI(close []float64, period int) []float64 {
	out := nulls(len(close))
	if period <= 0 || len(close) <= period {
		return out
	}
	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		d := close[i] - close[i-1]
		if d > 0 {
			gainSum += d
		} else {
			lossSum -= d
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < len(close); i++ {
		d := close[i] - close[i-1]
		var gain, loss float64
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR computes the Wilder average true range. tr[0] = high[0]-low[0]; the
// seed at i = period-1 is the simple mean of the first period true ranges,
// after which atr[i] = (atr[i-1]*(period-1) + tr[i]) / period.
func ATR(high, low, close []float64, period int) []float64 {
	n := len(close)
	out := nulls(n)
	if period <= 0 || n < period || len(high) != n || len(low) != n {
		return out
	}
	tr := make([]float64, n)
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		hl := high[i] - low[i]
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += tr[i]
	}
	out[period-1] = sum / float64(period)
	for i := period; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out
}

// ADX computes the Wilder average directional index. Directional movements
// are defined from i = 1; the smoothed TR/+DM/-DM sums are seeded as plain
// sums over the first period samples and advanced by x = x - x/period + x[i].
// DX starts at i = period; the first ADX at i = 2*period-1 is the mean of the
// first period DX values, after which ADX advances by Wilder smoothing.
// Degenerate inputs (zero true range) propagate NaN and stay null.
func ADX(high, low, close []float64, period int) []float64 {
	n := len(close)
	out := nulls(n)
	if period <= 0 || n < 2*period || len(high) != n || len(low) != n {
		return out
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		hl := high[i] - low[i]
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))

		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	var trS, plusS, minusS float64
	for i := 1; i <= period; i++ {
		trS += tr[i]
		plusS += plusDM[i]
		minusS += minusDM[i]
	}

	dx := nulls(n)
	dx[period] = dxValue(plusS, minusS, trS)
	for i := period + 1; i < n; i++ {
		trS = trS - trS/float64(period) + tr[i]
		plusS = plusS - plusS/float64(period) + plusDM[i]
		minusS = minusS - minusS/float64(period) + minusDM[i]
		dx[i] = dxValue(plusS, minusS, trS)
	}

	var sum float64
	for i := period; i < 2*period; i++ {
		sum += dx[i]
	}
	out[2*period-1] = sum / float64(period)
	for i := 2 * period; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + dx[i]) / float64(period)
	}
	return out
}

func dxValue(plusS, minusS, trS float64) float64 {
	plusDI := 100 * (plusS / trS)
	minusDI := 100 * (minusS / trS)
	return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
}

// MACD computes the MACD line (fast EMA - slow EMA where both exist), its
// signal line, and the histogram (macd - signal where both exist). The MACD
// line's nulls are replaced by zero before the signal EMA is applied, so the
// signal carries zero values during the MACD warm-up and a transient bias
// just after it. Changing this seeding would change every stored value.
func MACD(close []float64, fastPeriod, slowPeriod, signalPeriod int) (macd, signal, hist []float64) {
	n := len(close)
	fast := EMA(close, fastPeriod)
	slow := EMA(close, slowPeriod)

	macd = nulls(n)
	for i := 0; i < n; i++ {
		if !math.IsNaN(fast[i]) && !math.IsNaN(slow[i]) {
			macd[i] = fast[i] - slow[i]
		}
	}

	substituted := make([]float64, n)
	for i, v := range macd {
		if math.IsNaN(v) {
			substituted[i] = 0
		} else {
			substituted[i] = v
		}
	}
	signal = EMA(substituted, signalPeriod)

	hist = nulls(n)
	for i := 0; i < n; i++ {
		if !math.IsNaN(macd[i]) && !math.IsNaN(signal[i]) {
			hist[i] = macd[i] - signal[i]
		}
	}
	return macd, signal, hist
}

// Bollinger computes the middle band (SMA), and upper/lower bands at
// mid plus/minus width standard deviations, population form, against the
// middle band.
func Bollinger(close []float64, period int, width float64) (mid, upper, lower []float64) {
	n := len(close)
	mid = SMA(close, period)
	sd := StddevMA(close, period, mid)
	upper = nulls(n)
	lower = nulls(n)
	for i := 0; i < n; i++ {
		if math.IsNaN(mid[i]) || math.IsNaN(sd[i]) {
			continue
		}
		upper[i] = mid[i] + width*sd[i]
		lower[i] = mid[i] - width*sd[i]
	}
	return mid, upper, lower
}

// PctReturns computes close[i]/close[i-1] - 1, null at i = 0 and wherever the
// previous close is zero.
func PctReturns(close []float64) []float64 {
	out := nulls(len(close))
	for i := 1; i < len(close); i++ {
		if close[i-1] == 0 {
			continue
		}
		out[i] = close[i]/close[i-1] - 1
	}
	return out
}

// LogReturns computes ln(close[i]/close[i-1]), null at i = 0 and wherever the
// previous close is zero.
func LogReturns(close []float64) []float64 {
	out := nulls(len(close))
	for i := 1; i < len(close); i++ {
		if close[i-1] == 0 {
			continue
		}
		out[i] = math.Log(close[i] / close[i-1])
	}
	return out
}

// Compute runs the full battery over an ordered slice of candles and returns
// one indicator row per bar, NaN converted to null. SeriesID is left zero for
// the caller to fill.
func Compute(candles []models.Candle) []models.IndicatorRow {
	n := len(candles)
	high := make([]float64, n)
	low := make([]float64, n)
	closeV := make([]float64, n)
	volume := make([]float64, n)
	for i, c := range candles {
		high[i] = c.High
		low[i] = c.Low
		closeV[i] = c.Close
		volume[i] = c.Volume
	}

	ema50 := EMA(closeV, ema50Period)
	ema200 := EMA(closeV, ema200Period)
	rsi14 := RSI(closeV, rsiPeriod)
	atr14 := ATR(high, low, closeV, atrPeriod)
	adx14 := ADX(high, low, closeV, adxPeriod)
	volMA20 := SMA(volume, volMAPeriod)
	macd, signal, hist := MACD(closeV, macdFast, macdSlow, macdSignal)
	bbMid, bbUpper, bbLower := Bollinger(closeV, bollPeriod, bollWidth)
	pct := PctReturns(closeV)
	logR := LogReturns(closeV)

	rows := make([]models.IndicatorRow, n)
	for i := range rows {
		rows[i] = models.IndicatorRow{
			OpenTime:   candles[i].OpenTime,
			EMA50:      nullable(ema50[i]),
			EMA200:     nullable(ema200[i]),
			RSI14:      nullable(rsi14[i]),
			ATR14:      nullable(atr14[i]),
			ADX14:      nullable(adx14[i]),
			VolMA20:    nullable(volMA20[i]),
			MACD:       nullable(macd[i]),
			MACDSignal: nullable(signal[i]),
			MACDHist:   nullable(hist[i]),
			BBSMA20:    nullable(bbMid[i]),
			BBUpper:    nullable(bbUpper[i]),
			BBLower:    nullable(bbLower[i]),
			PctReturn1: nullable(pct[i]),
			LogReturn1: nullable(logR[i]),
		}
	}
	return rows
}

// nullable converts a kernel value to its storage form: NaN becomes nil.
func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
