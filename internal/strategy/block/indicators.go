package block

import (
	"math"

	"github.com/thrasher-corp/gct-ta/indicators"
	"gonum.org/v1/gonum/stat"

	"stratlab/internal/types"
)

// Indicator helpers return series aligned to the input with NaN during warm-up.

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// segmented applies a full-length indicator to each contiguous non-NaN run of
// values. Positions inside a run's first lookback bars stay NaN, so an
// indicator over an upstream feature inherits its warm-up.
func segmented(values []float64, lookback int, fn func(run []float64) []float64) []float64 {
	out := nanSeries(len(values))
	for start := 0; start < len(values); {
		if math.IsNaN(values[start]) {
			start++
			continue
		}
		end := start
		for end < len(values) && !math.IsNaN(values[end]) {
			end++
		}
		if run := values[start:end]; len(run) > lookback {
			res := fn(run)
			copy(out[start+lookback:end], res[lookback:])
		}
		start = end
	}
	return out
}

func rollingMean(values []float64, period int) []float64 {
	return segmented(values, period-1, func(run []float64) []float64 {
		return indicators.SMA(run, period)
	})
}

// rollingStd is the sample (n-1) standard deviation over each window
func rollingStd(values []float64, period int) []float64 {
	if period < 2 {
		return nanSeries(len(values))
	}
	return segmented(values, period-1, func(run []float64) []float64 {
		out := make([]float64, len(run))
		for i := period - 1; i < len(run); i++ {
			out[i] = stat.StdDev(run[i-period+1:i+1], nil)
		}
		return out
	})
}

// ema seeds with the SMA of the first period values after any warm-up prefix
func ema(values []float64, period int) []float64 {
	return segmented(values, period-1, func(run []float64) []float64 {
		return indicators.EMA(run, period)
	})
}

// rsi uses Wilder smoothing; the first value lands on bar period
func rsi(values []float64, period int) []float64 {
	return segmented(values, period, func(run []float64) []float64 {
		return indicators.RSI(run, period)
	})
}

func returnsOver(values []float64, period int, logReturns bool) []float64 {
	out := nanSeries(len(values))
	for i := period; i < len(values); i++ {
		prev := values[i-period]
		if prev == 0 {
			continue
		}
		if logReturns {
			out[i] = math.Log(values[i] / prev)
		} else {
			out[i] = values[i]/prev - 1
		}
	}
	return out
}

// atr is Wilder-smoothed true range. The first bar has no previous close, so
// the first value lands on bar period.
func atr(bars []types.Bar, period int) []float64 {
	if len(bars) <= period {
		return nanSeries(len(bars))
	}
	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	for i, b := range bars {
		high[i], low[i] = b.High, b.Low
	}
	res := indicators.ATR(high, low, closes(bars), period)
	out := nanSeries(len(bars))
	copy(out[period:], res[period:])
	return out
}

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
