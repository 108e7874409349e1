package backtest

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"stratlab/internal/types"
)

const (
	daysPerYear = 365.25
	// minYears floors the span used for annualization so a handful of
	// intraday trades does not produce an absurd CAGR.
	minYears = 0.1
)

// Calculate derives performance metrics from closed trades. It never fails:
// empty input and zero denominators produce zeros, and repeated calls on the
// same input return identical values.
func Calculate(trades []types.Trade, initialCapital float64) types.Metrics {
	n := len(trades)
	if n == 0 {
		return types.Metrics{}
	}

	var m types.Metrics
	m.TradeCount = n

	returns := make([]float64, n)
	var wins, losses int
	var grossWin, grossLoss, holdingHours float64
	for i, t := range trades {
		m.TotalPnL += t.PnL
		m.TotalFees += t.Fees
		m.TotalSlippage += t.SlippageCost
		returns[i] = t.PnLPercent
		holdingHours += t.HoldingPeriod.Hours()

		switch {
		case t.PnL > 0:
			wins++
			grossWin += t.PnL
		case t.PnL < 0:
			losses++
			grossLoss += t.PnL
		}
	}

	if initialCapital > 0 {
		m.TotalReturn = m.TotalPnL / initialCapital
	}
	years := math.Max(holdingSpan(trades).Hours()/24/daysPerYear, minYears)
	if growth := 1 + m.TotalReturn; growth > 0 {
		m.CAGR = math.Pow(growth, 1/years) - 1
	} else {
		m.CAGR = -1
	}

	mean := meanOf(returns)
	m.Volatility = sampleStd(returns, mean)
	if m.Volatility > 0 {
		m.Sharpe = mean / m.Volatility
	}
	// 无亏损交易时下行偏差退化为标准差
	downside := downsideDeviation(returns)
	if downside == 0 {
		downside = m.Volatility
	}
	if downside > 0 {
		m.Sortino = mean / downside
	}

	m.MaxDrawdown = maxDrawdown(trades, initialCapital)
	if m.MaxDrawdown > 0 {
		m.Calmar = m.CAGR / m.MaxDrawdown
	}

	m.WinRate = float64(wins) / float64(n)
	if wins > 0 {
		m.AvgWin = grossWin / float64(wins)
	}
	if losses > 0 {
		m.AvgLoss = grossLoss / float64(losses)
		m.ProfitFactor = grossWin / math.Abs(grossLoss)
	}
	m.Expectancy = m.TotalPnL / float64(n)
	m.Turnover = float64(n) / years
	m.AvgHoldingHours = holdingHours / float64(n)

	return sanitize(m)
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// sampleStd is the n-1 standard deviation about a precomputed mean
func sampleStd(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return math.Sqrt(stat.MomentAbout(2, values, mean, nil) * float64(len(values)) / float64(len(values)-1))
}

func downsideDeviation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var ss float64
	for _, v := range values {
		if v < 0 {
			ss += v * v
		}
	}
	return math.Sqrt(ss / float64(len(values)))
}

// maxDrawdown walks capital plus cumulative pnl in exit order and returns the
// largest peak-to-trough decline as a fraction of the peak.
func maxDrawdown(trades []types.Trade, initialCapital float64) float64 {
	ordered := make([]types.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ExitTime.Before(ordered[j].ExitTime)
	})

	equity := initialCapital
	peak := equity
	var worst float64
	for _, t := range ordered {
		equity += t.PnL
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			worst = math.Max(worst, (peak-equity)/peak)
		}
	}
	return worst
}

// EquityDrawdown is maxDrawdown over a mark-to-market curve
func EquityDrawdown(curve []types.EquityPoint) float64 {
	var peak, worst float64
	for i, p := range curve {
		if i == 0 || p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			worst = math.Max(worst, (peak-p.Equity)/peak)
		}
	}
	return worst
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func sanitize(m types.Metrics) types.Metrics {
	for _, f := range []*float64{
		&m.TotalPnL, &m.TotalReturn, &m.CAGR, &m.Volatility, &m.Sharpe, &m.Sortino,
		&m.MaxDrawdown, &m.Calmar, &m.WinRate, &m.AvgWin, &m.AvgLoss, &m.ProfitFactor,
		&m.Expectancy, &m.TotalFees, &m.TotalSlippage, &m.Turnover, &m.AvgHoldingHours,
	} {
		*f = finite(*f)
	}
	return m
}

// Aggregate averages fold metrics, keeping the worst drawdown and the total
// trade count.
func Aggregate(folds []types.Metrics) types.Metrics {
	if len(folds) == 0 {
		return types.Metrics{}
	}
	var out types.Metrics
	k := float64(len(folds))
	for _, f := range folds {
		out.TotalPnL += f.TotalPnL / k
		out.TotalReturn += f.TotalReturn / k
		out.CAGR += f.CAGR / k
		out.Volatility += f.Volatility / k
		out.Sharpe += f.Sharpe / k
		out.Sortino += f.Sortino / k
		out.Calmar += f.Calmar / k
		out.WinRate += f.WinRate / k
		out.AvgWin += f.AvgWin / k
		out.AvgLoss += f.AvgLoss / k
		out.ProfitFactor += f.ProfitFactor / k
		out.Expectancy += f.Expectancy / k
		out.TotalFees += f.TotalFees / k
		out.TotalSlippage += f.TotalSlippage / k
		out.Turnover += f.Turnover / k
		out.AvgHoldingHours += f.AvgHoldingHours / k
		out.MaxDrawdown = math.Max(out.MaxDrawdown, f.MaxDrawdown)
		out.TradeCount += f.TradeCount
	}
	return sanitize(out)
}

// holdingSpan is the first-entry to last-exit span of a trade list
func holdingSpan(trades []types.Trade) time.Duration {
	if len(trades) == 0 {
		return 0
	}
	first, last := trades[0].EntryTime, trades[0].ExitTime
	for _, t := range trades[1:] {
		if t.EntryTime.Before(first) {
			first = t.EntryTime
		}
		if t.ExitTime.After(last) {
			last = t.ExitTime
		}
	}
	return last.Sub(first)
}
