package backtest

import (
	"math/rand/v2"
	"sort"

	"stratlab/internal/types"
)

const (
	// MinMonteCarloTrades is the smallest trade list worth resampling
	MinMonteCarloTrades = 10
	DefaultTrials       = 10000
	minSharpeTrials     = 100
	defaultSeed         = 1
)

// MonteCarlo resamples closed trades with replacement to estimate how much
// of a result is down to trade ordering and luck.
type MonteCarlo struct {
	Trials int
	Seed   int64
}

// NewMonteCarlo builds a simulator from the run config. The seed comes from
// seeds["monte_carlo"].
func NewMonteCarlo(cfg types.RunConfig) *MonteCarlo {
	trials := DefaultTrials
	if cfg.MonteCarlo != nil && cfg.MonteCarlo.Trials > 0 {
		trials = cfg.MonteCarlo.Trials
	}
	return &MonteCarlo{Trials: trials, Seed: cfg.Seed("monte_carlo", defaultSeed)}
}

// SharpeTrials is the number of trials that also compute a Sharpe ratio
func (mc *MonteCarlo) SharpeTrials() int {
	return max(minSharpeTrials, mc.Trials/10)
}

func (mc *MonteCarlo) rng() *rand.Rand {
	s := uint64(mc.Seed)
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}

// Simulate returns one resampled total pnl per trial
func (mc *MonteCarlo) Simulate(pnls []float64) []float64 {
	if len(pnls) == 0 {
		return nil
	}
	r := mc.rng()
	out := make([]float64, mc.Trials)
	for t := range out {
		var sum float64
		for range pnls {
			sum += pnls[r.IntN(len(pnls))]
		}
		out[t] = sum
	}
	return out
}

// Run resamples trades and summarizes the distribution. It returns nil when
// there are fewer than MinMonteCarloTrades trades.
func (mc *MonteCarlo) Run(trades []types.Trade) *types.MonteCarloSummary {
	n := len(trades)
	if n < MinMonteCarloTrades || mc.Trials <= 0 {
		return nil
	}

	r := mc.rng()
	sharpeTrials := min(mc.SharpeTrials(), mc.Trials)
	totals := make([]float64, mc.Trials)
	sharpes := make([]float64, 0, sharpeTrials)
	sample := make([]float64, n)

	for t := 0; t < mc.Trials; t++ {
		var sum float64
		for i := 0; i < n; i++ {
			tr := trades[r.IntN(n)]
			sum += tr.PnL
			sample[i] = tr.PnLPercent
		}
		totals[t] = sum
		if t < sharpeTrials {
			mean := meanOf(sample)
			var sharpe float64
			if sd := sampleStd(sample, mean); sd > 0 {
				sharpe = mean / sd
			}
			sharpes = append(sharpes, sharpe)
		}
	}

	sort.Float64s(totals)
	sort.Float64s(sharpes)
	return &types.MonteCarloSummary{
		Trials:       mc.Trials,
		SharpeTrials: sharpeTrials,
		Seed:         mc.Seed,
		ReturnP05:    percentile(totals, 0.05),
		ReturnP25:    percentile(totals, 0.25),
		ReturnMedian: percentile(totals, 0.50),
		ReturnP75:    percentile(totals, 0.75),
		ReturnP95:    percentile(totals, 0.95),
		SharpeP05:    percentile(sharpes, 0.05),
		SharpeMedian: percentile(sharpes, 0.50),
		SharpeP95:    percentile(sharpes, 0.95),
	}
}

// percentile interpolates linearly over sorted values
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
