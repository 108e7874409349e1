package block

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
	"stratlab/internal/market"
	"stratlab/internal/types"
)

type nopProvider struct{}

func (nopProvider) Fetch(context.Context, string, types.Timeframe, time.Time, time.Time) ([]types.Bar, error) {
	return nil, nil
}

func TestDataLoader(t *testing.T) {
	provider := market.NewStaticProvider()
	provider.Add("TEST", types.Timeframe1d, linearBars(10))
	deps := Deps{Provider: provider, Logger: logger.NewNopLogger()}

	in := testContext(nil)
	in.Run.End = origin.AddDate(0, 0, 10)

	b, err := DefaultRegistry().Build("data_loader", nil, deps)
	require.NoError(t, err)
	out := mustSucceed(t, b.Execute(context.Background(), in, nil))
	assert.Equal(t, 10, out.Len())

	b, err = DefaultRegistry().Build("data_loader", Params{"symbol": "OTHER"}, deps)
	require.NoError(t, err)
	res := b.Execute(context.Background(), in, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.Context.Len())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "no price data")
}

func TestDataLoaderFetchError(t *testing.T) {
	failing := market.ProviderFunc(func(context.Context, string, types.Timeframe, time.Time, time.Time) ([]types.Bar, error) {
		return nil, errors.New("upstream down")
	})
	b, err := DefaultRegistry().Build("data_loader", nil, Deps{Provider: failing, Logger: logger.NewNopLogger()})
	require.NoError(t, err)
	out := b.Execute(context.Background(), testContext(nil), nil)
	require.True(t, out.Failed())
	assert.True(t, apperrors.HasCode(out.Err, apperrors.ErrCodeBlockExecution))
}

func TestMovingAverages(t *testing.T) {
	in := testContext(linearBars(10))

	out := mustSucceed(t, runBlock(t, in, "sma", Params{"period": 3}))
	sma, ok := out.Features.Column("sma_3")
	require.True(t, ok)
	assertNaNPrefix(t, sma, 2)
	assert.InDelta(t, 102.0, sma[2], 1e-12)
	assert.InDelta(t, 109.0, sma[9], 1e-12)

	out = mustSucceed(t, runBlock(t, in, "ema", Params{"period": 3, "name": "fast"}))
	ema, ok := out.Features.Column("fast")
	require.True(t, ok)
	assertNaNPrefix(t, ema, 2)
	assert.InDelta(t, 102.0, ema[2], 1e-12)
	assert.InDelta(t, 0.5*104+0.5*102, ema[3], 1e-12)
}

func TestOverwriteWarns(t *testing.T) {
	in := testContext(linearBars(10))
	first := mustSucceed(t, runBlock(t, in, "sma", Params{"period": 3, "name": "x"}))
	res := runBlock(t, first, "ema", Params{"period": 3, "name": "x"})
	require.NoError(t, res.Err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "overwritten")
}

func TestRSIOnRisingPrices(t *testing.T) {
	out := mustSucceed(t, runBlock(t, testContext(linearBars(20)), "rsi", Params{"period": 14}))
	col, ok := out.Features.Column("rsi_14")
	require.True(t, ok)
	assertNaNPrefix(t, col, 14)
	assert.Equal(t, 100.0, col[19])
}

func TestReturnsAndVolatility(t *testing.T) {
	in := testContext(linearBars(5))
	out := mustSucceed(t, runBlock(t, in, "returns", nil))
	col, _ := out.Features.Column("returns_1")
	assertNaNPrefix(t, col, 1)
	assert.InDelta(t, 102.0/101-1, col[1], 1e-12)

	out = mustSucceed(t, runBlock(t, in, "returns", Params{"method": "log", "period": 2, "name": "lr"}))
	col, _ = out.Features.Column("lr")
	assert.InDelta(t, math.Log(103.0/101), col[2], 1e-12)

	out = mustSucceed(t, runBlock(t, in, "volatility", Params{"period": 2}))
	col, _ = out.Features.Column("volatility_2")
	assertNaNPrefix(t, col, 2)
}

func TestZScoreAndATR(t *testing.T) {
	in := testContext(linearBars(10))
	out := mustSucceed(t, runBlock(t, in, "zscore", Params{"period": 3}))
	col, _ := out.Features.Column("zscore_3")
	assertNaNPrefix(t, col, 2)
	// 窗口 [a, a+1, a+2] 的末值 z 分数恒为 1
	assert.InDelta(t, 1.0, col[5], 1e-12)

	out = mustSucceed(t, runBlock(t, in, "atr", Params{"period": 3}))
	col, _ = out.Features.Column("atr_3")
	// bar 0 has no previous close, so the first true range averaged is bar 1
	assertNaNPrefix(t, col, 3)
	// high-low = 1 and each bar gaps up by 1 from the previous close
	assert.InDelta(t, 1.0, col[9], 1e-12)
}

func TestIndicatorsRestartAfterGaps(t *testing.T) {
	nan := math.NaN()
	values := []float64{nan, 1, 2, 3, 4, nan, 10, 20, 30}

	sma := rollingMean(values, 3)
	assertNaNPrefix(t, sma, 3)
	assert.InDelta(t, 2.0, sma[3], 1e-12)
	assert.InDelta(t, 3.0, sma[4], 1e-12)
	assert.True(t, math.IsNaN(sma[5]))
	assert.True(t, math.IsNaN(sma[7]), "window after a gap warms up again")
	assert.InDelta(t, 20.0, sma[8], 1e-12)

	e := ema(values, 3)
	assert.InDelta(t, 2.0, e[3], 1e-12)
	assert.InDelta(t, 0.5*4+0.5*2, e[4], 1e-12)
	assert.InDelta(t, 20.0, e[8], 1e-12)

	std := rollingStd(values, 3)
	assert.InDelta(t, 1.0, std[3], 1e-12)
	assert.InDelta(t, 10.0, std[8], 1e-12)

	short := rollingMean([]float64{1, 2}, 3)
	assert.True(t, math.IsNaN(short[0]))
	assert.True(t, math.IsNaN(short[1]))
	assert.Len(t, atr(linearBars(3), 3), 3)
}

func TestFormula(t *testing.T) {
	in := testContext(linearBars(3))
	out := mustSucceed(t, runBlock(t, in, "formula", Params{"name": "double", "expression": "close * 2"}))
	col, _ := out.Features.Column("double")
	assert.Equal(t, []float64{202, 204, 206}, col)

	res := runBlock(t, in, "formula", Params{"name": "bad", "expression": "missing + 1"})
	require.True(t, res.Failed())
	assert.True(t, apperrors.HasCode(res.Err, apperrors.ErrCodeFeatureNotFound))

	out = mustSucceed(t, runBlock(t, in, "formula", Params{"name": "inf", "expression": "1 / 0"}))
	col, _ = out.Features.Column("inf")
	assert.True(t, math.IsNaN(col[0]))
}

func countSignals(signals []types.Signal, want types.Signal) int {
	n := 0
	for _, s := range signals {
		if s == want {
			n++
		}
	}
	return n
}

func TestThresholdSignal(t *testing.T) {
	res := runBlock(t, testContext(linearBars(10)), "threshold", Params{"source": "close", "upper": 105})
	out := mustSucceed(t, res)
	assert.Equal(t, 5, countSignals(out.Signals, types.SignalLong))
	assert.Equal(t, 5, res.Data["long_bars"])
	assert.Equal(t, types.SignalFlat, out.Signals[4])
	assert.Equal(t, types.SignalLong, out.Signals[5])

	out = mustSucceed(t, runBlock(t, testContext(linearBars(10)), "threshold",
		Params{"source": "close", "upper": 105, "invert": true}))
	assert.Equal(t, 5, countSignals(out.Signals, types.SignalShort))
}

func TestCrossoverSignal(t *testing.T) {
	in := testContext(linearBars(4))
	in.Features.Set("fast", []float64{1, 3, 1, math.NaN()})
	in.Features.Set("slow", []float64{2, 2, 2, 2})

	out := mustSucceed(t, runBlock(t, in, "crossover", Params{"fast": "fast", "slow": "slow"}))
	assert.Equal(t, []types.Signal{0, 1, 0, 0}, out.Signals)

	out = mustSucceed(t, runBlock(t, in, "crossover", Params{"fast": "fast", "slow": "slow", "allow_short": true}))
	assert.Equal(t, []types.Signal{-1, 1, -1, 0}, out.Signals)

	res := runBlock(t, in, "crossover", Params{"fast": "fast", "slow": "nope"})
	assert.True(t, apperrors.HasCode(res.Err, apperrors.ErrCodeFeatureNotFound))
}

func TestRuleSignal(t *testing.T) {
	out := mustSucceed(t, runBlock(t, testContext(linearBars(10)), "rule",
		Params{"long_when": "close > 108", "short_when": "close < 103"}))
	assert.Equal(t, 2, countSignals(out.Signals, types.SignalLong))
	assert.Equal(t, 2, countSignals(out.Signals, types.SignalShort))

	out = mustSucceed(t, runBlock(t, testContext(linearBars(3)), "rule",
		Params{"long_when": "close > 0", "short_when": "close > 0"}))
	assert.Equal(t, []types.Signal{0, 0, 0}, out.Signals)
}

func TestFixedSignalWithSize(t *testing.T) {
	out := mustSucceed(t, runBlock(t, testContext(linearBars(3)), "fixed_signal", Params{"direction": "short", "size": 2}))
	assert.Equal(t, []types.Signal{-1, -1, -1}, out.Signals)
	assert.Equal(t, []float64{-2, -2, -2}, out.Positions)
}

func TestDeclaredModelSignal(t *testing.T) {
	in := testContext(linearBars(3))
	in.Features.Set("f", []float64{-1, 1, math.NaN()})

	withModel := mustSucceed(t, runBlock(t, in, "fit_model",
		Params{"name": "m", "features": []interface{}{"f"}, "weights": []interface{}{1.0}}))
	require.Contains(t, withModel.Models, "m")

	out := mustSucceed(t, runBlock(t, withModel, "model_signal", Params{"model": "m", "short_below": 0}))
	assert.Equal(t, []types.Signal{-1, 1, 0}, out.Signals)

	res := runBlock(t, in, "model_signal", Params{"model": "m"})
	assert.True(t, apperrors.HasCode(res.Err, apperrors.ErrCodeModelNotFound))
}

func TestFittedModelStaysFlatThroughTraining(t *testing.T) {
	provider := market.NewSyntheticProvider(market.SyntheticConfig{Origin: origin, Seed: 11})
	bars, err := provider.Fetch(context.Background(), "TEST", types.Timeframe1d, origin, origin.AddDate(0, 0, 100))
	require.NoError(t, err)
	require.Len(t, bars, 100)

	in := mustSucceed(t, runBlock(t, testContext(bars), "returns", nil))
	res := runBlock(t, in, "fit_model", Params{"name": "m", "features": []interface{}{"returns_1"}, "train_fraction": 0.5})
	fitted := mustSucceed(t, res)
	assert.Equal(t, true, res.Data["fitted"])
	assert.Equal(t, 49, res.Data["rows"])
	assert.Equal(t, bars[50].Timestamp, fitted.Models["m"].FittedThrough())

	out := mustSucceed(t, runBlock(t, fitted, "model_signal", Params{"model": "m", "long_above": -1e9}))
	for i := 0; i <= 50; i++ {
		assert.Equal(t, types.SignalFlat, out.Signals[i], "bar %d", i)
	}
	assert.Equal(t, types.SignalLong, out.Signals[51])

	res = runBlock(t, in, "fit_model", Params{"name": "m", "features": []interface{}{"returns_1"}, "train_fraction": 0.02})
	require.True(t, res.Failed())
	assert.True(t, apperrors.HasCode(res.Err, apperrors.ErrCodeBlockExecution))
}

func TestFittedModelUsesTrainWindow(t *testing.T) {
	provider := market.NewSyntheticProvider(market.SyntheticConfig{Origin: origin, Seed: 11})
	bars, err := provider.Fetch(context.Background(), "TEST", types.Timeframe1d, origin, origin.AddDate(0, 0, 100))
	require.NoError(t, err)

	ctx := testContext(bars)
	ctx.Run.TrainStart = origin
	ctx.Run.TrainEnd = bars[60].Timestamp
	ctx.Run.Start = bars[60].Timestamp

	in := mustSucceed(t, runBlock(t, ctx, "returns", nil))
	// train_fraction is ignored once the scope carries a train window
	res := runBlock(t, in, "fit_model", Params{"name": "m", "features": []interface{}{"returns_1"}, "train_fraction": 0.02})
	fitted := mustSucceed(t, res)
	assert.Equal(t, 59, res.Data["rows"])
	assert.Equal(t, bars[60].Timestamp, fitted.Models["m"].FittedThrough())
}

func TestSizingBlocks(t *testing.T) {
	in := testContext(linearBars(3))
	in.Signals = []types.Signal{1, 0, -1}

	out := mustSucceed(t, runBlock(t, in, "fixed_size", Params{"size": 2}))
	assert.Equal(t, []float64{2, 0, -2}, out.Positions)

	out = mustSucceed(t, runBlock(t, in, "percent_equity", Params{"fraction": 0.5}))
	assert.InDelta(t, 500.0/101, out.Positions[0], 1e-12)
	assert.Equal(t, 0.0, out.Positions[1])
	assert.InDelta(t, -500.0/103, out.Positions[2], 1e-12)

	noSignals := testContext(linearBars(3))
	res := runBlock(t, noSignals, "fixed_size", Params{"size": 1})
	assert.True(t, apperrors.HasCode(res.Err, apperrors.ErrCodeFeatureNotFound))

	in.Signals = []types.Signal{1}
	res = runBlock(t, in, "fixed_size", Params{"size": 1})
	assert.True(t, apperrors.HasCode(res.Err, apperrors.ErrCodeShapeMismatch))
}

func TestVolatilityTargetCapsLeverage(t *testing.T) {
	in := testContext(linearBars(30))
	in.Signals = make([]types.Signal, 30)
	for i := range in.Signals {
		in.Signals[i] = types.SignalLong
	}
	out := mustSucceed(t, runBlock(t, in, "volatility_target", Params{"target": 10, "lookback": 5, "max_leverage": 2}))
	// warm-up bars have no volatility estimate
	assert.Equal(t, 0.0, out.Positions[0])
	assert.InDelta(t, 2*1000/in.Prices[29].Close, out.Positions[29], 1e-9)
}

func TestMaxPosition(t *testing.T) {
	in := testContext(linearBars(3))
	in.Positions = []float64{5, -5, 1}
	out := mustSucceed(t, runBlock(t, in, "max_position", Params{"max": 2}))
	assert.Equal(t, []float64{2, -2, 1}, out.Positions)
}

func stopBars() []types.Bar {
	ts := func(i int) time.Time { return origin.AddDate(0, 0, i) }
	return []types.Bar{
		{Timestamp: ts(0), Open: 100, High: 100, Low: 100, Close: 100},
		{Timestamp: ts(1), Open: 100, High: 101, Low: 98, Close: 99},
		{Timestamp: ts(2), Open: 99, High: 99, Low: 94, Close: 95},
		{Timestamp: ts(3), Open: 95, High: 120, Low: 95, Close: 118},
		{Timestamp: ts(4), Open: 118, High: 119, Low: 117, Close: 118},
	}
}

func TestStopLossPercent(t *testing.T) {
	in := testContext(stopBars())
	in.Positions = []float64{1, 1, 1, 1, 1}
	res := runBlock(t, in, "stop_loss", Params{"pct": 0.05})
	out := mustSucceed(t, res)
	assert.Equal(t, []float64{1, 1, 0, 0, 0}, out.Positions)
	assert.Equal(t, 1, res.Data["stops_hit"])

	// a new entry re-arms the stop
	in.Positions = []float64{1, 1, 1, 0, 1}
	out = mustSucceed(t, runBlock(t, in, "stop_loss", Params{"pct": 0.05}))
	assert.Equal(t, []float64{1, 1, 0, 0, 1}, out.Positions)
}

func TestStopLossTakeProfitFromATRStop(t *testing.T) {
	in := testContext(stopBars())
	in.Features.Set("range", []float64{10, 10, 10, 10, 10})
	in.Positions = []float64{1, 1, 1, 1, 1}

	withStops := mustSucceed(t, runBlock(t, in, "atr_stop",
		Params{"column": "range", "multiplier": 2, "take_profit_multiplier": 1.5}))
	require.Len(t, withStops.Aux.StopDistances, 5)
	assert.Equal(t, 20.0, withStops.Aux.StopDistances[0])

	res := runBlock(t, withStops, "stop_loss", nil)
	out := mustSucceed(t, res)
	// stop at 80 is never touched; take-profit at 115 triggers on bar 3
	assert.Equal(t, []float64{1, 1, 1, 0, 0}, out.Positions)
	assert.Equal(t, 1, res.Data["take_profits_hit"])
	assert.Equal(t, 0, res.Data["stops_hit"])
}

func TestStopLossWithoutSource(t *testing.T) {
	in := testContext(stopBars())
	res := runBlock(t, in, "stop_loss", nil)
	require.True(t, res.Failed())
	assert.True(t, apperrors.HasCode(res.Err, apperrors.ErrCodeFeatureNotFound))
}
