package block

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
	"stratlab/internal/market"
	"stratlab/internal/types"
)

func closeBars(closes ...float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{Timestamp: origin.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c}
	}
	return bars
}

func TestExecutorTrendRoundTrip(t *testing.T) {
	provider := market.NewSyntheticProvider(market.SyntheticConfig{
		Mode:       market.SyntheticTrend,
		Origin:     origin,
		StartPrice: 100,
		Drift:      1,
	})
	deps := Deps{Provider: provider, Logger: logger.NewNopLogger()}
	reg := DefaultRegistry()

	in := NewContext(RunScope{
		Symbol:         "TREND",
		Timeframe:      types.Timeframe1h,
		Start:          origin,
		End:            origin.Add(100 * time.Hour),
		InitialCapital: 1000,
	})

	steps := []struct {
		typ    string
		params Params
	}{
		{"data_loader", nil},
		{"fixed_signal", Params{"direction": "long"}},
		{"fixed_size", Params{"size": 1}},
		{"market_executor", nil},
	}
	var last Output
	for _, s := range steps {
		b, err := reg.Build(s.typ, s.params, deps)
		require.NoError(t, err)
		last = b.Execute(context.Background(), in, nil)
		require.NoError(t, last.Err, s.typ)
		in = last.Context
	}

	require.Len(t, in.Trades, 1)
	require.Len(t, in.Orders, 2)
	trade := in.Trades[0]
	assert.Equal(t, types.PositionSideLong, trade.Side)
	assert.Equal(t, 101.0, trade.EntryPrice)
	assert.Equal(t, 200.0, trade.ExitPrice)
	assert.InDelta(t, 99.0, trade.PnL, 1e-9)
	assert.InDelta(t, trade.RecomputePnL(), trade.PnL, 1e-9)
	assert.Equal(t, 99*time.Hour, trade.HoldingPeriod)
	assert.Equal(t, true, last.Data["forced_exit"])

	require.Len(t, in.Equity, 100)
	assert.InDelta(t, 1099.0, in.Equity[99].Equity, 1e-9)
	assert.InDelta(t, 1000.0, in.Equity[0].Equity, 1e-9)
}

func TestExecutorCosts(t *testing.T) {
	in := testContext(closeBars(100, 110))
	in.Run.FeeBps = 10
	in.Run.SlippageBps = 10
	in.Signals = []types.Signal{1, 0}

	out := mustSucceed(t, runBlock(t, in, "market_executor", nil))
	require.Len(t, out.Trades, 1)
	trade := out.Trades[0]

	assert.InDelta(t, 100.1, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 109.89, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 0.1001+0.10989, trade.Fees, 1e-9)
	assert.InDelta(t, 0.21, trade.SlippageCost, 1e-9)
	assert.InDelta(t, 9.79-0.20999, trade.PnL, 1e-9)
	assert.InDelta(t, trade.PnL/100.1, trade.PnLPercent, 1e-12)
	assert.InDelta(t, 1000+trade.PnL, out.Equity[1].Equity, 1e-9)

	// block-level overrides beat the run costs
	out = mustSucceed(t, runBlock(t, in, "market_executor", Params{"fee_bps": 0, "slippage_bps": 0}))
	assert.InDelta(t, 10.0, out.Trades[0].PnL, 1e-9)
}

func TestExecutorShort(t *testing.T) {
	in := testContext(closeBars(100, 90, 90))
	in.Signals = []types.Signal{-1, 0, 0}
	out := mustSucceed(t, runBlock(t, in, "market_executor", nil))
	require.Len(t, out.Trades, 1)
	assert.Equal(t, types.PositionSideShort, out.Trades[0].Side)
	assert.InDelta(t, 10.0, out.Trades[0].PnL, 1e-9)
	assert.Equal(t, types.OrderSideSell, out.Orders[0].Side)
	assert.Equal(t, types.OrderSideBuy, out.Orders[1].Side)
}

func TestExecutorHoldsSameDirectionResize(t *testing.T) {
	in := testContext(closeBars(100, 101, 102, 103))
	in.Positions = []float64{1, 2, 2, 0}
	out := mustSucceed(t, runBlock(t, in, "market_executor", nil))
	require.Len(t, out.Orders, 2)
	require.Len(t, out.Trades, 1)
	assert.Equal(t, 1.0, out.Trades[0].Quantity)
	assert.InDelta(t, 3.0, out.Trades[0].PnL, 1e-9)
}

func TestExecutorReversal(t *testing.T) {
	in := testContext(closeBars(100, 105, 100))
	in.Signals = []types.Signal{1, -1, -1}
	out := mustSucceed(t, runBlock(t, in, "market_executor", nil))
	require.Len(t, out.Trades, 2)
	assert.InDelta(t, 5.0, out.Trades[0].PnL, 1e-9)
	assert.InDelta(t, 5.0, out.Trades[1].PnL, 1e-9)
	assert.Len(t, out.Orders, 4)
}

func TestExecutorNextOpenFill(t *testing.T) {
	bars := []types.Bar{
		{Timestamp: origin, Open: 10, High: 10, Low: 10, Close: 10},
		{Timestamp: origin.AddDate(0, 0, 1), Open: 11, High: 12, Low: 11, Close: 12},
		{Timestamp: origin.AddDate(0, 0, 2), Open: 13, High: 14, Low: 13, Close: 14},
		{Timestamp: origin.AddDate(0, 0, 3), Open: 15, High: 15, Low: 15, Close: 15},
	}
	in := testContext(bars)
	in.Signals = []types.Signal{1, 1, 0, 0}
	out := mustSucceed(t, runBlock(t, in, "market_executor", Params{"fill": "next_open"}))
	require.Len(t, out.Trades, 1)
	trade := out.Trades[0]
	assert.Equal(t, 11.0, trade.EntryPrice)
	assert.Equal(t, 15.0, trade.ExitPrice)
	assert.Equal(t, bars[1].Timestamp, trade.EntryTime)
	assert.Equal(t, bars[3].Timestamp, trade.ExitTime)
}

func TestExecutorExcursions(t *testing.T) {
	bars := []types.Bar{
		{Timestamp: origin, Open: 100, High: 100, Low: 100, Close: 100},
		{Timestamp: origin.AddDate(0, 0, 1), Open: 100, High: 105, Low: 97, Close: 101},
		{Timestamp: origin.AddDate(0, 0, 2), Open: 101, High: 103, Low: 101, Close: 102},
	}
	in := testContext(bars)
	in.Signals = []types.Signal{1, 1, 0}
	out := mustSucceed(t, runBlock(t, in, "market_executor", nil))
	require.Len(t, out.Trades, 1)
	assert.InDelta(t, 5.0, out.Trades[0].MFE, 1e-9)
	assert.InDelta(t, -3.0, out.Trades[0].MAE, 1e-9)
	assert.InDelta(t, 2.0, out.Trades[0].PnL, 1e-9)
}

func TestExecutorWithoutTargetsDoesNothing(t *testing.T) {
	out := mustSucceed(t, runBlock(t, testContext(closeBars(1, 2, 3)), "market_executor", nil))
	assert.Empty(t, out.Trades)
	require.Len(t, out.Equity, 3)
	assert.Equal(t, 1000.0, out.Equity[2].Equity)
}

func TestExecutorShapeMismatch(t *testing.T) {
	in := testContext(closeBars(1, 2, 3))
	in.Positions = []float64{1}
	res := runBlock(t, in, "market_executor", nil)
	assert.True(t, apperrors.HasCode(res.Err, apperrors.ErrCodeShapeMismatch))
}

func TestExecutorSkipsWarmupBars(t *testing.T) {
	in := testContext(closeBars(50, 60, 10, 12, 15))
	in.Run.TrainStart = origin
	in.Run.Start = origin.AddDate(0, 0, 2)
	in.Positions = []float64{1, 1, 1, 1, 1}

	out := mustSucceed(t, runBlock(t, in, "market_executor", nil))
	require.Len(t, out.Trades, 1)
	assert.Equal(t, 10.0, out.Trades[0].EntryPrice)
	assert.InDelta(t, 5.0, out.Trades[0].PnL, 1e-9)
	require.Len(t, out.Equity, 3)
	assert.Equal(t, in.Run.Start, out.Equity[0].Timestamp)
}
