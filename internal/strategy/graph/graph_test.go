package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
	"stratlab/internal/market"
	"stratlab/internal/strategy/block"
	"stratlab/internal/types"
)

var origin = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func trendScope() block.RunScope {
	return block.RunScope{
		Symbol:         "TREND",
		Timeframe:      types.Timeframe1h,
		Start:          origin,
		End:            origin.Add(100 * time.Hour),
		InitialCapital: 1000,
	}
}

func newTestExecutor() *Executor {
	provider := market.NewSyntheticProvider(market.SyntheticConfig{
		Mode: market.SyntheticTrend, Origin: origin, StartPrice: 100, Drift: 1,
	})
	return NewExecutor(block.DefaultRegistry(), block.Deps{Provider: provider, Logger: logger.NewNopLogger()})
}

func longOnlyGraph() *Graph {
	return &Graph{
		Nodes: []NodeSpec{
			{ID: "data", Type: "data_loader"},
			{ID: "signal", Type: "fixed_signal", Params: block.Params{"direction": "long"}, Inputs: []string{"data"}},
			{ID: "size", Type: "fixed_size", Params: block.Params{"size": 1}, Inputs: []string{"signal"}},
			{ID: "exec", Type: "market_executor", Inputs: []string{"size"}},
		},
		Outputs: []string{"exec"},
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		g    *Graph
		code apperrors.ErrorCode
	}{
		{"empty", &Graph{}, apperrors.ErrCodeInvalidGraph},
		{"empty id", &Graph{Nodes: []NodeSpec{{Type: "sma"}}, Outputs: []string{""}}, apperrors.ErrCodeInvalidGraph},
		{"duplicate id", &Graph{Nodes: []NodeSpec{{ID: "a", Type: "sma"}, {ID: "a", Type: "ema"}}, Outputs: []string{"a"}}, apperrors.ErrCodeInvalidGraph},
		{"dangling input", &Graph{Nodes: []NodeSpec{{ID: "a", Type: "sma", Inputs: []string{"ghost"}}}, Outputs: []string{"a"}}, apperrors.ErrCodeInvalidGraph},
		{"unknown output", &Graph{Nodes: []NodeSpec{{ID: "a", Type: "sma"}}, Outputs: []string{"b"}}, apperrors.ErrCodeInvalidGraph},
		{"no outputs", &Graph{Nodes: []NodeSpec{{ID: "a", Type: "sma"}}}, apperrors.ErrCodeInvalidGraph},
		{"duplicate input", &Graph{Nodes: []NodeSpec{
			{ID: "exec", Type: "data_loader"},
			{ID: "merge", Type: "sma", Inputs: []string{"exec", "exec"}},
		}, Outputs: []string{"merge"}}, apperrors.ErrCodeInvalidGraph},
		{"duplicate output", &Graph{Nodes: []NodeSpec{{ID: "a", Type: "data_loader"}}, Outputs: []string{"a", "a"}}, apperrors.ErrCodeInvalidGraph},
		{"self loop", &Graph{Nodes: []NodeSpec{{ID: "a", Type: "sma", Inputs: []string{"a"}}}, Outputs: []string{"a"}}, apperrors.ErrCodeCycleDetected},
		{"two cycle", &Graph{Nodes: []NodeSpec{
			{ID: "a", Type: "sma", Inputs: []string{"b"}},
			{ID: "b", Type: "sma", Inputs: []string{"a"}},
		}, Outputs: []string{"b"}}, apperrors.ErrCodeCycleDetected},
		{"forward reference", &Graph{Nodes: []NodeSpec{
			{ID: "a", Type: "sma", Inputs: []string{"b"}},
			{ID: "b", Type: "data_loader"},
		}, Outputs: []string{"a"}}, apperrors.ErrCodeInvalidGraph},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.g.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, tt.code), "got %v", err)
			assert.True(t, apperrors.GetAppError(err).IsConfigError())
		})
	}
}

func TestValidateStableOrder(t *testing.T) {
	g := &Graph{
		Nodes: []NodeSpec{
			{ID: "data", Type: "data_loader"},
			{ID: "fast", Type: "sma", Inputs: []string{"data"}},
			{ID: "slow", Type: "sma", Inputs: []string{"data"}},
			{ID: "cross", Type: "crossover", Inputs: []string{"fast", "slow"}},
		},
		Outputs: []string{"cross"},
	}
	order, err := g.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"data", "fast", "slow", "cross"}, order)
}

func TestHashIgnoresParamFormattingAndParent(t *testing.T) {
	a := longOnlyGraph()
	b := longOnlyGraph()
	b.Nodes[2].Params = block.Params{"size": 1.0}
	b.ParentHash = "abc"

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	b.Nodes[2].Params = block.Params{"size": 2}
	hc, err := b.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestParse(t *testing.T) {
	g, err := Parse([]byte(`{"nodes":[{"id":"d","type":"data_loader"},{"id":"s","type":"sma","params":{"period":5},"inputs":["d"]}],"outputs":["s"]}`))
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, []string{"d"}, g.Nodes[1].Inputs)

	_, err = Parse([]byte(`{"nodes":`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidGraph))
}

func TestRunLongOnlyTrend(t *testing.T) {
	var calls []float64
	res, err := newTestExecutor().Run(context.Background(), longOnlyGraph(), trendScope(), func(pct float64, _ string) error {
		calls = append(calls, pct)
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, res.Context)
	require.Len(t, res.Context.Trades, 1)
	assert.InDelta(t, 99.0, res.Context.Trades[0].PnL, 1e-9)
	assert.Len(t, res.Outputs, 4)
	assert.Equal(t, []float64{25, 50, 75, 100}, calls)
}

func TestRunUnknownBlockFailsBeforeExecution(t *testing.T) {
	g := longOnlyGraph()
	g.Nodes[1].Type = "no_such_block"
	calls := 0
	_, err := newTestExecutor().Run(context.Background(), g, trendScope(), func(float64, string) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnknownBlock))
	assert.Zero(t, calls)
}

func TestRunCycleExecutesNothing(t *testing.T) {
	g := &Graph{
		Nodes: []NodeSpec{
			{ID: "a", Type: "data_loader", Inputs: []string{"b"}},
			{ID: "b", Type: "sma", Inputs: []string{"a"}},
		},
		Outputs: []string{"b"},
	}
	calls := 0
	_, err := newTestExecutor().Run(context.Background(), g, trendScope(), func(float64, string) error {
		calls++
		return nil
	})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCycleDetected))
	assert.Zero(t, calls)
}

func TestRunFailureIsolatedToBranch(t *testing.T) {
	g := &Graph{
		Nodes: []NodeSpec{
			{ID: "data", Type: "data_loader"},
			{ID: "bad", Type: "formula", Params: block.Params{"name": "x", "expression": "missing * 2"}, Inputs: []string{"data"}},
			{ID: "after_bad", Type: "sma", Inputs: []string{"bad"}},
			{ID: "good", Type: "sma", Params: block.Params{"period": 5}, Inputs: []string{"data"}},
		},
		Outputs: []string{"good"},
	}
	exec := newTestExecutor()
	var failedTypes []string
	exec.OnBlockFailure(func(blockType string) { failedTypes = append(failedTypes, blockType) })

	res, err := exec.Run(context.Background(), g, trendScope(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"formula", "sma"}, failedTypes)
	assert.True(t, res.Outputs["bad"].Failed())
	assert.True(t, res.Outputs["after_bad"].Failed())
	assert.Contains(t, res.Outputs["after_bad"].Err.Error(), `upstream "bad" failed`)
	assert.False(t, res.Outputs["good"].Failed())
	assert.Equal(t, []string{"bad", "after_bad"}, res.Failed())
	_, ok := res.Context.Features.Column("sma_5")
	assert.True(t, ok)
}

func TestRunAggregatesFailedOutputs(t *testing.T) {
	g := &Graph{
		Nodes: []NodeSpec{
			{ID: "data", Type: "data_loader"},
			{ID: "bad1", Type: "formula", Params: block.Params{"name": "x", "expression": "nope + 1"}, Inputs: []string{"data"}},
			{ID: "bad2", Type: "model_signal", Params: block.Params{"model": "ghost"}, Inputs: []string{"data"}},
			{ID: "good", Type: "sma", Inputs: []string{"data"}},
		},
		Outputs: []string{"bad1", "good", "bad2"},
	}
	res, err := newTestExecutor().Run(context.Background(), g, trendScope(), nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeOutputFailed))
	assert.Contains(t, err.Error(), "bad1")
	assert.Contains(t, err.Error(), "bad2")
	assert.False(t, strings.Contains(err.Error(), "good:"))
}

func TestRunMergesDiamond(t *testing.T) {
	g := &Graph{
		Nodes: []NodeSpec{
			{ID: "data", Type: "data_loader"},
			{ID: "fast", Type: "sma", Params: block.Params{"period": 3, "name": "fast"}, Inputs: []string{"data"}},
			{ID: "slow", Type: "sma", Params: block.Params{"period": 10, "name": "slow"}, Inputs: []string{"data"}},
			{ID: "cross", Type: "crossover", Params: block.Params{"fast": "fast", "slow": "slow"}, Inputs: []string{"fast", "slow"}},
			{ID: "exec", Type: "market_executor", Inputs: []string{"cross"}},
		},
		Outputs: []string{"exec"},
	}
	res, err := newTestExecutor().Run(context.Background(), g, trendScope(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []string{"fast", "slow"}, res.Context.Features.Names())
	// a rising trend keeps the fast average above the slow one once both exist
	require.Len(t, res.Context.Trades, 1)
	assert.Equal(t, types.PositionSideLong, res.Context.Trades[0].Side)
}

func TestRunEmptyDataDegrades(t *testing.T) {
	scope := trendScope()
	scope.Start = origin.AddDate(-1, 0, 0)
	scope.End = origin.AddDate(-1, 0, 1)
	res, err := newTestExecutor().Run(context.Background(), longOnlyGraph(), scope, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Context.Trades)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "no price data")
}

func TestRunProgressErrorAborts(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	_, err := newTestExecutor().Run(context.Background(), longOnlyGraph(), trendScope(), func(float64, string) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestExecutor().Run(ctx, longOnlyGraph(), trendScope(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type panicBlock struct{}

func (panicBlock) Type() string { return "boom" }
func (panicBlock) Execute(context.Context, *block.Context, []block.Output) block.Output {
	panic("kaboom")
}

func TestRunRecoversBlockPanic(t *testing.T) {
	reg := block.DefaultRegistry()
	reg.MustRegister(block.Spec{Type: "boom", Family: block.FamilyFeature, New: func(block.Params, block.Deps) (block.Block, error) {
		return panicBlock{}, nil
	}})
	exec := NewExecutor(reg, block.Deps{Provider: market.NewStaticProvider(), Logger: logger.NewNopLogger()})
	g := &Graph{Nodes: []NodeSpec{{ID: "x", Type: "boom"}}, Outputs: []string{"x"}}
	res, err := exec.Run(context.Background(), g, trendScope(), nil)
	require.Error(t, err)
	assert.Contains(t, res.Outputs["x"].Err.Error(), "kaboom")
}
