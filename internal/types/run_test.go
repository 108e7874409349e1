package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stratlab/internal/errors"
)

func validConfig() RunConfig {
	return RunConfig{
		Symbol:         "BTCUSDT",
		Timeframe:      Timeframe1h,
		Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		InitialCapital: 10000,
	}
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityInteractive.Rank(), PriorityBatch.Rank())
	assert.Less(t, PriorityBatch.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityBatch.Rank(), Priority("").Rank(), "empty priority schedules as batch")
	assert.False(t, Priority("urgent").Valid())
	assert.False(t, Priority("").Valid())
}

func TestRunConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *RunConfig)
		ok     bool
	}{
		{"valid", func(c *RunConfig) {}, true},
		{"missing symbol", func(c *RunConfig) { c.Symbol = "" }, false},
		{"bad timeframe", func(c *RunConfig) { c.Timeframe = "3h" }, false},
		{"end before start", func(c *RunConfig) { c.End = c.Start.Add(-time.Hour) }, false},
		{"zero end", func(c *RunConfig) { c.End = time.Time{} }, false},
		{"no capital", func(c *RunConfig) { c.InitialCapital = 0 }, false},
		{"negative fee", func(c *RunConfig) { c.FeeBps = -1 }, false},
		{"unknown priority", func(c *RunConfig) { c.Priority = "urgent" }, false},
		{"known priority", func(c *RunConfig) { c.Priority = PriorityLow }, true},
		{"negative trials", func(c *RunConfig) { c.MonteCarlo = &MonteCarloConfig{Trials: -1} }, false},
		{"max trials", func(c *RunConfig) { c.MonteCarlo = &MonteCarloConfig{Trials: MaxMonteCarloTrials} }, true},
		{"too many trials", func(c *RunConfig) { c.MonteCarlo = &MonteCarloConfig{Trials: 2000000000} }, false},
		{"walk forward", func(c *RunConfig) {
			c.WalkForward = &WalkForwardConfig{Mode: WalkForwardRolling, TrainDays: 10, TestDays: 5, Folds: 2}
		}, true},
		{"walk forward bad mode", func(c *RunConfig) {
			c.WalkForward = &WalkForwardConfig{Mode: "anchored", TrainDays: 10, TestDays: 5, Folds: 2}
		}, false},
		{"walk forward no folds", func(c *RunConfig) {
			c.WalkForward = &WalkForwardConfig{Mode: WalkForwardExpanding, TrainDays: 10, TestDays: 5}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidConfig))
		})
	}
}

func TestRunConfigSeed(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, int64(7), cfg.Seed("monte_carlo", 7))

	cfg.Seeds = map[string]int64{"monte_carlo": 42}
	assert.Equal(t, int64(42), cfg.Seed("monte_carlo", 7))
}

func TestRunTransitions(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	run := &BacktestRun{ID: "r1", Status: RunStatusQueued}

	require.NoError(t, run.Transition(RunStatusPreparing, "", at))
	require.NoError(t, run.Transition(RunStatusRunning, "", at.Add(time.Second)))
	require.NotNil(t, run.StartedAt)
	assert.Equal(t, at.Add(time.Second), *run.StartedAt)

	err := run.Transition(RunStatusQueued, "", at)
	assert.Error(t, err)
	assert.Equal(t, RunStatusRunning, run.Status)

	require.NoError(t, run.Transition(RunStatusCompleted, "done", at.Add(time.Minute)))
	require.NotNil(t, run.FinishedAt)
	assert.True(t, run.Status.IsTerminal())
	assert.True(t, run.Visited(RunStatusPreparing))
	assert.False(t, run.Visited(RunStatusAggregating))

	for _, next := range []RunStatus{RunStatusRunning, RunStatusFailed, RunStatusCanceled} {
		assert.False(t, RunStatusCompleted.CanTransitionTo(next), "terminal status moved to %s", next)
	}

	require.Len(t, run.Transitions, 3)
	assert.Equal(t, RunStatusRunning, run.Transitions[2].From)
	assert.Equal(t, "done", run.Transitions[2].Reason)
}

func TestQueuedRunCanBeCanceled(t *testing.T) {
	run := &BacktestRun{Status: RunStatusQueued}
	require.NoError(t, run.Transition(RunStatusCanceled, "canceled before start", time.Now()))
	assert.Nil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)
}

func TestCloneIsIndependent(t *testing.T) {
	run := &BacktestRun{
		ID:          "r1",
		Status:      RunStatusCompleted,
		Graph:       json.RawMessage(`{"nodes":[]}`),
		Metrics:     &Metrics{TotalPnL: 10},
		Trades:      []Trade{{PnL: 10}},
		Transitions: []StatusTransition{{From: RunStatusQueued, To: RunStatusPreparing}},
	}

	c := run.Clone()
	c.Metrics.TotalPnL = 99
	c.Trades[0].PnL = 99
	c.Transitions[0].Reason = "changed"

	assert.Equal(t, 10.0, run.Metrics.TotalPnL)
	assert.Equal(t, 10.0, run.Trades[0].PnL)
	assert.Empty(t, run.Transitions[0].Reason)
}

func TestStripPayloadKeepsSummary(t *testing.T) {
	run := &BacktestRun{
		Status:      RunStatusCompleted,
		Graph:       json.RawMessage(`{}`),
		Metrics:     &Metrics{TradeCount: 3},
		Trades:      make([]Trade, 3),
		EquityCurve: make([]EquityPoint, 10),
		MonteCarlo:  &MonteCarloSummary{Trials: 100},
	}
	run.StripPayload()

	assert.Nil(t, run.Trades)
	assert.Nil(t, run.EquityCurve)
	assert.Nil(t, run.Graph)
	assert.Nil(t, run.MonteCarlo)
	require.NotNil(t, run.Metrics)
	assert.Equal(t, 3, run.Metrics.TradeCount)
}

func TestStatusViewAndFilter(t *testing.T) {
	at := time.Now().UTC()
	run := &BacktestRun{ID: "r1", Status: RunStatusRunning, Progress: 40, ProgressMessage: "node sma"}

	v := run.StatusView(at)
	assert.Equal(t, RunStatusView{RunID: "r1", Status: RunStatusRunning, Progress: 40, Message: "node sma", Updated: at}, v)

	assert.True(t, RunFilter{}.Matches(run))
	assert.True(t, RunFilter{Status: RunStatusRunning}.Matches(run))
	assert.False(t, RunFilter{Status: RunStatusQueued}.Matches(run))
}

func TestRunEventFinal(t *testing.T) {
	assert.True(t, RunEvent{Type: RunEventStatus, Status: RunStatusFailed}.Final())
	assert.False(t, RunEvent{Type: RunEventStatus, Status: RunStatusRunning}.Final())
	assert.False(t, RunEvent{Type: RunEventProgress, Status: RunStatusCompleted}.Final())
}
