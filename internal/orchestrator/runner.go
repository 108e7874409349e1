package orchestrator

import (
	"context"

	"stratlab/internal/strategy/backtest"
	"stratlab/internal/strategy/graph"
	"stratlab/internal/strategy/optimizer"
	"stratlab/internal/types"
)

// Outcome is what a finished run contributes to its record
type Outcome struct {
	Metrics     types.Metrics
	EquityCurve []types.EquityPoint
	Trades      []types.Trade
	Folds       []types.FoldResult
	MonteCarlo  *types.MonteCarloSummary
	Warnings    []types.RunWarning
	Hashes      types.ReproHashes
}

// Runner executes one submission
type Runner interface {
	// Validate rejects a submission before it is queued
	Validate(g *graph.Graph, cfg types.RunConfig) error
	Run(ctx context.Context, g *graph.Graph, cfg types.RunConfig, progress graph.ProgressFunc) (*Outcome, error)
}

// BacktestRunner dispatches to a single backtest or walk-forward validation
type BacktestRunner struct {
	engine      *backtest.Engine
	walkForward *optimizer.WalkForward
}

// NewBacktestRunner creates a runner over engine
func NewBacktestRunner(engine *backtest.Engine, walkForward *optimizer.WalkForward) *BacktestRunner {
	return &BacktestRunner{engine: engine, walkForward: walkForward}
}

// Validate checks the config and builds every block once, so configuration
// errors surface at submission.
func (r *BacktestRunner) Validate(g *graph.Graph, cfg types.RunConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, _, err := r.engine.Executor().Build(g)
	return err
}

// Run executes the submission
func (r *BacktestRunner) Run(ctx context.Context, g *graph.Graph, cfg types.RunConfig, progress graph.ProgressFunc) (*Outcome, error) {
	if cfg.WalkForward != nil {
		res, err := r.walkForward.Run(ctx, g, cfg, progress)
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Metrics:     res.Metrics,
			EquityCurve: res.EquityCurve,
			Trades:      res.Trades,
			Folds:       res.Folds,
			MonteCarlo:  res.MonteCarlo,
			Warnings:    res.Warnings,
			Hashes:      res.Hashes,
		}, nil
	}

	res, err := r.engine.Run(ctx, g, cfg, progress)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Metrics:     res.Metrics,
		EquityCurve: res.EquityCurve,
		Trades:      res.Trades,
		MonteCarlo:  res.MonteCarlo,
		Warnings:    res.Warnings,
		Hashes:      res.Hashes,
	}, nil
}
