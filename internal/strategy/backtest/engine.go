package backtest

import (
	"context"
	"time"

	"stratlab/internal/logger"
	"stratlab/internal/strategy/block"
	"stratlab/internal/strategy/graph"
	"stratlab/internal/types"
)

// Engine runs a single backtest: graph execution, metrics, Monte Carlo,
// diagnostics and reproducibility hashes.
type Engine struct {
	executor *graph.Executor
	log      logger.Logger
	perf     *logger.PerformanceLogger
}

// NewEngine creates a backtesting engine
func NewEngine(executor *graph.Executor, log logger.Logger) *Engine {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Engine{executor: executor, log: log, perf: logger.NewPerformanceLogger(log, 10*time.Second)}
}

// Executor returns the graph executor used by the engine
func (e *Engine) Executor() *graph.Executor {
	return e.executor
}

// Result represents backtest results
type Result struct {
	Metrics     types.Metrics
	EquityCurve []types.EquityPoint
	Trades      []types.Trade
	MonteCarlo  *types.MonteCarloSummary
	Warnings    []types.RunWarning
	Hashes      types.ReproHashes
	Bars        int
}

// Run runs the backtest over the full config window
func (e *Engine) Run(ctx context.Context, g *graph.Graph, cfg types.RunConfig, progress graph.ProgressFunc) (*Result, error) {
	return e.run(ctx, g, cfg, block.ScopeFromConfig(cfg), progress, true)
}

// RunWindow runs the graph over an explicit scope without Monte Carlo, for
// callers that resample across several windows themselves.
func (e *Engine) RunWindow(ctx context.Context, g *graph.Graph, cfg types.RunConfig, scope block.RunScope, progress graph.ProgressFunc) (*Result, error) {
	return e.run(ctx, g, cfg, scope, progress, false)
}

func (e *Engine) run(ctx context.Context, g *graph.Graph, cfg types.RunConfig, scope block.RunScope, progress graph.ProgressFunc, withMonteCarlo bool) (*Result, error) {
	defer e.perf.Track("backtest", map[string]interface{}{
		"symbol": scope.Symbol, "start": scope.Start, "end": scope.End,
	})()

	res, err := e.executor.Run(ctx, g, scope, progress)
	if err != nil {
		return nil, err
	}
	final := res.Context

	out := &Result{
		Metrics:     Calculate(final.Trades, cfg.InitialCapital),
		EquityCurve: final.Equity,
		Trades:      final.Trades,
		Bars:        final.Len() - scope.FirstActive(final.Prices),
	}

	wantMC := withMonteCarlo && (cfg.MonteCarlo == nil || !cfg.MonteCarlo.Disabled)
	if wantMC {
		out.MonteCarlo = NewMonteCarlo(cfg).Run(final.Trades)
	}

	if out.Hashes, err = Hashes(g, cfg, final.Prices); err != nil {
		return nil, err
	}

	out.Warnings = Diagnostics{
		Bars:             out.Bars,
		Metrics:          out.Metrics,
		BlockWarnings:    res.Warnings,
		MonteCarloWanted: wantMC,
		MonteCarloRan:    out.MonteCarlo != nil,
	}.Warnings()

	e.log.WithContext(ctx).Debug("Backtest finished",
		"symbol", scope.Symbol, "bars", out.Bars, "trades", out.Metrics.TradeCount, "total_pnl", out.Metrics.TotalPnL)
	return out, nil
}

// Hashes computes the reproducibility hashes of a run. Priority is excluded
// from the params hash since it does not affect results.
func Hashes(g *graph.Graph, cfg types.RunConfig, bars []types.Bar) (types.ReproHashes, error) {
	var h types.ReproHashes
	var err error
	if h.Graph, err = g.Hash(); err != nil {
		return h, err
	}
	if bars == nil {
		bars = []types.Bar{}
	}
	if h.Data, err = graph.HashJSON(bars); err != nil {
		return h, err
	}
	cfg.Priority = ""
	if h.Params, err = graph.HashJSON(cfg); err != nil {
		return h, err
	}
	return h, nil
}
