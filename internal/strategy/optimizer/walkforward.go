package optimizer

import (
	"context"
	"fmt"
	"time"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
	"stratlab/internal/strategy/backtest"
	"stratlab/internal/strategy/block"
	"stratlab/internal/strategy/graph"
	"stratlab/internal/types"
)

const day = 24 * time.Hour

// Window is one walk-forward split
type Window struct {
	Index      int
	TrainStart time.Time
	TrainEnd   time.Time
	TestStart  time.Time
	TestEnd    time.Time
}

// Windows splits [start, end) into folds.
//
// Rolling: fixed train and test lengths, stride (total-train-test)/(folds-1)
// floored at test. Expanding: train is anchored at start and grows by
// test plus (total-train-folds*test)/folds per fold. Folds whose test window
// would start at or after end are dropped; the last test window is clipped to end.
func Windows(start, end time.Time, wf types.WalkForwardConfig) []Window {
	train := time.Duration(wf.TrainDays) * day
	test := time.Duration(wf.TestDays) * day
	totalDays := int(end.Sub(start) / day)

	var windows []Window
	for i := 0; i < wf.Folds; i++ {
		var w Window
		switch wf.Mode {
		case types.WalkForwardExpanding:
			// 锚定式：训练窗口起点固定
			inc := max(0, (totalDays-wf.TrainDays-wf.Folds*wf.TestDays)/wf.Folds)
			w.TrainStart = start
			w.TrainEnd = start.Add(train + time.Duration(i*(wf.TestDays+inc))*day)
		default:
			// 滚动式：移动窗口
			stride := wf.TestDays
			if wf.Folds > 1 {
				stride = max(wf.TestDays, (totalDays-wf.TrainDays-wf.TestDays)/(wf.Folds-1))
			}
			w.TrainStart = start.Add(time.Duration(i*stride) * day)
			w.TrainEnd = w.TrainStart.Add(train)
		}
		w.TestStart = w.TrainEnd
		if !w.TestStart.Before(end) {
			break
		}
		w.TestEnd = w.TestStart.Add(test)
		if w.TestEnd.After(end) {
			w.TestEnd = end
		}
		w.Index = len(windows)
		windows = append(windows, w)
	}
	return windows
}

// WalkForward runs a graph over successive out-of-sample windows
type WalkForward struct {
	engine *backtest.Engine
	log    logger.Logger
}

// NewWalkForward creates a walk-forward runner on top of a backtest engine
func NewWalkForward(engine *backtest.Engine, log logger.Logger) *WalkForward {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &WalkForward{engine: engine, log: log}
}

// Result holds the aggregate of all successful folds
type Result struct {
	Metrics     types.Metrics
	Folds       []types.FoldResult
	Trades      []types.Trade
	EquityCurve []types.EquityPoint
	MonteCarlo  *types.MonteCarloSummary
	Warnings    []types.RunWarning
	Hashes      types.ReproHashes
}

// Run executes every fold in order. Failed folds become warnings and are
// dropped; it is an error when none succeed. ctx is checked before each fold.
func (w *WalkForward) Run(ctx context.Context, g *graph.Graph, cfg types.RunConfig, progress graph.ProgressFunc) (*Result, error) {
	if cfg.WalkForward == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidConfig, "walk-forward config is required")
	}
	windows := Windows(cfg.Start, cfg.End, *cfg.WalkForward)
	if len(windows) == 0 {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeWalkForward,
			"date range too short for a single fold",
			fmt.Sprintf("train_days=%d range=%s..%s", cfg.WalkForward.TrainDays,
				cfg.Start.Format(time.DateOnly), cfg.End.Format(time.DateOnly)), nil)
	}

	log := w.log.WithContext(ctx)
	out := &Result{}
	var foldMetrics []types.Metrics
	var dataHashes []string
	var blockWarnings []string

	for i, win := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		scope := block.ScopeFromConfig(cfg)
		scope.Start, scope.End = win.TestStart, win.TestEnd
		scope.TrainStart, scope.TrainEnd = win.TrainStart, win.TrainEnd

		res, err := w.engine.RunWindow(ctx, g, cfg, scope, foldProgress(progress, i, len(windows)))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if apperrors.HasCode(err, apperrors.ErrCodeRunCanceled) {
				return nil, err
			}
			log.Warn("Walk-forward fold failed", "fold", i, "test_start", win.TestStart, "error", err)
			out.Warnings = append(out.Warnings, types.RunWarning{
				Type:     backtest.WarnFoldFailed,
				Message:  fmt.Sprintf("fold %d failed: %v", i, err),
				Severity: types.WarningMedium,
				Details:  map[string]interface{}{"fold": i, "test_start": win.TestStart, "test_end": win.TestEnd},
			})
			continue
		}

		foldMetrics = append(foldMetrics, res.Metrics)
		out.Folds = append(out.Folds, types.FoldResult{
			Index:      win.Index,
			TrainStart: win.TrainStart,
			TrainEnd:   win.TrainEnd,
			TestStart:  win.TestStart,
			TestEnd:    win.TestEnd,
			Metrics:    res.Metrics,
			TradeCount: res.Metrics.TradeCount,
		})
		out.Trades = append(out.Trades, res.Trades...)
		out.EquityCurve = append(out.EquityCurve, res.EquityCurve...)
		out.Hashes = res.Hashes
		dataHashes = append(dataHashes, res.Hashes.Data)
		for _, rw := range res.Warnings {
			if rw.Type == backtest.WarnBlock {
				blockWarnings = append(blockWarnings, fmt.Sprintf("fold %d: %s", i, rw.Message))
			}
		}
	}

	if len(foldMetrics) == 0 {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeWalkForward,
			"all walk-forward folds failed", fmt.Sprintf("%d folds attempted", len(windows)), nil)
	}

	out.Metrics = backtest.Aggregate(foldMetrics)
	wantMC := cfg.MonteCarlo == nil || !cfg.MonteCarlo.Disabled
	if wantMC {
		out.MonteCarlo = backtest.NewMonteCarlo(cfg).Run(out.Trades)
	}

	var err error
	if out.Hashes.Data, err = graph.HashJSON(dataHashes); err != nil {
		return nil, err
	}

	bars := len(out.EquityCurve)
	diag := backtest.Diagnostics{
		Bars:             bars,
		Metrics:          out.Metrics,
		BlockWarnings:    blockWarnings,
		MonteCarloWanted: wantMC,
		MonteCarloRan:    out.MonteCarlo != nil,
	}
	out.Warnings = append(out.Warnings, diag.Warnings()...)

	log.Info("Walk-forward finished", "folds", len(out.Folds), "failed", len(windows)-len(out.Folds),
		"trades", out.Metrics.TradeCount, "sharpe", out.Metrics.Sharpe)
	return out, nil
}

// foldProgress maps a fold's own 0..100 progress onto its share of the run
func foldProgress(progress graph.ProgressFunc, fold, folds int) graph.ProgressFunc {
	if progress == nil {
		return nil
	}
	return func(percent float64, message string) error {
		overall := (float64(fold) + percent/100) / float64(folds) * 100
		return progress(overall, fmt.Sprintf("fold %d/%d: %s", fold+1, folds, message))
	}
}
