package block

import (
	"context"
	"fmt"
	"time"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
	"stratlab/internal/market"
	"stratlab/internal/types"
)

// dataLoader fetches bars for the run window. An empty result is a valid,
// empty output so downstream blocks degrade instead of failing.
type dataLoader struct {
	symbol    string
	timeframe types.Timeframe
	provider  market.Provider
	log       logger.Logger
}

func newDataLoader(params Params, deps Deps) (Block, error) {
	r := newParamReader("data_loader", params)
	symbol := r.String("symbol", "")
	tf := r.String("timeframe", "")
	if tf != "" {
		if _, err := types.ParseTimeframe(tf); err != nil {
			r.fail("timeframe", "%v", err)
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if deps.Provider == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidConfig, "data_loader: no price provider configured")
	}
	return &dataLoader{symbol: symbol, timeframe: types.Timeframe(tf), provider: deps.Provider, log: deps.Logger}, nil
}

func (b *dataLoader) Type() string { return "data_loader" }

func (b *dataLoader) Execute(ctx context.Context, in *Context, _ []Output) Output {
	symbol := b.symbol
	if symbol == "" {
		symbol = in.Run.Symbol
	}
	tf := b.timeframe
	if tf == "" {
		tf = in.Run.Timeframe
	}

	start := time.Now()
	bars, err := b.provider.Fetch(ctx, symbol, tf, in.Run.LoadStart(), in.Run.End)
	if err != nil {
		if ctx.Err() != nil {
			return Failure(in, ctx.Err())
		}
		return Failure(in, apperrors.NewAppError(apperrors.ErrCodeBlockExecution,
			fmt.Sprintf("data_loader: fetch %s %s failed", symbol, tf), err))
	}
	if bars == nil {
		bars = []types.Bar{}
	}

	b.log.Debug("Loaded bars", "symbol", symbol, "timeframe", tf, "bars", len(bars), "duration_ms", time.Since(start).Milliseconds())

	out := in.Clone()
	out.Prices = bars
	data := map[string]interface{}{"symbol": symbol, "timeframe": string(tf), "bars": len(bars)}
	if warmup := in.Run.FirstActive(bars); warmup > 0 {
		data["warmup_bars"] = warmup
	}
	if len(bars) == 0 {
		return Success(out, data, fmt.Sprintf("no price data for %s %s between %s and %s",
			symbol, tf, in.Run.Start.Format(time.RFC3339), in.Run.End.Format(time.RFC3339)))
	}
	return Success(out, data)
}
