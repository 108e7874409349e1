package block

import (
	"context"
	"math"

	apperrors "stratlab/internal/errors"
)

// positionBlock writes a position series derived from the context
type positionBlock struct {
	typ     string
	compute func(in *Context) ([]float64, error)
}

func (b *positionBlock) Type() string { return b.typ }

func (b *positionBlock) Execute(_ context.Context, in *Context, _ []Output) Output {
	positions, err := b.compute(in)
	if err != nil {
		return Failure(in, execError(b.typ, err))
	}
	out := in.Clone()
	out.Positions = positions
	var gross float64
	for _, p := range positions {
		gross = math.Max(gross, math.Abs(p))
	}
	return Success(out, map[string]interface{}{"max_abs_position": gross})
}

func requireSignals(blockType string, in *Context) error {
	if in.Signals == nil {
		return apperrors.Newf(apperrors.ErrCodeFeatureNotFound, "%s: no signal series upstream", blockType)
	}
	if len(in.Signals) != in.Len() {
		return apperrors.Newf(apperrors.ErrCodeShapeMismatch, "%s: %d signals for %d bars", blockType, len(in.Signals), in.Len())
	}
	return nil
}

func newFixedSize(params Params, _ Deps) (Block, error) {
	r := newParamReader("fixed_size", params)
	size := r.RequireFloat("size")
	if r.Err() == nil && size <= 0 {
		r.fail("size", "must be positive, got %v", size)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &positionBlock{typ: "fixed_size", compute: func(in *Context) ([]float64, error) {
		if err := requireSignals("fixed_size", in); err != nil {
			return nil, err
		}
		out := make([]float64, in.Len())
		for i, s := range in.Signals {
			out[i] = float64(s) * size
		}
		return out, nil
	}}, nil
}

func newPercentEquity(params Params, _ Deps) (Block, error) {
	r := newParamReader("percent_equity", params)
	fraction := r.Float("fraction", 1)
	if fraction <= 0 || fraction > 10 {
		r.fail("fraction", "must be in (0, 10], got %v", fraction)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &positionBlock{typ: "percent_equity", compute: func(in *Context) ([]float64, error) {
		if err := requireSignals("percent_equity", in); err != nil {
			return nil, err
		}
		out := make([]float64, in.Len())
		for i, s := range in.Signals {
			if px := in.Prices[i].Close; px > 0 {
				out[i] = float64(s) * fraction * in.Run.InitialCapital / px
			}
		}
		return out, nil
	}}, nil
}

// newVolatilityTarget scales notional so realized per-bar volatility matches
// target, capped at max_leverage times capital.
func newVolatilityTarget(params Params, _ Deps) (Block, error) {
	r := newParamReader("volatility_target", params)
	target := r.RequireFloat("target")
	if r.Err() == nil && target <= 0 {
		r.fail("target", "must be positive, got %v", target)
	}
	lookback := r.Period("lookback", 20, 2)
	maxLeverage := r.Positive("max_leverage", 1)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &positionBlock{typ: "volatility_target", compute: func(in *Context) ([]float64, error) {
		if err := requireSignals("volatility_target", in); err != nil {
			return nil, err
		}
		vol := rollingStd(returnsOver(closes(in.Prices), 1, false), lookback)
		out := make([]float64, in.Len())
		for i, s := range in.Signals {
			px := in.Prices[i].Close
			if s == 0 || math.IsNaN(vol[i]) || px <= 0 {
				continue
			}
			leverage := maxLeverage
			if vol[i] > 0 {
				leverage = math.Min(maxLeverage, target/vol[i])
			}
			out[i] = float64(s) * leverage * in.Run.InitialCapital / px
		}
		return out, nil
	}}, nil
}
