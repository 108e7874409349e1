package block

import (
	"context"
	"math"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/strategy/block/expr"
	"stratlab/internal/types"
)

// signalBlock writes a signal series computed from the context
type signalBlock struct {
	typ     string
	compute func(in *Context) ([]types.Signal, error)
}

func (b *signalBlock) Type() string { return b.typ }

func (b *signalBlock) Execute(_ context.Context, in *Context, _ []Output) Output {
	signals, err := b.compute(in)
	if err != nil {
		return Failure(in, execError(b.typ, err))
	}
	out := in.Clone()
	out.Signals = signals
	return Success(out, signalStats(signals))
}

func signalStats(signals []types.Signal) map[string]interface{} {
	var long, short int
	for _, s := range signals {
		switch s {
		case types.SignalLong:
			long++
		case types.SignalShort:
			short++
		}
	}
	return map[string]interface{}{"long_bars": long, "short_bars": short, "flat_bars": len(signals) - long - short}
}

var directions = map[string]types.Signal{"long": types.SignalLong, "flat": types.SignalFlat, "short": types.SignalShort}

// fixedSignal emits a constant direction. With size it also writes positions.
type fixedSignal struct {
	direction types.Signal
	size      float64
}

func newFixedSignal(params Params, _ Deps) (Block, error) {
	r := newParamReader("fixed_signal", params)
	dir := r.Enum("direction", "long", "long", "flat", "short")
	size := r.Positive("size", 0)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &fixedSignal{direction: directions[dir], size: size}, nil
}

func (b *fixedSignal) Type() string { return "fixed_signal" }

func (b *fixedSignal) Execute(_ context.Context, in *Context, _ []Output) Output {
	out := in.Clone()
	out.Signals = make([]types.Signal, in.Len())
	for i := range out.Signals {
		out.Signals[i] = b.direction
	}
	if b.size > 0 {
		out.Positions = make([]float64, in.Len())
		for i := range out.Positions {
			out.Positions[i] = float64(b.direction) * b.size
		}
	}
	return Success(out, signalStats(out.Signals))
}

func newThreshold(params Params, _ Deps) (Block, error) {
	r := newParamReader("threshold", params)
	source := r.RequireString("source")
	hasUpper, hasLower := r.has("upper"), r.has("lower")
	upper := r.Float("upper", math.Inf(1))
	lower := r.Float("lower", math.Inf(-1))
	invert := r.Bool("invert", false)
	if !hasUpper && !hasLower {
		r.fail("upper", "at least one of upper or lower is required")
	}
	if hasUpper && hasLower && lower > upper {
		r.fail("lower", "must not exceed upper")
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &signalBlock{typ: "threshold", compute: func(in *Context) ([]types.Signal, error) {
		src, err := in.Series(source)
		if err != nil {
			return nil, err
		}
		out := make([]types.Signal, len(src))
		for i, v := range src {
			switch {
			case v > upper:
				out[i] = types.SignalLong
			case v < lower:
				out[i] = types.SignalShort
			}
			if invert {
				out[i] = -out[i]
			}
		}
		return out, nil
	}}, nil
}

func newCrossover(params Params, _ Deps) (Block, error) {
	r := newParamReader("crossover", params)
	fast := r.RequireString("fast")
	slow := r.RequireString("slow")
	allowShort := r.Bool("allow_short", false)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &signalBlock{typ: "crossover", compute: func(in *Context) ([]types.Signal, error) {
		f, err := in.Series(fast)
		if err != nil {
			return nil, err
		}
		s, err := in.Series(slow)
		if err != nil {
			return nil, err
		}
		out := make([]types.Signal, len(f))
		for i := range f {
			switch {
			case f[i] > s[i]:
				out[i] = types.SignalLong
			case f[i] < s[i] && allowShort:
				out[i] = types.SignalShort
			}
		}
		return out, nil
	}}, nil
}

func newRule(params Params, _ Deps) (Block, error) {
	r := newParamReader("rule", params)
	longSrc := r.String("long_when", "")
	shortSrc := r.String("short_when", "")
	if longSrc == "" && shortSrc == "" {
		r.fail("long_when", "at least one of long_when or short_when is required")
	}
	if err := r.Err(); err != nil {
		return nil, err
	}

	var longExpr, shortExpr *expr.Expr
	var err error
	if longSrc != "" {
		if longExpr, err = parseExpression("rule", "long_when", longSrc); err != nil {
			return nil, err
		}
	}
	if shortSrc != "" {
		if shortExpr, err = parseExpression("rule", "short_when", shortSrc); err != nil {
			return nil, err
		}
	}

	return &signalBlock{typ: "rule", compute: func(in *Context) ([]types.Signal, error) {
		out := make([]types.Signal, in.Len())
		if longExpr != nil {
			values, err := evalExpression(longExpr, in)
			if err != nil {
				return nil, err
			}
			for i, v := range values {
				if v != 0 && !math.IsNaN(v) {
					out[i] = types.SignalLong
				}
			}
		}
		if shortExpr != nil {
			values, err := evalExpression(shortExpr, in)
			if err != nil {
				return nil, err
			}
			for i, v := range values {
				if v != 0 && !math.IsNaN(v) {
					// 多空同时成立时保持空仓
					if out[i] == types.SignalLong {
						out[i] = types.SignalFlat
					} else {
						out[i] = types.SignalShort
					}
				}
			}
		}
		return out, nil
	}}, nil
}

// modelSignal thresholds the score of a registered model. Bars up to the
// model's fit end stay flat so the model never trades its own training data.
func newModelSignal(params Params, _ Deps) (Block, error) {
	r := newParamReader("model_signal", params)
	name := r.RequireString("model")
	longAbove := r.Float("long_above", math.NaN())
	shortBelow := r.Float("short_below", math.NaN())
	if err := r.Err(); err != nil {
		return nil, err
	}

	return &signalBlock{typ: "model_signal", compute: func(in *Context) ([]types.Signal, error) {
		m, ok := in.Models[name]
		if !ok {
			return nil, apperrors.Newf(apperrors.ErrCodeModelNotFound, "model %q not found in registry", name)
		}
		upper := longAbove
		if math.IsNaN(upper) {
			upper = 0
			if m.Kind() == ModelLogistic {
				upper = 0.5
			}
		}

		scores, err := PredictSeries(in, m)
		if err != nil {
			return nil, err
		}
		fitEnd := m.FittedThrough()
		out := make([]types.Signal, len(scores))
		for i, s := range scores {
			if math.IsNaN(s) || (!fitEnd.IsZero() && !in.Prices[i].Timestamp.After(fitEnd)) {
				continue
			}
			switch {
			case s > upper:
				out[i] = types.SignalLong
			case !math.IsNaN(shortBelow) && s < shortBelow:
				out[i] = types.SignalShort
			}
		}
		return out, nil
	}}, nil
}
