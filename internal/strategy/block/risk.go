package block

import (
	"context"
	"math"

	apperrors "stratlab/internal/errors"
)

func newMaxPosition(params Params, _ Deps) (Block, error) {
	r := newParamReader("max_position", params)
	limit := r.RequireFloat("max")
	if r.Err() == nil && limit <= 0 {
		r.fail("max", "must be positive, got %v", limit)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &positionBlock{typ: "max_position", compute: func(in *Context) ([]float64, error) {
		targets := in.Targets()
		out := make([]float64, len(targets))
		for i, t := range targets {
			out[i] = math.Max(-limit, math.Min(limit, t))
		}
		return out, nil
	}}, nil
}

// atrStop publishes stop (and optionally take-profit) distances as a multiple
// of ATR for stop_loss to consume.
type atrStop struct {
	multiplier   float64
	tpMultiplier float64
	period       int
	column       string
}

func newATRStop(params Params, _ Deps) (Block, error) {
	r := newParamReader("atr_stop", params)
	b := &atrStop{
		multiplier:   r.Positive("multiplier", 2),
		tpMultiplier: r.Positive("take_profit_multiplier", 0),
		period:       r.Period("period", 14, 1),
		column:       r.String("column", ""),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *atrStop) Type() string { return "atr_stop" }

func (b *atrStop) Execute(_ context.Context, in *Context, _ []Output) Output {
	var base []float64
	if b.column != "" {
		col, err := in.Series(b.column)
		if err != nil {
			return Failure(in, execError(b.Type(), err))
		}
		base = col
	} else {
		base = atr(in.Prices, b.period)
	}

	out := in.Clone()
	out.Aux.StopDistances = scaled(base, b.multiplier)
	if b.tpMultiplier > 0 {
		out.Aux.TakeProfitDistances = scaled(base, b.tpMultiplier)
	}
	return Success(out, map[string]interface{}{"multiplier": b.multiplier})
}

func scaled(values []float64, k float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v * k
	}
	return out
}

// stopLoss flattens a position once its stop or take-profit level is touched
// and keeps it flat until the target direction changes.
type stopLoss struct {
	pct   float64
	tpPct float64
}

func newStopLoss(params Params, _ Deps) (Block, error) {
	r := newParamReader("stop_loss", params)
	b := &stopLoss{pct: r.Float("pct", 0), tpPct: r.Float("take_profit_pct", 0)}
	if b.pct < 0 || b.pct >= 1 {
		r.fail("pct", "must be in [0, 1), got %v", b.pct)
	}
	if b.tpPct < 0 {
		r.fail("take_profit_pct", "must be non-negative, got %v", b.tpPct)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *stopLoss) Type() string { return "stop_loss" }

func (b *stopLoss) distance(pct float64, aux []float64, i int, entry float64) float64 {
	if pct > 0 {
		return pct * entry
	}
	if aux != nil && i < len(aux) && !math.IsNaN(aux[i]) {
		return aux[i]
	}
	return 0
}

func (b *stopLoss) Execute(_ context.Context, in *Context, _ []Output) Output {
	if b.pct == 0 && in.Aux.StopDistances == nil && b.tpPct == 0 && in.Aux.TakeProfitDistances == nil {
		return Failure(in, apperrors.Newf(apperrors.ErrCodeFeatureNotFound,
			"stop_loss: no pct given and no stop distances upstream"))
	}

	targets := in.Targets()
	out := make([]float64, len(targets))
	var dir, stopLevel, tpLevel float64
	var stopped bool
	stops, takes := 0, 0

	for i, t := range targets {
		bar := in.Prices[i]
		d := sign(t)
		if d != dir {
			dir, stopped = d, false
			stopLevel, tpLevel = math.NaN(), math.NaN()
			if d != 0 {
				entry := bar.Close
				if dist := b.distance(b.pct, in.Aux.StopDistances, i, entry); dist > 0 {
					stopLevel = entry - d*dist
				}
				if dist := b.distance(b.tpPct, in.Aux.TakeProfitDistances, i, entry); dist > 0 {
					tpLevel = entry + d*dist
				}
			}
			out[i] = t
			continue
		}
		if d == 0 || stopped {
			continue
		}

		if d > 0 {
			if bar.Low <= stopLevel {
				stopped = true
				stops++
			} else if bar.High >= tpLevel {
				stopped = true
				takes++
			}
		} else {
			if bar.High >= stopLevel {
				stopped = true
				stops++
			} else if bar.Low <= tpLevel {
				stopped = true
				takes++
			}
		}
		if !stopped {
			out[i] = t
		}
	}

	next := in.Clone()
	next.Positions = out
	return Success(next, map[string]interface{}{"stops_hit": stops, "take_profits_hit": takes})
}
