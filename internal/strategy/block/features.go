package block

import (
	"context"
	"errors"
	"fmt"
	"math"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/strategy/block/expr"
)

// columnBlock is a feature block that derives one new column
type columnBlock struct {
	typ     string
	name    string
	compute func(in *Context) ([]float64, error)
}

func (b *columnBlock) Type() string { return b.typ }

func (b *columnBlock) Execute(_ context.Context, in *Context, _ []Output) Output {
	values, err := b.compute(in)
	if err != nil {
		return Failure(in, execError(b.typ, err))
	}
	return addColumn(in, b.name, values)
}

func addColumn(in *Context, name string, values []float64) Output {
	out := in.Clone()
	var warnings []string
	if out.Features.Set(name, values) {
		warnings = append(warnings, fmt.Sprintf("feature column %q overwritten", name))
	}
	return Success(out, map[string]interface{}{"column": name}, warnings...)
}

func defaultColumnName(typ, source string, period int) string {
	if source == "close" {
		return fmt.Sprintf("%s_%d", typ, period)
	}
	return fmt.Sprintf("%s_%s_%d", typ, source, period)
}

func newMovingAverage(typ string) Constructor {
	return func(params Params, _ Deps) (Block, error) {
		r := newParamReader(typ, params)
		source := r.String("source", "close")
		period := r.Period("period", 20, 1)
		name := r.String("name", defaultColumnName(typ, source, period))
		if err := r.Err(); err != nil {
			return nil, err
		}
		return &columnBlock{typ: typ, name: name, compute: func(in *Context) ([]float64, error) {
			src, err := in.Series(source)
			if err != nil {
				return nil, err
			}
			if typ == "ema" {
				return ema(src, period), nil
			}
			return rollingMean(src, period), nil
		}}, nil
	}
}

func newRSI(params Params, _ Deps) (Block, error) {
	r := newParamReader("rsi", params)
	source := r.String("source", "close")
	period := r.Period("period", 14, 2)
	name := r.String("name", defaultColumnName("rsi", source, period))
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &columnBlock{typ: "rsi", name: name, compute: func(in *Context) ([]float64, error) {
		src, err := in.Series(source)
		if err != nil {
			return nil, err
		}
		return rsi(src, period), nil
	}}, nil
}

func newReturns(params Params, _ Deps) (Block, error) {
	r := newParamReader("returns", params)
	source := r.String("source", "close")
	period := r.Period("period", 1, 1)
	method := r.Enum("method", "simple", "simple", "log")
	name := r.String("name", defaultColumnName("returns", source, period))
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &columnBlock{typ: "returns", name: name, compute: func(in *Context) ([]float64, error) {
		src, err := in.Series(source)
		if err != nil {
			return nil, err
		}
		return returnsOver(src, period, method == "log"), nil
	}}, nil
}

func newZScore(params Params, _ Deps) (Block, error) {
	r := newParamReader("zscore", params)
	source := r.String("source", "close")
	period := r.Period("period", 20, 2)
	name := r.String("name", defaultColumnName("zscore", source, period))
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &columnBlock{typ: "zscore", name: name, compute: func(in *Context) ([]float64, error) {
		src, err := in.Series(source)
		if err != nil {
			return nil, err
		}
		mean, std := rollingMean(src, period), rollingStd(src, period)
		out := nanSeries(len(src))
		for i := range src {
			if std[i] > 0 {
				out[i] = (src[i] - mean[i]) / std[i]
			}
		}
		return out, nil
	}}, nil
}

func newVolatility(params Params, _ Deps) (Block, error) {
	r := newParamReader("volatility", params)
	source := r.String("source", "close")
	period := r.Period("period", 20, 2)
	name := r.String("name", defaultColumnName("volatility", source, period))
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &columnBlock{typ: "volatility", name: name, compute: func(in *Context) ([]float64, error) {
		src, err := in.Series(source)
		if err != nil {
			return nil, err
		}
		return rollingStd(returnsOver(src, 1, false), period), nil
	}}, nil
}

func newATR(params Params, _ Deps) (Block, error) {
	r := newParamReader("atr", params)
	period := r.Period("period", 14, 1)
	name := r.String("name", fmt.Sprintf("atr_%d", period))
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &columnBlock{typ: "atr", name: name, compute: func(in *Context) ([]float64, error) {
		return atr(in.Prices, period), nil
	}}, nil
}

// parseExpression validates an expression parameter at construction time
func parseExpression(blockType, key, src string) (*expr.Expr, error) {
	e, err := expr.Parse(src)
	if err != nil {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
			fmt.Sprintf("%s: invalid parameter %q", blockType, key), err.Error(), err).
			WithContext("block_type", blockType).WithContext("param", key)
	}
	return e, nil
}

// evalExpression maps evaluator failures onto execution error codes
func evalExpression(e *expr.Expr, in *Context) ([]float64, error) {
	values, err := e.Eval(in, in.Len())
	if err == nil {
		return values, nil
	}
	var missing *expr.MissingColumnError
	var shape *expr.ShapeError
	switch {
	case errors.As(err, &missing):
		return nil, apperrors.Newf(apperrors.ErrCodeFeatureNotFound, "feature %q not found", missing.Name)
	case errors.As(err, &shape):
		return nil, apperrors.NewAppError(apperrors.ErrCodeShapeMismatch, shape.Error(), err)
	}
	return nil, err
}

func newFormula(params Params, _ Deps) (Block, error) {
	r := newParamReader("formula", params)
	src := r.RequireString("expression")
	name := r.RequireString("name")
	if err := r.Err(); err != nil {
		return nil, err
	}
	e, err := parseExpression("formula", "expression", src)
	if err != nil {
		return nil, err
	}
	return &columnBlock{typ: "formula", name: name, compute: func(in *Context) ([]float64, error) {
		values, err := evalExpression(e, in)
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			if math.IsInf(v, 0) {
				values[i] = math.NaN()
			}
		}
		return values, nil
	}}, nil
}
