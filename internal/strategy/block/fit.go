package block

import (
	"context"
	"fmt"
	"math"
	"time"

	apperrors "stratlab/internal/errors"
)

// fitModel registers a model under a name. With explicit weights the model is
// declared as given; otherwise it is fitted against the forward return over
// horizon bars, on the run's train window when one is set and on the leading
// train_fraction of the bars otherwise.
type fitModel struct {
	name          string
	kind          ModelKind
	features      []string
	weights       []float64
	intercept     float64
	horizon       int
	trainFraction float64
	iterations    int
	learningRate  float64
}

func newFitModel(params Params, _ Deps) (Block, error) {
	r := newParamReader("fit_model", params)
	b := &fitModel{
		name:          r.RequireString("name"),
		kind:          ModelKind(r.Enum("kind", string(ModelLinear), string(ModelLinear), string(ModelLogistic))),
		features:      r.Strings("features"),
		weights:       r.Floats("weights"),
		intercept:     r.Float("intercept", 0),
		horizon:       r.Period("horizon", 1, 1),
		trainFraction: r.Float("train_fraction", 0.5),
		iterations:    r.Period("iterations", 500, 1),
		learningRate:  r.Positive("learning_rate", 0.1),
	}
	if len(b.features) == 0 {
		r.fail("features", "at least one feature is required")
	}
	if b.weights != nil && len(b.weights) != len(b.features) {
		r.fail("weights", "expected %d weights, got %d", len(b.features), len(b.weights))
	}
	if b.trainFraction <= 0 || b.trainFraction > 1 {
		r.fail("train_fraction", "must be in (0, 1], got %v", b.trainFraction)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *fitModel) Type() string { return "fit_model" }

func (b *fitModel) build(weights []float64, intercept float64, fitEnd time.Time) Model {
	if b.kind == ModelLogistic {
		m := NewLogisticModel(b.features, weights, intercept)
		m.FitEnd = fitEnd
		return m
	}
	m := NewLinearModel(b.features, weights, intercept)
	m.FitEnd = fitEnd
	return m
}

func (b *fitModel) Execute(_ context.Context, in *Context, _ []Output) Output {
	if b.weights != nil {
		return b.register(in, b.build(b.weights, b.intercept, time.Time{}), map[string]interface{}{"fitted": false})
	}

	cols := make([][]float64, len(b.features))
	for i, name := range b.features {
		col, err := in.Series(name)
		if err != nil {
			return Failure(in, execError(b.Type(), err))
		}
		cols[i] = col
	}
	closePx := closes(in.Prices)

	cutoff := int(math.Floor(float64(in.Len()) * b.trainFraction))
	if !in.Run.TrainStart.IsZero() {
		cutoff = in.Run.FirstActive(in.Prices)
	}
	var rows [][]float64
	var target []float64
	lastRow := -1
	for t := 0; t < cutoff && t+b.horizon < in.Len(); t++ {
		row := make([]float64, len(cols))
		ok := closePx[t] != 0
		for j := range cols {
			row[j] = cols[j][t]
			if math.IsNaN(row[j]) {
				ok = false
			}
		}
		if !ok {
			continue
		}
		fwd := closePx[t+b.horizon]/closePx[t] - 1
		if b.kind == ModelLogistic {
			if fwd > 0 {
				fwd = 1
			} else {
				fwd = 0
			}
		}
		rows = append(rows, row)
		target = append(target, fwd)
		lastRow = t + b.horizon
	}

	if len(rows) < len(b.features)+2 {
		return Failure(in, apperrors.Newf(apperrors.ErrCodeBlockExecution,
			"fit_model: insufficient training rows (%d) for %d features", len(rows), len(b.features)))
	}

	var weights []float64
	var intercept float64
	if b.kind == ModelLogistic {
		weights, intercept = fitLogistic(rows, target, b.iterations, b.learningRate)
	} else {
		var err error
		weights, intercept, err = fitLinear(rows, target)
		if err != nil {
			return Failure(in, execError(b.Type(), err))
		}
	}

	fitEnd := in.Prices[lastRow].Timestamp
	return b.register(in, b.build(weights, intercept, fitEnd), map[string]interface{}{
		"fitted":    true,
		"rows":      len(rows),
		"weights":   weights,
		"intercept": intercept,
		"fit_end":   fitEnd,
	})
}

func (b *fitModel) register(in *Context, m Model, data map[string]interface{}) Output {
	out := in.Clone()
	var warnings []string
	if _, exists := out.Models[b.name]; exists {
		warnings = append(warnings, fmt.Sprintf("model %q replaced", b.name))
	}
	out.Models[b.name] = m
	data["model"] = b.name
	data["kind"] = string(b.kind)
	return Success(out, data, warnings...)
}
