package block

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ModelKind names a supported model family
type ModelKind string

const (
	ModelLinear   ModelKind = "linear"
	ModelLogistic ModelKind = "logistic"
)

// Model is a fitted model stored in the context registry. The set of
// implementations is closed: LinearModel and LogisticModel.
type Model interface {
	Kind() ModelKind
	RequiredFeatures() []string
	Predict(features []float64) (float64, error)
	// FittedThrough is the last timestamp used for fitting; zero when the
	// weights were supplied rather than fitted.
	FittedThrough() time.Time
	sealed()
}

type linearCore struct {
	Features  []string  `json:"features"`
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
	FitEnd    time.Time `json:"fit_end,omitempty"`
}

func (m linearCore) RequiredFeatures() []string { return append([]string(nil), m.Features...) }
func (m linearCore) FittedThrough() time.Time   { return m.FitEnd }
func (linearCore) sealed()                      {}

func (m linearCore) score(x []float64) (float64, error) {
	if len(x) != len(m.Weights) {
		return 0, fmt.Errorf("model expects %d features, got %d", len(m.Weights), len(x))
	}
	s := m.Intercept
	for i, w := range m.Weights {
		s += w * x[i]
	}
	return s, nil
}

// LinearModel predicts intercept + w·x
type LinearModel struct {
	linearCore
}

// NewLinearModel creates a linear model
func NewLinearModel(features []string, weights []float64, intercept float64) *LinearModel {
	return &LinearModel{linearCore{Features: features, Weights: weights, Intercept: intercept}}
}

func (m *LinearModel) Kind() ModelKind { return ModelLinear }

func (m *LinearModel) Predict(x []float64) (float64, error) { return m.score(x) }

// LogisticModel predicts sigmoid(intercept + w·x), a probability in (0, 1)
type LogisticModel struct {
	linearCore
}

// NewLogisticModel creates a logistic model
func NewLogisticModel(features []string, weights []float64, intercept float64) *LogisticModel {
	return &LogisticModel{linearCore{Features: features, Weights: weights, Intercept: intercept}}
}

func (m *LogisticModel) Kind() ModelKind { return ModelLogistic }

func (m *LogisticModel) Predict(x []float64) (float64, error) {
	s, err := m.score(x)
	if err != nil {
		return 0, err
	}
	return sigmoid(s), nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// PredictSeries scores every bar; bars with a NaN input score NaN
func PredictSeries(c *Context, m Model) ([]float64, error) {
	names := m.RequiredFeatures()
	cols := make([][]float64, len(names))
	for i, name := range names {
		col, err := c.Series(name)
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}

	out := make([]float64, c.Len())
	x := make([]float64, len(names))
	for t := range out {
		missing := false
		for j := range cols {
			x[j] = cols[j][t]
			if math.IsNaN(x[j]) {
				missing = true
			}
		}
		if missing {
			out[t] = math.NaN()
			continue
		}
		score, err := m.Predict(x)
		if err != nil {
			return nil, err
		}
		out[t] = score
	}
	return out, nil
}

// fitLinear solves ordinary least squares through the normal equations with a
// tiny ridge term on the non-intercept weights.
func fitLinear(rows [][]float64, y []float64) ([]float64, float64, error) {
	k := len(rows[0]) + 1
	x := mat.NewDense(len(rows), k, nil)
	for r, row := range rows {
		x.Set(r, 0, 1)
		for j, v := range row {
			x.Set(r, j+1, v)
		}
	}
	yv := mat.NewVecDense(len(y), y)

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for i := 1; i < k; i++ {
		xtx.Set(i, i, xtx.At(i, i)+1e-9)
	}
	var xty mat.VecDense
	xty.MulVec(x.T(), yv)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		return nil, 0, fmt.Errorf("singular design matrix: %w", err)
	}
	weights := make([]float64, k-1)
	for j := range weights {
		weights[j] = beta.AtVec(j + 1)
	}
	return weights, beta.AtVec(0), nil
}

// fitLogistic runs batch gradient descent from zero weights. Deterministic
// for a given input.
func fitLogistic(rows [][]float64, y []float64, iterations int, rate float64) ([]float64, float64) {
	k := len(rows[0])
	w := make([]float64, k)
	var b float64
	n := float64(len(rows))
	grad := make([]float64, k)
	for it := 0; it < iterations; it++ {
		floats.Scale(0, grad)
		var gb float64
		for r, row := range rows {
			diff := sigmoid(b+floats.Dot(w, row)) - y[r]
			for j, v := range row {
				grad[j] += diff * v
			}
			gb += diff
		}
		for j := range w {
			w[j] -= rate * grad[j] / n
		}
		b -= rate * gb / n
	}
	return w, b
}
