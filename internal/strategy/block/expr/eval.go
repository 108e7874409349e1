package expr

import (
	"fmt"
	"math"
)

// Columns resolves identifiers to aligned series
type Columns interface {
	Column(name string) ([]float64, bool)
}

// MapColumns is a Columns backed by a map
type MapColumns map[string][]float64

// Column implements Columns
func (m MapColumns) Column(name string) ([]float64, bool) {
	col, ok := m[name]
	return col, ok
}

// MissingColumnError is returned when an identifier has no column
type MissingColumnError struct {
	Name string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("column %q not found", e.Name)
}

// ShapeError is returned when a column is not aligned with the series length
type ShapeError struct {
	Name      string
	Got, Want int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("column %q has length %d, want %d", e.Name, e.Got, e.Want)
}

// Eval evaluates the expression at every index in [0, n). Booleans are 1 or 0.
func (e *Expr) Eval(cols Columns, n int) ([]float64, error) {
	bound := make(map[string][]float64, len(e.idents))
	for _, name := range e.idents {
		col, ok := cols.Column(name)
		if !ok {
			return nil, &MissingColumnError{Name: name}
		}
		if len(col) != n {
			return nil, &ShapeError{Name: name, Got: len(col), Want: n}
		}
		bound[name] = col
	}

	ev := evaluator{cols: bound}
	out := make([]float64, n)
	for i := range out {
		out[i] = ev.eval(e.Root, i)
	}
	return out, nil
}

type evaluator struct {
	cols map[string][]float64
}

func truthy(v float64) bool {
	return v != 0 && !math.IsNaN(v)
}

func boolean(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (ev evaluator) eval(n Node, i int) float64 {
	switch node := n.(type) {
	case Number:
		return node.Value
	case Ident:
		if i < 0 {
			return math.NaN()
		}
		return ev.cols[node.Name][i]
	case Unary:
		x := ev.eval(node.X, i)
		if node.Op == "!" {
			return boolean(!truthy(x))
		}
		return -x
	case Binary:
		return ev.binary(node, i)
	case Call:
		return ev.call(node, i)
	}
	return math.NaN()
}

func (ev evaluator) binary(node Binary, i int) float64 {
	l, r := ev.eval(node.L, i), ev.eval(node.R, i)
	switch node.Op {
	case "+":
		return l + r
	case "-":
		return l - r
	case "*":
		return l * r
	case "/":
		return l / r
	case "%":
		return math.Mod(l, r)
	case "^":
		return math.Pow(l, r)
	case "<":
		return boolean(l < r)
	case "<=":
		return boolean(l <= r)
	case ">":
		return boolean(l > r)
	case ">=":
		return boolean(l >= r)
	case "==":
		return boolean(l == r)
	case "!=":
		return boolean(l != r)
	case "&&":
		return boolean(truthy(l) && truthy(r))
	case "||":
		return boolean(truthy(l) || truthy(r))
	}
	return math.NaN()
}

func (ev evaluator) call(node Call, i int) float64 {
	arg := func(k int) float64 { return ev.eval(node.Args[k], i) }

	switch node.Func {
	case "abs":
		return math.Abs(arg(0))
	case "sqrt":
		return math.Sqrt(arg(0))
	case "log":
		return math.Log(arg(0))
	case "exp":
		return math.Exp(arg(0))
	case "sign":
		x := arg(0)
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return 0
	case "min", "max":
		v := arg(0)
		for k := 1; k < len(node.Args); k++ {
			if node.Func == "min" {
				v = math.Min(v, arg(k))
			} else {
				v = math.Max(v, arg(k))
			}
		}
		return v
	case "if":
		if truthy(arg(0)) {
			return arg(1)
		}
		return arg(2)
	case "clamp":
		return math.Max(arg(1), math.Min(arg(2), arg(0)))
	case "lag":
		return ev.eval(node.Args[0], i-window(node))
	case "mean", "std":
		return ev.windowStat(node, i)
	}
	return math.NaN()
}

func window(node Call) int {
	return int(node.Args[len(node.Args)-1].(Number).Value)
}

func (ev evaluator) windowStat(node Call, i int) float64 {
	k := window(node)
	if i-k+1 < 0 {
		return math.NaN()
	}
	var sum float64
	values := make([]float64, 0, k)
	for j := i - k + 1; j <= i; j++ {
		v := ev.eval(node.Args[0], j)
		values = append(values, v)
		sum += v
	}
	mean := sum / float64(k)
	if node.Func == "mean" {
		return mean
	}
	if k < 2 {
		return 0
	}
	var ss float64
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(k-1))
}
