package expr

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalConst(t *testing.T, src string) float64 {
	t.Helper()
	e, err := Parse(src)
	require.NoError(t, err)
	out, err := e.Eval(MapColumns{}, 1)
	require.NoError(t, err)
	return out[0]
}

func TestPrecedence(t *testing.T) {
	tests := []struct {
		src  string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"-2 ^ 2", -4},
		{"2 ^ 3 ^ 2", 512},
		{"10 - 4 - 3", 3},
		{"7 % 4", 3},
		{"1 < 2 && 3 > 4", 0},
		{"1 < 2 || 3 > 4", 1},
		{"!(1 == 1)", 0},
		{"2 >= 2", 1},
		{"1 != 1", 0},
		{"1e2 + .5", 100.5},
		{"+3", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, evalConst(t, tt.src), tt.src)
	}
}

func TestFunctions(t *testing.T) {
	assert.Equal(t, 3.0, evalConst(t, "abs(-3)"))
	assert.Equal(t, 4.0, evalConst(t, "sqrt(16)"))
	assert.InDelta(t, 1.0, evalConst(t, "log(exp(1))"), 1e-12)
	assert.Equal(t, 1.0, evalConst(t, "min(5, 1, 3)"))
	assert.Equal(t, 5.0, evalConst(t, "max(5, 1, 3)"))
	assert.Equal(t, 10.0, evalConst(t, "if(1 > 0, 10, 20)"))
	assert.Equal(t, 2.0, evalConst(t, "clamp(7, 0, 2)"))
	assert.Equal(t, -1.0, evalConst(t, "sign(-0.5)"))
}

func TestColumnsAndWindows(t *testing.T) {
	cols := MapColumns{
		"close": {1, 2, 3, 4, 5},
		"sma":   {math.NaN(), 1.5, 2.5, 3.5, 4.5},
	}

	e, err := Parse("close - lag(close, 1)")
	require.NoError(t, err)
	assert.Equal(t, []string{"close"}, e.Identifiers())
	out, err := e.Eval(cols, 5)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(out[0]))
	assert.Equal(t, []float64{1, 1, 1, 1}, out[1:])

	e, err = Parse("mean(close, 3)")
	require.NoError(t, err)
	out, err = e.Eval(cols, 5)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(out[1]))
	assert.Equal(t, 2.0, out[2])
	assert.Equal(t, 4.0, out[4])

	e, err = Parse("std(close, 3)")
	require.NoError(t, err)
	out, err = e.Eval(cols, 5)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out[4], 1e-12)

	e, err = Parse("close > sma")
	require.NoError(t, err)
	out, err = e.Eval(cols, 5)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 1, 1, 1}, out)
}

func TestParseErrors(t *testing.T) {
	var syntaxErr *SyntaxError
	for _, src := range []string{"", "1 +", "(1 + 2", "1 2", "close $ 3", "lag(close, n)", "lag(close, 0)", "abs(1, 2)", "mean(close)"} {
		_, err := Parse(src)
		require.Error(t, err, src)
		assert.True(t, errors.As(err, &syntaxErr), src)
	}

	_, err := Parse("system(1)")
	var unknown *UnknownFunctionError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "system", unknown.Name)
}

func TestEvalErrors(t *testing.T) {
	e, err := Parse("close + volume")
	require.NoError(t, err)

	_, err = e.Eval(MapColumns{"close": {1, 2}}, 2)
	var missing *MissingColumnError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "volume", missing.Name)

	_, err = e.Eval(MapColumns{"close": {1, 2}, "volume": {1}}, 2)
	var shape *ShapeError
	require.True(t, errors.As(err, &shape))
}

func TestFunctionsListed(t *testing.T) {
	assert.Contains(t, Functions(), "lag")
	assert.Contains(t, Functions(), "if")
	assert.NotContains(t, Functions(), "eval")
}
