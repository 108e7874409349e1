package block

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	apperrors "stratlab/internal/errors"
)

// Params are the raw node parameters from a graph specification
type Params map[string]interface{}

// paramReader validates parameters for one block type and remembers the first error
type paramReader struct {
	blockType string
	params    Params
	err       error
}

func newParamReader(blockType string, params Params) *paramReader {
	if params == nil {
		params = Params{}
	}
	return &paramReader{blockType: blockType, params: params}
}

func (r *paramReader) fail(key, format string, args ...interface{}) {
	if r.err != nil {
		return
	}
	r.err = apperrors.NewAppErrorWithDetails(
		apperrors.ErrCodeParameterInvalid,
		fmt.Sprintf("%s: invalid parameter %q", r.blockType, key),
		fmt.Sprintf(format, args...),
		nil,
	).WithContext("block_type", r.blockType).WithContext("param", key)
}

func (r *paramReader) has(key string) bool {
	v, ok := r.params[key]
	return ok && v != nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Float reads an optional number
func (r *paramReader) Float(key string, def float64) float64 {
	if !r.has(key) {
		return def
	}
	f, ok := toFloat(r.params[key])
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		r.fail(key, "expected a finite number, got %v", r.params[key])
		return def
	}
	return f
}

// RequireFloat reads a mandatory number
func (r *paramReader) RequireFloat(key string) float64 {
	if !r.has(key) {
		r.fail(key, "required parameter is missing")
		return 0
	}
	return r.Float(key, 0)
}

// Positive reads an optional number that must be > 0
func (r *paramReader) Positive(key string, def float64) float64 {
	v := r.Float(key, def)
	if r.has(key) && v <= 0 {
		r.fail(key, "must be positive, got %v", v)
	}
	return v
}

// Int reads an optional integer
func (r *paramReader) Int(key string, def int) int {
	if !r.has(key) {
		return def
	}
	f := r.Float(key, float64(def))
	if f != math.Trunc(f) {
		r.fail(key, "expected an integer, got %v", f)
		return def
	}
	return int(f)
}

// Period reads an optional window length >= min
func (r *paramReader) Period(key string, def, min int) int {
	v := r.Int(key, def)
	if v < min {
		r.fail(key, "must be at least %d, got %d", min, v)
	}
	return v
}

// String reads an optional string
func (r *paramReader) String(key, def string) string {
	if !r.has(key) {
		return def
	}
	s, ok := r.params[key].(string)
	if !ok {
		r.fail(key, "expected a string, got %T", r.params[key])
		return def
	}
	return strings.TrimSpace(s)
}

// RequireString reads a mandatory non-empty string
func (r *paramReader) RequireString(key string) string {
	s := r.String(key, "")
	if s == "" {
		r.fail(key, "required parameter is missing")
	}
	return s
}

// Enum reads an optional string restricted to allowed values
func (r *paramReader) Enum(key, def string, allowed ...string) string {
	s := r.String(key, def)
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	r.fail(key, "must be one of %s, got %q", strings.Join(allowed, ", "), s)
	return def
}

// Bool reads an optional boolean
func (r *paramReader) Bool(key string, def bool) bool {
	if !r.has(key) {
		return def
	}
	b, ok := r.params[key].(bool)
	if !ok {
		r.fail(key, "expected a boolean, got %T", r.params[key])
		return def
	}
	return b
}

// Strings reads an optional list of strings
func (r *paramReader) Strings(key string) []string {
	if !r.has(key) {
		return nil
	}
	switch v := r.params[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				r.fail(key, "expected a list of strings, got element %T", item)
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		r.fail(key, "expected a list of strings, got %T", v)
		return nil
	}
}

// Floats reads an optional list of numbers
func (r *paramReader) Floats(key string) []float64 {
	if !r.has(key) {
		return nil
	}
	switch v := r.params[key].(type) {
	case []float64:
		return append([]float64(nil), v...)
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			f, ok := toFloat(item)
			if !ok {
				r.fail(key, "expected a list of numbers, got element %T", item)
				return nil
			}
			out = append(out, f)
		}
		return out
	default:
		r.fail(key, "expected a list of numbers, got %T", v)
		return nil
	}
}

// Err returns the first validation error
func (r *paramReader) Err() error {
	return r.err
}
