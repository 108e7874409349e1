package block

import (
	"fmt"
	"sort"
	"time"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/types"
)

// RunScope is the slice of the run configuration visible to blocks
type RunScope struct {
	Symbol         string
	Timeframe      types.Timeframe
	Start          time.Time
	End            time.Time
	TrainStart     time.Time // zero outside walk-forward
	TrainEnd       time.Time
	InitialCapital float64
	FeeBps         float64
	SlippageBps    float64
	Seeds          map[string]int64
}

// ScopeFromConfig builds the scope for a single run
func ScopeFromConfig(cfg types.RunConfig) RunScope {
	return RunScope{
		Symbol:         cfg.Symbol,
		Timeframe:      cfg.Timeframe,
		Start:          cfg.Start,
		End:            cfg.End,
		InitialCapital: cfg.InitialCapital,
		FeeBps:         cfg.FeeBps,
		SlippageBps:    cfg.SlippageBps,
		Seeds:          cfg.Seeds,
	}
}

// LoadStart is where bars are loaded from. With a train window the loader
// starts there so training rows and indicator warmup precede Start.
func (s RunScope) LoadStart() time.Time {
	if !s.TrainStart.IsZero() && s.TrainStart.Before(s.Start) {
		return s.TrainStart
	}
	return s.Start
}

// FirstActive returns the index of the first bar at or after Start
func (s RunScope) FirstActive(bars []types.Bar) int {
	return sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(s.Start) })
}

// Aux carries typed hand-off data between blocks that has no dedicated field
type Aux struct {
	StopDistances       []float64 // absolute price distance per bar
	TakeProfitDistances []float64
}

// FeatureTable holds named columns aligned to the price index, in insertion order
type FeatureTable struct {
	names   []string
	columns map[string][]float64
}

// NewFeatureTable creates an empty table
func NewFeatureTable() *FeatureTable {
	return &FeatureTable{columns: make(map[string][]float64)}
}

// Names returns column names in insertion order
func (f *FeatureTable) Names() []string {
	return append([]string(nil), f.names...)
}

// Len returns the number of columns
func (f *FeatureTable) Len() int {
	return len(f.names)
}

// Column returns a column by name
func (f *FeatureTable) Column(name string) ([]float64, bool) {
	col, ok := f.columns[name]
	return col, ok
}

// Set adds or replaces a column. It reports whether a column was replaced.
func (f *FeatureTable) Set(name string, values []float64) bool {
	_, existed := f.columns[name]
	if !existed {
		f.names = append(f.names, name)
	}
	f.columns[name] = values
	return existed
}

func (f *FeatureTable) clone() *FeatureTable {
	c := &FeatureTable{names: append([]string(nil), f.names...), columns: make(map[string][]float64, len(f.columns))}
	for k, v := range f.columns {
		c.columns[k] = v
	}
	return c
}

// Context is the simulation state threaded through a graph run. Column and
// series slices are treated as immutable once published; blocks replace them
// rather than writing in place.
type Context struct {
	Run       RunScope
	Prices    []types.Bar
	Features  *FeatureTable
	Signals   []types.Signal
	Positions []float64
	Orders    []types.Order
	Trades    []types.Trade
	Equity    []types.EquityPoint
	Models    map[string]Model
	Aux       Aux
}

// NewContext creates an empty context for a run
func NewContext(scope RunScope) *Context {
	return &Context{
		Run:      scope,
		Features: NewFeatureTable(),
		Models:   make(map[string]Model),
	}
}

// Clone returns a copy that can be modified without affecting c
func (c *Context) Clone() *Context {
	out := *c
	out.Features = c.Features.clone()
	out.Orders = append([]types.Order(nil), c.Orders...)
	out.Trades = append([]types.Trade(nil), c.Trades...)
	out.Models = make(map[string]Model, len(c.Models))
	for k, v := range c.Models {
		out.Models[k] = v
	}
	return &out
}

// Len is the number of bars
func (c *Context) Len() int {
	return len(c.Prices)
}

// Series resolves a price field or feature column aligned to the bars
func (c *Context) Series(name string) ([]float64, error) {
	if col, ok := c.Features.Column(name); ok {
		if len(col) != len(c.Prices) {
			return nil, apperrors.Newf(apperrors.ErrCodeShapeMismatch,
				"feature %q has %d values for %d bars", name, len(col), len(c.Prices))
		}
		return col, nil
	}
	if isPriceField(name) {
		out := make([]float64, len(c.Prices))
		for i, bar := range c.Prices {
			out[i], _ = bar.Field(name)
		}
		return out, nil
	}
	return nil, apperrors.Newf(apperrors.ErrCodeFeatureNotFound, "feature %q not found", name)
}

// Column implements expr.Columns over prices and features
func (c *Context) Column(name string) ([]float64, bool) {
	col, err := c.Series(name)
	return col, err == nil
}

func isPriceField(name string) bool {
	for _, f := range types.PriceFields {
		if f == name {
			return true
		}
	}
	return false
}

// Targets returns the desired signed position per bar: the position series
// when present, otherwise the signal series with unit size.
func (c *Context) Targets() []float64 {
	if c.Positions != nil {
		return c.Positions
	}
	out := make([]float64, len(c.Prices))
	if c.Signals == nil {
		return out
	}
	for i := range out {
		if i < len(c.Signals) {
			out[i] = float64(c.Signals[i])
		}
	}
	return out
}

// Merge combines upstream contexts into a new one. Prices come from the first
// non-empty input; feature columns are concatenated with later inputs replacing
// earlier ones of the same name; signals and positions are last-writer-wins;
// orders and trades are appended; models and aux fields are shallow-merged.
func Merge(inputs []*Context) (*Context, []string) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if len(inputs) == 1 {
		return inputs[0].Clone(), nil
	}

	out := NewContext(inputs[0].Run)
	var warnings []string
	for _, in := range inputs {
		if len(out.Prices) == 0 && len(in.Prices) > 0 {
			out.Prices = in.Prices
		}
		for _, name := range in.Features.names {
			col := in.Features.columns[name]
			if prev, ok := out.Features.Column(name); ok && !sameColumn(prev, col) {
				warnings = append(warnings, fmt.Sprintf("feature column %q overwritten during merge", name))
			}
			out.Features.Set(name, col)
		}
		if in.Signals != nil {
			out.Signals = in.Signals
		}
		if in.Positions != nil {
			out.Positions = in.Positions
		}
		if in.Equity != nil {
			out.Equity = in.Equity
		}
		out.Orders = append(out.Orders, in.Orders...)
		out.Trades = append(out.Trades, in.Trades...)
		for k, v := range in.Models {
			out.Models[k] = v
		}
		if in.Aux.StopDistances != nil {
			out.Aux.StopDistances = in.Aux.StopDistances
		}
		if in.Aux.TakeProfitDistances != nil {
			out.Aux.TakeProfitDistances = in.Aux.TakeProfitDistances
		}
	}
	return out, warnings
}

// sameColumn reports whether two columns share backing storage, which is the
// case when both inputs inherited the column from a common ancestor.
func sameColumn(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}
