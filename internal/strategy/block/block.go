package block

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
	"stratlab/internal/market"
)

// Family groups block types by pipeline stage
type Family string

const (
	FamilyData      Family = "data"
	FamilyFeature   Family = "feature"
	FamilySignal    Family = "signal"
	FamilySizing    Family = "sizing"
	FamilyRisk      Family = "risk"
	FamilyExecution Family = "execution"
)

// Block is one step of a strategy graph. Parameters are validated when the
// block is constructed; Execute must not modify in.
type Block interface {
	Type() string
	Execute(ctx context.Context, in *Context, upstream []Output) Output
}

// Output is the tagged result of Execute: a failure when Err is set.
type Output struct {
	Context  *Context
	Data     map[string]interface{}
	Warnings []string
	Err      error
}

// Success builds a successful output
func Success(c *Context, data map[string]interface{}, warnings ...string) Output {
	return Output{Context: c, Data: data, Warnings: warnings}
}

// Failure builds a failed output
func Failure(c *Context, err error) Output {
	return Output{Context: c, Err: err}
}

// Failed reports whether the output is a failure
func (o Output) Failed() bool {
	return o.Err != nil
}

// Deps are the collaborators handed to block constructors
type Deps struct {
	Provider market.Provider
	Logger   logger.Logger
}

// Constructor validates params and builds a block
type Constructor func(params Params, deps Deps) (Block, error)

// Spec describes a registered block type
type Spec struct {
	Type        string      `json:"type"`
	Family      Family      `json:"family"`
	Description string      `json:"description"`
	New         Constructor `json:"-"`
}

// Registry maps block type names to constructors
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a block type. Registering a name twice is an error.
func (r *Registry) Register(spec Spec) error {
	if spec.Type == "" || spec.New == nil {
		return fmt.Errorf("block spec requires a type and a constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Type]; exists {
		return fmt.Errorf("block type %q already registered", spec.Type)
	}
	r.specs[spec.Type] = spec
	return nil
}

// MustRegister is Register that panics, for package-level tables
func (r *Registry) MustRegister(spec Spec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Build constructs a block of the given type
func (r *Registry) Build(blockType string, params Params, deps Deps) (Block, error) {
	r.mu.RLock()
	spec, ok := r.specs[blockType]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeUnknownBlock, "unknown block type %q", blockType)
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetGlobalLogger()
	}
	return spec.New(params, deps)
}

// Has reports whether blockType is registered
func (r *Registry) Has(blockType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[blockType]
	return ok
}

// Types lists registered specs ordered by family then name
func (r *Registry) Types() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return familyOrder[out[i].Family] < familyOrder[out[j].Family]
		}
		return out[i].Type < out[j].Type
	})
	return out
}

var familyOrder = map[Family]int{
	FamilyData: 0, FamilyFeature: 1, FamilySignal: 2, FamilySizing: 3, FamilyRisk: 4, FamilyExecution: 5,
}

// DefaultRegistry returns a registry with every built-in block type
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, spec := range builtins() {
		r.MustRegister(spec)
	}
	return r
}

func builtins() []Spec {
	return []Spec{
		{Type: "data_loader", Family: FamilyData, Description: "Fetch bars for the run window", New: newDataLoader},

		{Type: "sma", Family: FamilyFeature, Description: "Simple moving average", New: newMovingAverage("sma")},
		{Type: "ema", Family: FamilyFeature, Description: "Exponential moving average", New: newMovingAverage("ema")},
		{Type: "rsi", Family: FamilyFeature, Description: "Relative strength index (Wilder)", New: newRSI},
		{Type: "returns", Family: FamilyFeature, Description: "Simple or log returns", New: newReturns},
		{Type: "zscore", Family: FamilyFeature, Description: "Rolling z-score", New: newZScore},
		{Type: "volatility", Family: FamilyFeature, Description: "Rolling stdev of one-bar returns", New: newVolatility},
		{Type: "atr", Family: FamilyFeature, Description: "Average true range", New: newATR},
		{Type: "formula", Family: FamilyFeature, Description: "Column from a restricted expression", New: newFormula},
		{Type: "fit_model", Family: FamilyFeature, Description: "Fit or declare a linear/logistic model", New: newFitModel},

		{Type: "fixed_signal", Family: FamilySignal, Description: "Constant long, flat or short", New: newFixedSignal},
		{Type: "threshold", Family: FamilySignal, Description: "Long above upper, short below lower", New: newThreshold},
		{Type: "crossover", Family: FamilySignal, Description: "Long while fast > slow", New: newCrossover},
		{Type: "rule", Family: FamilySignal, Description: "Long/short from boolean expressions", New: newRule},
		{Type: "model_signal", Family: FamilySignal, Description: "Signal from a registered model score", New: newModelSignal},

		{Type: "fixed_size", Family: FamilySizing, Description: "Position = signal x size", New: newFixedSize},
		{Type: "percent_equity", Family: FamilySizing, Description: "Position = signal x fraction of capital", New: newPercentEquity},
		{Type: "volatility_target", Family: FamilySizing, Description: "Scale exposure to a volatility target", New: newVolatilityTarget},

		{Type: "max_position", Family: FamilyRisk, Description: "Clamp absolute position", New: newMaxPosition},
		{Type: "atr_stop", Family: FamilyRisk, Description: "Publish ATR-based stop distances", New: newATRStop},
		{Type: "stop_loss", Family: FamilyRisk, Description: "Flatten after stop or take-profit", New: newStopLoss},

		{Type: "market_executor", Family: FamilyExecution, Description: "Simulate market fills with costs", New: newMarketExecutor},
	}
}

// execError wraps a runtime failure, keeping coded errors intact
func execError(blockType string, err error) error {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	return apperrors.NewAppError(apperrors.ErrCodeBlockExecution, fmt.Sprintf("%s: %v", blockType, err), err)
}
