package market

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"stratlab/internal/types"
)

// Provider fetches historical bars. Implementations return an empty slice,
// not an error, when data is unavailable for the requested range.
type Provider interface {
	Fetch(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error)

// Fetch calls f
func (f ProviderFunc) Fetch(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	return f(ctx, symbol, timeframe, start, end)
}

// StaticProvider serves bars from memory
type StaticProvider struct {
	mu   sync.RWMutex
	bars map[string][]types.Bar
}

// NewStaticProvider creates an empty in-memory provider
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{bars: make(map[string][]types.Bar)}
}

func seriesKey(symbol string, timeframe types.Timeframe) string {
	return symbol + "|" + string(timeframe)
}

// Add stores bars for a symbol and timeframe, keeping them ordered by time
func (p *StaticProvider) Add(symbol string, timeframe types.Timeframe, bars []types.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := seriesKey(symbol, timeframe)
	merged := append(append([]types.Bar(nil), p.bars[key]...), bars...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })
	p.bars[key] = merged
}

// Fetch returns bars in [start, end)
func (p *StaticProvider) Fetch(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return sliceRange(p.bars[seriesKey(symbol, timeframe)], start, end), nil
}

func sliceRange(bars []types.Bar, start, end time.Time) []types.Bar {
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(start) })
	hi := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(end) })
	if lo >= hi {
		return []types.Bar{}
	}
	return append([]types.Bar(nil), bars[lo:hi]...)
}

// SyntheticMode selects the price path shape
type SyntheticMode string

const (
	SyntheticRandomWalk SyntheticMode = "random_walk"
	SyntheticTrend      SyntheticMode = "trend"
)

// SyntheticConfig configures generated price paths
type SyntheticConfig struct {
	Mode       SyntheticMode `yaml:"mode" json:"mode"`
	Origin     time.Time     `yaml:"origin" json:"origin"`
	StartPrice float64       `yaml:"start_price" json:"start_price"`
	Drift      float64       `yaml:"drift" json:"drift"`           // per-bar drift, or per-bar increment in trend mode
	Volatility float64       `yaml:"volatility" json:"volatility"` // per-bar stdev of log returns
	Seed       int64         `yaml:"seed" json:"seed"`
}

// SyntheticProvider generates deterministic bars. The value at a given
// timestamp does not depend on the requested range, so overlapping windows agree.
type SyntheticProvider struct {
	config SyntheticConfig
}

// NewSyntheticProvider creates a generator, filling defaults
func NewSyntheticProvider(config SyntheticConfig) *SyntheticProvider {
	if config.Mode == "" {
		config.Mode = SyntheticRandomWalk
	}
	if config.Origin.IsZero() {
		config.Origin = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if config.StartPrice <= 0 {
		config.StartPrice = 100
	}
	if config.Mode == SyntheticRandomWalk && config.Volatility <= 0 {
		config.Volatility = 0.01
	}
	return &SyntheticProvider{config: config}
}

// Fetch generates bars on the timeframe grid in [start, end)
func (p *SyntheticProvider) Fetch(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	step := timeframe.Duration()
	if step <= 0 {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	if !end.After(start) || !end.After(p.config.Origin) {
		return []types.Bar{}, nil
	}

	h := fnv.New64a()
	h.Write([]byte(symbol))
	rng := rand.New(rand.NewPCG(uint64(p.config.Seed), h.Sum64()))

	bars := make([]types.Bar, 0)
	price := p.config.StartPrice
	for i := 0; ; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		ts := p.config.Origin.Add(time.Duration(i) * step)
		if !ts.Before(end) {
			break
		}

		open := price
		switch p.config.Mode {
		case SyntheticTrend:
			price = open + p.config.Drift
		default:
			price = open * math.Exp(p.config.Drift+p.config.Volatility*rng.NormFloat64())
		}

		if ts.Before(start) {
			continue
		}
		spread := math.Abs(price-open) * 0.5
		bars = append(bars, types.Bar{
			Timestamp: ts,
			Open:      open,
			High:      math.Max(open, price) + spread,
			Low:       math.Min(open, price) - spread,
			Close:     price,
			Volume:    1000 + float64(i%100),
		})
	}
	return bars, nil
}
