package types

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "stratlab/internal/errors"
)

// Priority is the scheduling class of a run
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityBatch       Priority = "batch"
	PriorityLow         Priority = "low"
)

// Rank orders priority classes, lower runs first
func (p Priority) Rank() int {
	switch p {
	case PriorityInteractive:
		return 0
	case PriorityBatch, "":
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is a known class
func (p Priority) Valid() bool {
	return p == PriorityInteractive || p == PriorityBatch || p == PriorityLow
}

// WalkForwardMode selects how train windows move between folds
type WalkForwardMode string

const (
	WalkForwardRolling   WalkForwardMode = "rolling"
	WalkForwardExpanding WalkForwardMode = "expanding"
)

// WalkForwardConfig configures walk-forward validation
type WalkForwardConfig struct {
	Mode      WalkForwardMode `json:"mode" yaml:"mode"`
	TrainDays int             `json:"train_days" yaml:"train_days"`
	TestDays  int             `json:"test_days" yaml:"test_days"`
	Folds     int             `json:"folds" yaml:"folds"`
}

// MaxMonteCarloTrials bounds monte_carlo.trials for a single run
const MaxMonteCarloTrials = 100000

// MonteCarloConfig configures trade resampling
type MonteCarloConfig struct {
	Disabled bool `json:"disabled,omitempty" yaml:"disabled"`
	Trials   int  `json:"trials,omitempty" yaml:"trials"`
}

// RunConfig describes what to simulate
type RunConfig struct {
	Symbol         string             `json:"symbol" yaml:"symbol"`
	Timeframe      Timeframe          `json:"timeframe" yaml:"timeframe"`
	Start          time.Time          `json:"start" yaml:"start"`
	End            time.Time          `json:"end" yaml:"end"`
	InitialCapital float64            `json:"initial_capital" yaml:"initial_capital"`
	FeeBps         float64            `json:"fee_bps" yaml:"fee_bps"`
	SlippageBps    float64            `json:"slippage_bps" yaml:"slippage_bps"`
	Seeds          map[string]int64   `json:"seeds,omitempty" yaml:"seeds"`
	WalkForward    *WalkForwardConfig `json:"walk_forward,omitempty" yaml:"walk_forward"`
	MonteCarlo     *MonteCarloConfig  `json:"monte_carlo,omitempty" yaml:"monte_carlo"`
	Priority       Priority           `json:"priority,omitempty" yaml:"priority"`
}

// Seed returns the named seed, or fallback when not configured
func (c RunConfig) Seed(name string, fallback int64) int64 {
	if v, ok := c.Seeds[name]; ok {
		return v
	}
	return fallback
}

// Validate checks the config before a run is queued
func (c RunConfig) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.Newf(apperrors.ErrCodeInvalidConfig, format, args...)
	}

	if c.Symbol == "" {
		return invalid("symbol is required")
	}
	if !c.Timeframe.Valid() {
		return invalid("unsupported timeframe %q", c.Timeframe)
	}
	if c.Start.IsZero() || c.End.IsZero() || !c.End.After(c.Start) {
		return invalid("end must be after start")
	}
	if c.InitialCapital <= 0 {
		return invalid("initial_capital must be positive")
	}
	if c.FeeBps < 0 || c.SlippageBps < 0 {
		return invalid("fee_bps and slippage_bps must be non-negative")
	}
	if c.Priority != "" && !c.Priority.Valid() {
		return invalid("unknown priority %q", c.Priority)
	}
	if c.MonteCarlo != nil && (c.MonteCarlo.Trials < 0 || c.MonteCarlo.Trials > MaxMonteCarloTrials) {
		return invalid("monte_carlo.trials must be between 0 and %d", MaxMonteCarloTrials)
	}
	if wf := c.WalkForward; wf != nil {
		if wf.Mode != WalkForwardRolling && wf.Mode != WalkForwardExpanding {
			return invalid("unknown walk-forward mode %q", wf.Mode)
		}
		if wf.TrainDays <= 0 || wf.TestDays <= 0 || wf.Folds <= 0 {
			return invalid("walk-forward train_days, test_days and folds must be positive")
		}
	}
	return nil
}

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusPreparing   RunStatus = "preparing"
	RunStatusRunning     RunStatus = "running"
	RunStatusAggregating RunStatus = "aggregating"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCanceled    RunStatus = "canceled"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:      {RunStatusPreparing, RunStatusCanceled, RunStatusFailed},
	RunStatusPreparing:   {RunStatusRunning, RunStatusFailed, RunStatusCanceled},
	RunStatusRunning:     {RunStatusAggregating, RunStatusCompleted, RunStatusFailed, RunStatusCanceled},
	RunStatusAggregating: {RunStatusCompleted, RunStatusFailed, RunStatusCanceled},
}

// IsTerminal reports whether no further transitions are allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCanceled
}

// CanTransitionTo reports whether s -> next is a legal transition
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StatusTransition records one state change
type StatusTransition struct {
	From   RunStatus `json:"from"`
	To     RunStatus `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Metrics summarizes trade performance
type Metrics struct {
	TotalPnL        float64 `json:"total_pnl"`
	TotalReturn     float64 `json:"total_return"`
	CAGR            float64 `json:"cagr"`
	Volatility      float64 `json:"volatility"`
	Sharpe          float64 `json:"sharpe"`
	Sortino         float64 `json:"sortino"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	Calmar          float64 `json:"calmar"`
	WinRate         float64 `json:"win_rate"`
	AvgWin          float64 `json:"avg_win"`
	AvgLoss         float64 `json:"avg_loss"`
	ProfitFactor    float64 `json:"profit_factor"`
	Expectancy      float64 `json:"expectancy"`
	TotalFees       float64 `json:"total_fees"`
	TotalSlippage   float64 `json:"total_slippage"`
	Turnover        float64 `json:"turnover"`
	TradeCount      int     `json:"trade_count"`
	AvgHoldingHours float64 `json:"avg_holding_hours"`
}

// MonteCarloSummary holds resampled distribution bands. Return bands are
// expressed as total pnl per trial.
type MonteCarloSummary struct {
	Trials       int     `json:"trials"`
	SharpeTrials int     `json:"sharpe_trials"`
	Seed         int64   `json:"seed"`
	ReturnP05    float64 `json:"return_p05"`
	ReturnP25    float64 `json:"return_p25"`
	ReturnMedian float64 `json:"return_median"`
	ReturnP75    float64 `json:"return_p75"`
	ReturnP95    float64 `json:"return_p95"`
	SharpeP05    float64 `json:"sharpe_p05"`
	SharpeMedian float64 `json:"sharpe_median"`
	SharpeP95    float64 `json:"sharpe_p95"`
}

// FoldResult is the outcome of one walk-forward fold
type FoldResult struct {
	Index      int       `json:"index"`
	TrainStart time.Time `json:"train_start"`
	TrainEnd   time.Time `json:"train_end"`
	TestStart  time.Time `json:"test_start"`
	TestEnd    time.Time `json:"test_end"`
	Metrics    Metrics   `json:"metrics"`
	TradeCount int       `json:"trade_count"`
}

// WarningSeverity grades diagnostics
type WarningSeverity string

const (
	WarningInfo   WarningSeverity = "info"
	WarningLow    WarningSeverity = "low"
	WarningMedium WarningSeverity = "medium"
	WarningHigh   WarningSeverity = "high"
)

// RunWarning is an informational diagnostic attached to a run
type RunWarning struct {
	Type     string                 `json:"type"`
	Message  string                 `json:"message"`
	Severity WarningSeverity        `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// ReproHashes identify the inputs of a run
type ReproHashes struct {
	Graph  string `json:"graph"`
	Data   string `json:"data"`
	Params string `json:"params"`
}

// BacktestRun is the persisted record of one submission
type BacktestRun struct {
	ID               string             `json:"id"`
	GraphHash        string             `json:"graph_hash"`
	Graph            json.RawMessage    `json:"graph,omitempty"`
	Config           RunConfig          `json:"config"`
	Status           RunStatus          `json:"status"`
	Progress         float64            `json:"progress_percent"`
	ProgressMessage  string             `json:"progress_message,omitempty"`
	Metrics          *Metrics           `json:"metrics,omitempty"`
	EquityCurve      []EquityPoint      `json:"equity_curve,omitempty"`
	Trades           []Trade            `json:"trades,omitempty"`
	Folds            []FoldResult       `json:"folds,omitempty"`
	MonteCarlo       *MonteCarloSummary `json:"monte_carlo,omitempty"`
	Warnings         []RunWarning       `json:"warnings,omitempty"`
	Hashes           ReproHashes        `json:"hashes"`
	Error            string             `json:"error,omitempty"`
	PersistenceError string             `json:"persistence_error,omitempty"`
	Transitions      []StatusTransition `json:"transitions"`
	CreatedAt        time.Time          `json:"created_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	FinishedAt       *time.Time         `json:"finished_at,omitempty"`
}

// Transition moves the run to next, recording history. Illegal moves are rejected.
func (r *BacktestRun) Transition(next RunStatus, reason string, at time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal run transition %s -> %s", r.Status, next)
	}
	r.Transitions = append(r.Transitions, StatusTransition{From: r.Status, To: next, At: at, Reason: reason})
	r.Status = next
	switch {
	case next == RunStatusRunning && r.StartedAt == nil:
		r.StartedAt = &at
	case next.IsTerminal():
		r.FinishedAt = &at
	}
	return nil
}

// Visited reports whether the run ever entered status s
func (r *BacktestRun) Visited(s RunStatus) bool {
	for _, t := range r.Transitions {
		if t.To == s {
			return true
		}
	}
	return false
}

// StripPayload drops the bulky result fields, keeping status and summary
func (r *BacktestRun) StripPayload() {
	r.Trades = nil
	r.EquityCurve = nil
	r.Graph = nil
	r.MonteCarlo = nil
}

// Clone returns a copy safe to hand to readers
func (r *BacktestRun) Clone() *BacktestRun {
	c := *r
	if r.Metrics != nil {
		m := *r.Metrics
		c.Metrics = &m
	}
	if r.MonteCarlo != nil {
		mc := *r.MonteCarlo
		c.MonteCarlo = &mc
	}
	c.EquityCurve = append([]EquityPoint(nil), r.EquityCurve...)
	c.Trades = append([]Trade(nil), r.Trades...)
	c.Folds = append([]FoldResult(nil), r.Folds...)
	c.Warnings = append([]RunWarning(nil), r.Warnings...)
	c.Transitions = append([]StatusTransition(nil), r.Transitions...)
	c.Graph = append(json.RawMessage(nil), r.Graph...)
	return &c
}

// RunStatusView is the lightweight status answer served to pollers
type RunStatusView struct {
	RunID    string    `json:"run_id"`
	Status   RunStatus `json:"status"`
	Progress float64   `json:"progress_percent"`
	Message  string    `json:"message,omitempty"`
	Updated  time.Time `json:"updated_at"`
}

// StatusView summarizes the run for pollers
func (r *BacktestRun) StatusView(at time.Time) RunStatusView {
	return RunStatusView{RunID: r.ID, Status: r.Status, Progress: r.Progress, Message: r.ProgressMessage, Updated: at}
}

// RunFilter narrows run listings
type RunFilter struct {
	Status RunStatus `form:"status" json:"status,omitempty"`
	Limit  int       `form:"limit" json:"limit,omitempty"`
}

// Matches reports whether r passes the filter's status clause
func (f RunFilter) Matches(r *BacktestRun) bool {
	return f.Status == "" || r.Status == f.Status
}
