package backtest

import (
	"fmt"

	"stratlab/internal/types"
)

// Warning types attached to run records
const (
	WarnNoData             = "no_data"
	WarnNoTrades           = "no_trades"
	WarnLowTradeCount      = "low_trade_count"
	WarnHighTurnover       = "high_turnover"
	WarnBlock              = "block_warning"
	WarnMonteCarloSkipped  = "monte_carlo_skipped"
	WarnExcessiveDrawdown  = "excessive_drawdown"
	WarnCostDrag           = "cost_drag"
	WarnFoldFailed         = "fold_failed"
	lowTradeCountThreshold = 30
	highTurnoverPerYear    = 252
	excessiveDrawdown      = 0.5
	costDragRatio          = 0.5
)

// Diagnostics collects what the warning rules look at
type Diagnostics struct {
	Bars             int
	Metrics          types.Metrics
	BlockWarnings    []string
	MonteCarloWanted bool
	MonteCarloRan    bool
}

// Warnings evaluates the diagnostic rules. The result is informational and
// never changes the run status.
func (d Diagnostics) Warnings() []types.RunWarning {
	var out []types.RunWarning
	add := func(typ string, sev types.WarningSeverity, msg string, details map[string]interface{}) {
		out = append(out, types.RunWarning{Type: typ, Message: msg, Severity: sev, Details: details})
	}

	m := d.Metrics
	switch {
	case d.Bars == 0:
		add(WarnNoData, types.WarningHigh, "no price data in the run window", nil)
	case m.TradeCount == 0:
		add(WarnNoTrades, types.WarningMedium, "strategy produced no trades", map[string]interface{}{"bars": d.Bars})
	case m.TradeCount < lowTradeCountThreshold:
		add(WarnLowTradeCount, types.WarningLow,
			fmt.Sprintf("only %d trades; statistics are unreliable", m.TradeCount),
			map[string]interface{}{"trades": m.TradeCount, "threshold": lowTradeCountThreshold})
	}

	if m.Turnover > highTurnoverPerYear {
		add(WarnHighTurnover, types.WarningMedium,
			fmt.Sprintf("%.0f trades per year", m.Turnover),
			map[string]interface{}{"turnover": m.Turnover})
	}
	if m.MaxDrawdown > excessiveDrawdown {
		add(WarnExcessiveDrawdown, types.WarningHigh,
			fmt.Sprintf("max drawdown %.1f%%", m.MaxDrawdown*100),
			map[string]interface{}{"max_drawdown": m.MaxDrawdown})
	}

	costs := m.TotalFees + m.TotalSlippage
	if gross := m.TotalPnL + costs; costs > 0 && gross > 0 && costs/gross > costDragRatio {
		add(WarnCostDrag, types.WarningMedium,
			fmt.Sprintf("costs consume %.0f%% of gross profit", costs/gross*100),
			map[string]interface{}{"costs": costs, "gross_pnl": gross})
	}

	if d.MonteCarloWanted && !d.MonteCarloRan {
		add(WarnMonteCarloSkipped, types.WarningInfo,
			fmt.Sprintf("monte carlo needs at least %d trades", MinMonteCarloTrades),
			map[string]interface{}{"trades": m.TradeCount})
	}

	for _, w := range d.BlockWarnings {
		add(WarnBlock, types.WarningInfo, w, nil)
	}
	return out
}
