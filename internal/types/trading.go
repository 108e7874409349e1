package types

import "time"

// OrderSide is the direction of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// PositionSide is the direction of a trade
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Direction returns +1 for long and -1 for short
func (s PositionSide) Direction() float64 {
	if s == PositionSideShort {
		return -1
	}
	return 1
}

// Signal is a directional intent: -1 short, 0 flat, +1 long
type Signal int8

const (
	SignalShort Signal = -1
	SignalFlat  Signal = 0
	SignalLong  Signal = 1
)

// SignalFromFloat maps the sign of v to a Signal
func SignalFromFloat(v float64) Signal {
	switch {
	case v > 0:
		return SignalLong
	case v < 0:
		return SignalShort
	default:
		return SignalFlat
	}
}

// Order is a simulated fill
type Order struct {
	Timestamp      time.Time `json:"timestamp"`
	Side           OrderSide `json:"side"`
	Quantity       float64   `json:"quantity"`
	QuotedPrice    float64   `json:"quoted_price"`
	ExecutionPrice float64   `json:"execution_price"`
	Fees           float64   `json:"fees"`
}

// Trade is a closed round trip
type Trade struct {
	EntryTime     time.Time     `json:"entry_time"`
	ExitTime      time.Time     `json:"exit_time"`
	EntryPrice    float64       `json:"entry_price"`
	ExitPrice     float64       `json:"exit_price"`
	Side          PositionSide  `json:"side"`
	Quantity      float64       `json:"quantity"`
	PnL           float64       `json:"pnl"`
	PnLPercent    float64       `json:"pnl_percent"`
	Fees          float64       `json:"fees"`
	SlippageCost  float64       `json:"slippage_cost"`
	MFE           float64       `json:"mfe"`
	MAE           float64       `json:"mae"`
	HoldingPeriod time.Duration `json:"holding_period"`
}

// RecomputePnL derives realized pnl from prices, quantity and fees
func (t Trade) RecomputePnL() float64 {
	return t.Side.Direction()*(t.ExitPrice-t.EntryPrice)*t.Quantity - t.Fees
}

// EquityPoint is a mark-to-market equity sample
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}
