package block

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/types"
)

const (
	FillClose    = "close"
	FillNextOpen = "next_open"
)

var bpsScale = decimal.NewFromInt(10000)

// marketExecutor turns target positions into fills, round-trip trades and a
// mark-to-market equity curve. Orders are only generated when the target
// direction changes; size changes within the same direction are held.
type marketExecutor struct {
	fill        string
	feeBps      *float64
	slippageBps *float64
}

func newMarketExecutor(params Params, _ Deps) (Block, error) {
	r := newParamReader("market_executor", params)
	b := &marketExecutor{fill: r.Enum("fill", FillClose, FillClose, FillNextOpen)}
	if r.has("fee_bps") {
		v := r.Float("fee_bps", 0)
		if v < 0 {
			r.fail("fee_bps", "must be non-negative, got %v", v)
		}
		b.feeBps = &v
	}
	if r.has("slippage_bps") {
		v := r.Float("slippage_bps", 0)
		if v < 0 {
			r.fail("slippage_bps", "must be non-negative, got %v", v)
		}
		b.slippageBps = &v
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *marketExecutor) Type() string { return "market_executor" }

// costs holds per-run cost rates in basis points
type costs struct {
	fee      decimal.Decimal
	slippage decimal.Decimal
}

// fill applies slippage against the trader and charges the fee on notional
func (c costs) fill(ts time.Time, side types.OrderSide, qty, quoted float64) types.Order {
	q := decimal.NewFromFloat(quoted)
	adj := c.slippage.Div(bpsScale)
	if side == types.OrderSideBuy {
		q = q.Mul(decimal.NewFromInt(1).Add(adj))
	} else {
		q = q.Mul(decimal.NewFromInt(1).Sub(adj))
	}
	fee := q.Mul(decimal.NewFromFloat(qty)).Mul(c.fee).Div(bpsScale)
	return types.Order{
		Timestamp:      ts,
		Side:           side,
		Quantity:       qty,
		QuotedPrice:    quoted,
		ExecutionPrice: q.InexactFloat64(),
		Fees:           fee.InexactFloat64(),
	}
}

// openTrade is the position currently held by the simulator
type openTrade struct {
	side  types.PositionSide
	qty   float64
	entry types.Order
	mfe   float64
	mae   float64
}

func (p *openTrade) mark(bar types.Bar) {
	dir := p.side.Direction()
	best, worst := bar.High, bar.Low
	if dir < 0 {
		best, worst = bar.Low, bar.High
	}
	p.mfe = math.Max(p.mfe, dir*(best-p.entry.ExecutionPrice)*p.qty)
	p.mae = math.Min(p.mae, dir*(worst-p.entry.ExecutionPrice)*p.qty)
}

func (p *openTrade) unrealized(px float64) float64 {
	return p.side.Direction() * (px - p.entry.ExecutionPrice) * p.qty
}

func (p *openTrade) close(exit types.Order) types.Trade {
	dir := p.side.Direction()
	fees := p.entry.Fees + exit.Fees
	slip := math.Abs(p.entry.ExecutionPrice-p.entry.QuotedPrice)*p.qty +
		math.Abs(exit.ExecutionPrice-exit.QuotedPrice)*p.qty
	pnl := dir*(exit.ExecutionPrice-p.entry.ExecutionPrice)*p.qty - fees
	var pct float64
	if notional := p.entry.ExecutionPrice * p.qty; notional != 0 {
		pct = pnl / notional
	}
	return types.Trade{
		EntryTime:     p.entry.Timestamp,
		ExitTime:      exit.Timestamp,
		EntryPrice:    p.entry.ExecutionPrice,
		ExitPrice:     exit.ExecutionPrice,
		Side:          p.side,
		Quantity:      p.qty,
		PnL:           pnl,
		PnLPercent:    pct,
		Fees:          fees,
		SlippageCost:  slip,
		MFE:           p.mfe,
		MAE:           p.mae,
		HoldingPeriod: exit.Timestamp.Sub(p.entry.Timestamp),
	}
}

// simulator holds the running state of one execution pass
type simulator struct {
	costs  costs
	cash   float64
	pos    *openTrade
	orders []types.Order
	trades []types.Trade
}

// rebalance moves the book toward target at the quoted price
func (s *simulator) rebalance(ts time.Time, target, quoted float64) {
	if math.IsNaN(target) {
		target = 0
	}
	want := sign(target)
	var have float64
	if s.pos != nil {
		have = s.pos.side.Direction()
	}
	if want == have {
		return
	}
	if s.pos != nil {
		s.exit(ts, quoted)
	}
	if want == 0 || quoted <= 0 {
		return
	}

	side, posSide := types.OrderSideBuy, types.PositionSideLong
	if want < 0 {
		side, posSide = types.OrderSideSell, types.PositionSideShort
	}
	entry := s.costs.fill(ts, side, math.Abs(target), quoted)
	s.orders = append(s.orders, entry)
	s.cash -= entry.Fees
	s.pos = &openTrade{side: posSide, qty: entry.Quantity, entry: entry}
}

func (s *simulator) exit(ts time.Time, quoted float64) {
	side := types.OrderSideSell
	if s.pos.side == types.PositionSideShort {
		side = types.OrderSideBuy
	}
	order := s.costs.fill(ts, side, s.pos.qty, quoted)
	trade := s.pos.close(order)
	s.orders = append(s.orders, order)
	s.trades = append(s.trades, trade)
	// 入场手续费已在开仓时扣除
	s.cash += trade.PnL + s.pos.entry.Fees
	s.pos = nil
}

func (s *simulator) equity(px float64) float64 {
	if s.pos == nil {
		return s.cash
	}
	return s.cash + s.pos.unrealized(px)
}

func (b *marketExecutor) costsFor(scope RunScope) costs {
	fee, slip := scope.FeeBps, scope.SlippageBps
	if b.feeBps != nil {
		fee = *b.feeBps
	}
	if b.slippageBps != nil {
		slip = *b.slippageBps
	}
	return costs{fee: decimal.NewFromFloat(fee), slippage: decimal.NewFromFloat(slip)}
}

func (b *marketExecutor) Execute(ctx context.Context, in *Context, _ []Output) Output {
	bars := in.Prices
	targets := in.Targets()
	if len(targets) != len(bars) {
		return Failure(in, apperrors.Newf(apperrors.ErrCodeShapeMismatch,
			"market_executor: %d targets for %d bars", len(targets), len(bars)))
	}
	// bars before the run start are warmup and never traded
	from := in.Run.FirstActive(bars)
	bars, targets = bars[from:], targets[from:]

	sim := &simulator{costs: b.costsFor(in.Run), cash: in.Run.InitialCapital}
	equity := make([]types.EquityPoint, len(bars))

	pending := math.NaN()
	for i, bar := range bars {
		if i%4096 == 0 && ctx.Err() != nil {
			return Failure(in, ctx.Err())
		}
		if b.fill == FillNextOpen && !math.IsNaN(pending) {
			sim.rebalance(bar.Timestamp, pending, bar.Open)
			pending = math.NaN()
		}
		if sim.pos != nil && sim.pos.entry.Timestamp.Before(bar.Timestamp) {
			sim.pos.mark(bar)
		}
		if b.fill == FillClose {
			sim.rebalance(bar.Timestamp, targets[i], bar.Close)
		} else {
			pending = targets[i]
		}
		equity[i] = types.EquityPoint{Timestamp: bar.Timestamp, Equity: sim.equity(bar.Close)}
	}

	var forced bool
	if sim.pos != nil {
		last := bars[len(bars)-1]
		sim.exit(last.Timestamp, last.Close)
		equity[len(equity)-1].Equity = sim.cash
		forced = true
	}

	out := in.Clone()
	out.Orders = append(out.Orders, sim.orders...)
	out.Trades = append(out.Trades, sim.trades...)
	out.Equity = equity

	finalEquity := in.Run.InitialCapital
	if len(equity) > 0 {
		finalEquity = equity[len(equity)-1].Equity
	}
	return Success(out, map[string]interface{}{
		"orders":       len(sim.orders),
		"trades":       len(sim.trades),
		"final_equity": finalEquity,
		"forced_exit":  forced,
		"fill":         b.fill,
	})
}
