package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"
)

// SimSink fills orders instantly against the latest mark price with
// configurable fee and slippage. Backtest and paper runs share it, so
// both modes execute through exactly the same code path as live apart
// from the sink implementation.
type SimSink struct {
	fee      decimal.Decimal
	slippage decimal.Decimal
	limits   core.MarketLimits

	mu     sync.Mutex
	marks  map[string]mark
	filled map[string]simResult // by idempotency key
}

type mark struct {
	price decimal.Decimal
	ts    time.Time
}

type simResult struct {
	orderID string
	fills   []core.Fill
}

// NewSimSink creates a simulated sink. Fee and slippage are fractions,
// e.g. 0.0005 for five basis points.
func NewSimSink(fee, slippage float64, limits core.MarketLimits) *SimSink {
	return &SimSink{
		fee:      decimal.NewFromFloat(fee),
		slippage: decimal.NewFromFloat(slippage),
		limits:   limits,
		marks:    make(map[string]mark),
		filled:   make(map[string]simResult),
	}
}

// SetPrice moves the mark the next fill executes against.
func (s *SimSink) SetPrice(market string, price decimal.Decimal, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[market] = mark{price: price, ts: ts}
}

// Limits returns the configured market constraints.
func (s *SimSink) Limits(_ context.Context, _ string) (core.MarketLimits, error) {
	return s.limits, nil
}

// Submit fills the order at the current mark. Resubmitting an order
// with a key already filled returns the original fills and creates no
// new trade, mirroring exchange-side identifier dedup.
func (s *SimSink) Submit(_ context.Context, order *core.Order) ([]core.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, seen := s.filled[order.IdempotencyKey]; seen {
		order.OrderID = prev.orderID
		order.Status = core.StatusFilled
		return prev.fills, nil
	}

	mk, ok := s.marks[order.Market]
	if !ok {
		return nil, fmt.Errorf("%w: no mark price for %s", apperrors.ErrInvalidMarket, order.Market)
	}

	var fill core.Fill
	switch order.Side {
	case core.SideBuy:
		if s.limits.MinTotal.IsPositive() && order.Funds.LessThan(s.limits.MinTotal) {
			return nil, fmt.Errorf("%w: %s below minimum %s on %s",
				apperrors.ErrBelowMinNotional,
				order.Funds.StringFixed(0), s.limits.MinTotal.StringFixed(0), order.Market)
		}
		price := s.quantize(mk.price.Mul(decimal.NewFromInt(1).Add(s.slippage)))
		fee := order.Funds.Mul(s.fee)
		fill = core.Fill{
			Market: order.Market,
			Side:   core.SideBuy,
			Price:  price,
			Qty:    order.Funds.Sub(fee).Div(price),
			Fee:    fee,
			TS:     mk.ts,
		}
	case core.SideSell:
		if order.Qty.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: sell of zero quantity on %s",
				apperrors.ErrOrderRejected, order.Market)
		}
		price := s.quantize(mk.price.Mul(decimal.NewFromInt(1).Sub(s.slippage)))
		gross := price.Mul(order.Qty)
		fill = core.Fill{
			Market: order.Market,
			Side:   core.SideSell,
			Price:  price,
			Qty:    order.Qty,
			Fee:    gross.Mul(s.fee),
			TS:     mk.ts,
		}
	default:
		return nil, fmt.Errorf("%w: order has no side", apperrors.ErrOrderRejected)
	}

	// Mint the id from the idempotency key so identical replays
	// produce identical order streams.
	order.OrderID = "sim-" + order.IdempotencyKey
	order.Status = core.StatusFilled
	fill.OrderID = order.OrderID

	fills := []core.Fill{fill}
	s.filled[order.IdempotencyKey] = simResult{orderID: order.OrderID, fills: fills}
	return fills, nil
}

func (s *SimSink) quantize(price decimal.Decimal) decimal.Decimal {
	return core.Quantize(price, s.limits.PriceUnit)
}

var _ core.OrderSink = (*SimSink)(nil)
