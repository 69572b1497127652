// Package mock provides in-memory test doubles for the exchange API.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"
)

// Exchange is an in-memory TradingAPI. Orders fill immediately at the
// configured price. Placing an order whose identifier was already seen
// returns the existing order id, the way the real exchange dedups.
type Exchange struct {
	mu sync.Mutex

	price  decimal.Decimal
	fee    decimal.Decimal
	limits core.MarketLimits

	orders         map[string]*core.Order
	fills          map[string][]core.Fill
	byIdentifier   map[string]string
	placeCalls     int
	failNextPlaces int
	failAfterSave  bool
	rejectNext     bool
}

// NewExchange creates a mock filling at the given price.
func NewExchange(price decimal.Decimal) *Exchange {
	return &Exchange{
		price: price,
		fee:   decimal.NewFromFloat(0.0005),
		limits: core.MarketLimits{
			PriceUnit: decimal.NewFromInt(1),
			MinTotal:  decimal.NewFromInt(5000),
		},
		orders:       make(map[string]*core.Order),
		fills:        make(map[string][]core.Fill),
		byIdentifier: make(map[string]string),
	}
}

// SetLimits overrides the market limits served by OrderChance.
func (e *Exchange) SetLimits(limits core.MarketLimits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits = limits
}

// FailNextPlaces makes the next n PlaceOrder calls return a transient
// network error. With afterSave set the order is created first, which
// models an ack lost on the wire.
func (e *Exchange) FailNextPlaces(n int, afterSave bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNextPlaces = n
	e.failAfterSave = afterSave
}

// RejectNext makes the next placed order end rejected.
func (e *Exchange) RejectNext() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejectNext = true
}

// PlaceCalls returns how many PlaceOrder calls arrived.
func (e *Exchange) PlaceCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placeCalls
}

// OrderCount returns how many distinct orders exist.
func (e *Exchange) OrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}

func (e *Exchange) PlaceOrder(_ context.Context, order *core.Order) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placeCalls++

	if id, seen := e.byIdentifier[order.IdempotencyKey]; seen {
		return id, nil
	}

	if e.failNextPlaces > 0 && !e.failAfterSave {
		e.failNextPlaces--
		return "", fmt.Errorf("%w: connection reset", apperrors.ErrNetwork)
	}

	id := uuid.NewString()
	stored := *order
	stored.OrderID = id
	e.byIdentifier[order.IdempotencyKey] = id

	if e.rejectNext {
		e.rejectNext = false
		stored.Status = core.StatusRejected
		stored.Reason = "insufficient balance"
		e.orders[id] = &stored
		return id, nil
	}

	stored.Status = core.StatusFilled
	e.orders[id] = &stored
	e.fills[id] = []core.Fill{e.fillFor(&stored)}

	if e.failNextPlaces > 0 && e.failAfterSave {
		e.failNextPlaces--
		return "", fmt.Errorf("%w: ack lost", apperrors.ErrNetwork)
	}
	return id, nil
}

func (e *Exchange) fillFor(order *core.Order) core.Fill {
	qty := order.Qty
	fee := decimal.Zero
	if order.Side == core.SideBuy {
		fee = order.Funds.Mul(e.fee)
		qty = order.Funds.Sub(fee).Div(e.price)
	} else {
		fee = e.price.Mul(qty).Mul(e.fee)
	}
	return core.Fill{
		OrderID: order.OrderID,
		Market:  order.Market,
		Side:    order.Side,
		Price:   e.price,
		Qty:     qty,
		Fee:     fee,
		TS:      time.Now().UTC(),
	}
}

func (e *Exchange) GetOrder(_ context.Context, orderID string) (*core.Order, []core.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	copy := *order
	return &copy, append([]core.Fill(nil), e.fills[orderID]...), nil
}

func (e *Exchange) CancelOrder(_ context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if !order.Status.Terminal() {
		order.Status = core.StatusCancelled
	}
	return nil
}

func (e *Exchange) OrderChance(_ context.Context, _ string) (core.MarketLimits, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limits, nil
}

var _ core.TradingAPI = (*Exchange)(nil)
