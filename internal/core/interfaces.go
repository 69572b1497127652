package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Logger is the structured logging contract used by every component.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// Strategy evaluates one market's rolling bar history and produces a
// Signal. Evaluate must be a pure function of the supplied history plus
// whatever state the instance explicitly owns across calls (e.g. the
// regime router's hysteresis). Strategies must tolerate short history by
// returning a hold signal.
type Strategy interface {
	Name() string
	Evaluate(market string, history []Candle) Signal
	// RequiredBars declares the minimum lookback needed before signals
	// are meaningful. Zero means no declared warm-up requirement.
	RequiredBars() int
}

// Inspector is an optional strategy capability exposing per-bar
// detector diagnostics for logging.
type Inspector interface {
	Inspect(market string, history []Candle) map[string]interface{}
}

// HistorySource serves one reverse-chronological page of closed candles
// ending at (exclusive) the `to` timestamp. A zero `to` means latest.
// Page size is capped by the exchange; callers paginate.
type HistorySource interface {
	CandlePage(ctx context.Context, market string, interval time.Duration, count int, to time.Time) ([]Candle, error)
}

// TickHandler consumes live trade ticks from a feed connector.
type TickHandler func(Tick)

// OrderSink accepts risk-approved orders and drives them to a terminal
// status. Submit blocks until terminal status (or ctx cancellation) and
// reports fills through the returned slice; the engine feeds them back
// into position bookkeeping.
type OrderSink interface {
	Submit(ctx context.Context, order *Order) ([]Fill, error)
	// Limits returns the market's quantization contract.
	Limits(ctx context.Context, market string) (MarketLimits, error)
}

// TradingAPI is the exchange order surface the live execution adapter
// wraps. Implementations: the Upbit REST client and the in-memory mock.
type TradingAPI interface {
	PlaceOrder(ctx context.Context, order *Order) (string, error)
	GetOrder(ctx context.Context, orderID string) (*Order, []Fill, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderChance(ctx context.Context, market string) (MarketLimits, error)
}

// Event is one structured record of a core state transition.
type Event struct {
	RunID  string
	Type   string
	Market string
	TS     time.Time
	Fields map[string]interface{}
}

// EventSink receives one Event per state transition. Delivery is
// fire-and-forget: implementations must never block the pipeline.
type EventSink interface {
	Emit(Event)
}

// OrderJournal persists order state transitions and fills so that an
// interrupted run can reconcile in-flight orders against the exchange
// instead of re-deriving them from memory.
// Implementations are bound to the current run at construction;
// UnterminatedOrders takes an explicit run id so a new run can
// reconcile its predecessor.
type OrderJournal interface {
	RecordRun(run Run) error
	RecordOrder(order *Order) error
	RecordFill(fill *Fill) error
	UnterminatedOrders(runID string) ([]Order, error)
	LastRunID() (string, error)
	Close() error
}

// Quantize floors a price to the exchange's minimum price increment.
// A zero or negative unit leaves the price untouched.
func Quantize(price, unit decimal.Decimal) decimal.Decimal {
	if unit.IsZero() || unit.IsNegative() {
		return price
	}
	return price.Div(unit).Floor().Mul(unit)
}
