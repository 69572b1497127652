// Package core defines the domain types and interfaces shared by the
// trading engine components.
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CandleSource identifies where a candle came from.
type CandleSource int

const (
	SourceTick CandleSource = iota
	SourcePrefetch
	SourceSynthetic
)

func (s CandleSource) String() string {
	switch s {
	case SourceTick:
		return "tick"
	case SourcePrefetch:
		return "prefetch"
	case SourceSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// Candle is one closed OHLCV bar. OpenTS is UTC and interval-aligned.
// A candle is immutable once emitted.
type Candle struct {
	Market   string
	Interval time.Duration
	OpenTS   time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Source   CandleSource
}

// Tick is a single trade print. Transient input, never persisted.
type Tick struct {
	Market string
	Price  decimal.Decimal
	Volume decimal.Decimal
	TS     time.Time
}

// SignalSide is the strategy's per-bar verdict.
type SignalSide int

const (
	SideHold SignalSide = 0
	SideBuy  SignalSide = 1
	SideSell SignalSide = -1
)

func (s SignalSide) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "hold"
	}
}

// Signal is one strategy verdict for one bar of one market.
type Signal struct {
	StrategyID string
	Market     string
	Side       SignalSide
	Confidence float64
	Reason     string
	BarTS      time.Time
}

// OrderType distinguishes limit orders from market orders. Upbit splits
// market orders into "price" (buy by funds) and "market" (sell by
// volume); both map to TypeMarket here.
type OrderType int

const (
	TypeMarket OrderType = iota
	TypeLimit
)

func (t OrderType) String() string {
	if t == TypeLimit {
		return "limit"
	}
	return "market"
}

// OrderStatus is the order lifecycle state.
type OrderStatus int

const (
	StatusSubmitted OrderStatus = iota
	StatusAccepted
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusAccepted:
		return "accepted"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusRejected:
		return "rejected"
	}
	return "unknown"
}

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is a risk-approved, sized request bound for an order sink.
type Order struct {
	OrderID        string
	IdempotencyKey string
	Market         string
	Side           SignalSide
	Type           OrderType
	// Qty is the base-asset quantity for sells and limits. Market buys
	// are funds-denominated on Upbit, so Funds carries the quote
	// notional and Qty stays zero until fills report it.
	Qty    decimal.Decimal
	Funds  decimal.Decimal
	Price  decimal.Decimal
	Status OrderStatus
	Reason string
	// PositionID links exit and partial orders back to their position.
	PositionID string
	CreatedAt  time.Time
}

// IdempotencyKey derives the deterministic client token for one logical
// order: a resubmission after a dropped acknowledgment must map to the
// same exchange order.
func IdempotencyKey(strategyID, market string, barTS time.Time, side SignalSide) string {
	return fmt.Sprintf("%s-%s-%d-%s", strategyID, market, barTS.Unix(), side)
}

// Fill is one execution report against an order.
type Fill struct {
	OrderID string
	Market  string
	Side    SignalSide
	Price   decimal.Decimal
	Qty     decimal.Decimal
	Fee     decimal.Decimal
	TS      time.Time
}

// PositionStatus tracks the position lifecycle.
type PositionStatus int

const (
	PositionOpen PositionStatus = iota
	PositionPartial
	PositionClosed
)

func (s PositionStatus) String() string {
	switch s {
	case PositionOpen:
		return "open"
	case PositionPartial:
		return "partial"
	default:
		return "closed"
	}
}

// Position is one open exposure in one market. The engine trades spot
// long-only today; Direction exists so the stop ratchet reads correctly
// for both directions.
type Position struct {
	PositionID string
	Market     string
	Direction  SignalSide
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal
	StopPrice  decimal.Decimal
	TakeProfit decimal.Decimal
	OpenedAt   time.Time
	OpenedBar  int
	Status     PositionStatus
	// PartialDone latches after the one-time partial take-profit.
	PartialDone bool
}

// MarkValue returns the position's value at the given price.
func (p *Position) MarkValue(price decimal.Decimal) decimal.Decimal {
	return p.Qty.Mul(price)
}

// RiskLimits is the immutable per-run risk parameter set, loaded once.
type RiskLimits struct {
	MaxPositionValueRatio  float64
	MaxDailyLossRatio      float64
	MaxConcurrentPositions int
	CooldownBars           int
	StopLossPct            float64
	TakeProfitPct          float64
	UseATRStop             bool
	ATRPeriod              int
	ATRStopMult            float64
	ATRTrailingMult        float64
	PartialTPPct           float64
	PartialTPRatio         float64
	// AllowedHours holds entry windows like "09:00-23:30"; empty means
	// always allowed. Evaluated in Timezone.
	AllowedHours []string
	Timezone     string
}

// RunMode selects the data source / order sink pairing.
type RunMode int

const (
	ModeBacktest RunMode = iota
	ModePaper
	ModeLive
)

func (m RunMode) String() string {
	switch m {
	case ModeBacktest:
		return "backtest"
	case ModePaper:
		return "paper"
	default:
		return "live"
	}
}

// ParseRunMode maps a config string to a RunMode.
func ParseRunMode(s string) (RunMode, error) {
	switch s {
	case "backtest":
		return ModeBacktest, nil
	case "paper":
		return ModePaper, nil
	case "live":
		return ModeLive, nil
	}
	return ModeBacktest, fmt.Errorf("unknown run mode %q", s)
}

// Run scopes every entity produced by one engine execution.
type Run struct {
	RunID     string
	Mode      RunMode
	StartedAt time.Time
	EndedAt   time.Time
}

// MarketLimits is the exchange's quantization contract for one market,
// from the order-chance query.
type MarketLimits struct {
	PriceUnit decimal.Decimal
	MinTotal  decimal.Decimal
}
