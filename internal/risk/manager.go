package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"
)

// Exit reasons attached to risk-generated close requests.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonPartialTP  = "partial_tp"
	ReasonKillSwitch = "kill_switch"
)

// ExitRequest asks the executor to close all or part of a position.
type ExitRequest struct {
	Position core.Position
	Qty      decimal.Decimal
	Full     bool
	Reason   string
}

// Manager owns the portfolio ledger and enforces the risk limit set.
// It is long-only with at most one position per market. All mutating
// calls are expected to arrive serialized in bar-timestamp order; the
// mutex only guards concurrent reads from other goroutines.
type Manager struct {
	limits  core.RiskLimits
	kill    *KillSwitch
	windows []hourWindow
	loc     *time.Location
	logger  core.Logger

	mu           sync.Mutex
	cash         decimal.Decimal
	startEquity  decimal.Decimal
	realized     decimal.Decimal
	positions    map[string]*core.Position
	barCount     map[string]int
	lastCloseBar map[string]int
	lastPrice    map[string]decimal.Decimal
	day          int // local year*1000+yday of the current loss window
}

// NewManager creates a manager with the full starting capital in cash.
func NewManager(limits core.RiskLimits, capital decimal.Decimal, logger core.Logger) (*Manager, error) {
	windows, err := parseWindows(limits.AllowedHours)
	if err != nil {
		return nil, fmt.Errorf("risk limits: %w", err)
	}
	loc := time.UTC
	if limits.Timezone != "" {
		loc, err = time.LoadLocation(limits.Timezone)
		if err != nil {
			return nil, fmt.Errorf("risk limits: timezone %q: %w", limits.Timezone, err)
		}
	}
	return &Manager{
		limits:       limits,
		kill:         NewKillSwitch(),
		windows:      windows,
		loc:          loc,
		logger:       logger,
		cash:         capital,
		startEquity:  capital,
		positions:    make(map[string]*core.Position),
		barCount:     make(map[string]int),
		lastCloseBar: make(map[string]int),
		lastPrice:    make(map[string]decimal.Decimal),
	}, nil
}

// KillSwitch exposes the halt latch.
func (m *Manager) KillSwitch() *KillSwitch { return m.kill }

// Review runs the ordered pre-trade checks for a new entry. Exits are
// never reviewed; they must always be able to flatten a position.
func (m *Manager) Review(market string, notional decimal.Decimal, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kill.Tripped() {
		return fmt.Errorf("%w: %s", apperrors.ErrHalted, m.kill.Reason())
	}

	equity := m.equityLocked()
	maxValue := equity.Mul(decimal.NewFromFloat(m.limits.MaxPositionValueRatio))
	if notional.GreaterThan(maxValue) {
		return fmt.Errorf("%w: notional %s exceeds limit %s",
			apperrors.ErrPositionValue, notional.StringFixed(0), maxValue.StringFixed(0))
	}

	if _, open := m.positions[market]; open {
		return fmt.Errorf("%w: position already open on %s", apperrors.ErrPositionLimit, market)
	}
	if len(m.positions) >= m.limits.MaxConcurrentPositions {
		return fmt.Errorf("%w: %d positions open", apperrors.ErrPositionLimit, len(m.positions))
	}

	if m.limits.CooldownBars > 0 {
		if lastClose, ok := m.lastCloseBar[market]; ok {
			if since := m.barCount[market] - lastClose; since < m.limits.CooldownBars {
				return fmt.Errorf("%w: %d of %d bars elapsed since last close on %s",
					apperrors.ErrCooldown, since, m.limits.CooldownBars, market)
			}
		}
	}

	if !inAllowedHours(m.windows, m.loc, ts) {
		return fmt.Errorf("%w: %s outside allowed trading hours",
			apperrors.ErrOutsideHours, ts.In(m.loc).Format("15:04"))
	}

	return nil
}

// EntryNotional returns the budget for a new entry: the position value
// cap, bounded by available cash.
func (m *Manager) EntryNotional() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	budget := m.equityLocked().Mul(decimal.NewFromFloat(m.limits.MaxPositionValueRatio))
	if budget.GreaterThan(m.cash) {
		budget = m.cash
	}
	return budget
}

// OnBarClose advances per-market bar accounting, ratchets trailing
// stops, and returns the exits this bar triggered. Check order per
// position: protective stop, take profit, then partial take profit.
// The daily loss check runs last and converts every open position into
// a full exit when it trips.
func (m *Manager) OnBarClose(c core.Candle, atr float64) []ExitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.barCount[c.Market]++
	m.lastPrice[c.Market] = c.Close
	m.rollDailyWindowLocked(c.OpenTS)

	var exits []ExitRequest
	if pos, ok := m.positions[c.Market]; ok {
		m.ratchetStopLocked(pos, c.Close, atr)

		switch {
		case pos.StopPrice.IsPositive() && c.Close.LessThanOrEqual(pos.StopPrice):
			exits = append(exits, ExitRequest{
				Position: *pos, Qty: pos.Qty, Full: true, Reason: ReasonStopLoss,
			})
		case pos.TakeProfit.IsPositive() && c.Close.GreaterThanOrEqual(pos.TakeProfit):
			exits = append(exits, ExitRequest{
				Position: *pos, Qty: pos.Qty, Full: true, Reason: ReasonTakeProfit,
			})
		case m.partialTriggeredLocked(pos, c.Close):
			qty := pos.Qty.Mul(decimal.NewFromFloat(m.limits.PartialTPRatio))
			exits = append(exits, ExitRequest{
				Position: *pos, Qty: qty, Reason: ReasonPartialTP,
			})
		}
	}

	if m.dailyLossBreachedLocked() {
		m.kill.Trip(fmt.Sprintf("daily loss limit %.1f%% breached",
			m.limits.MaxDailyLossRatio*100))
		if m.logger != nil {
			m.logger.Error("kill switch tripped", "reason", m.kill.Reason())
		}
		exits = m.flattenAllLocked(exits)
	}

	return exits
}

// partialTriggeredLocked reports whether the one-shot partial take
// profit fires at this close.
func (m *Manager) partialTriggeredLocked(pos *core.Position, close decimal.Decimal) bool {
	if pos.PartialDone || m.limits.PartialTPPct <= 0 || m.limits.PartialTPRatio <= 0 {
		return false
	}
	trigger := pos.EntryPrice.Mul(decimal.NewFromFloat(1 + m.limits.PartialTPPct))
	return close.GreaterThanOrEqual(trigger)
}

// ratchetStopLocked lifts the trailing stop, never lowering it. The
// trailing multiple alone enables it; UseATRStop only picks the
// initial stop.
func (m *Manager) ratchetStopLocked(pos *core.Position, close decimal.Decimal, atr float64) {
	if m.limits.ATRTrailingMult <= 0 || atr <= 0 {
		return
	}
	candidate := close.Sub(decimal.NewFromFloat(atr * m.limits.ATRTrailingMult))
	if candidate.GreaterThan(pos.StopPrice) {
		pos.StopPrice = candidate
	}
}

// flattenAllLocked adds full exits for every open position not already
// fully exiting in this batch.
func (m *Manager) flattenAllLocked(exits []ExitRequest) []ExitRequest {
	covered := make(map[string]bool)
	for _, e := range exits {
		if e.Full {
			covered[e.Position.Market] = true
		}
	}
	for market, pos := range m.positions {
		if covered[market] {
			continue
		}
		exits = append(exits, ExitRequest{
			Position: *pos, Qty: pos.Qty, Full: true, Reason: ReasonKillSwitch,
		})
	}
	return exits
}

// rollDailyWindowLocked re-bases the daily loss window when the local
// calendar day changes.
func (m *Manager) rollDailyWindowLocked(ts time.Time) {
	local := ts.In(m.loc)
	day := local.Year()*1000 + local.YearDay()
	if m.day == 0 {
		m.day = day
		return
	}
	if day != m.day {
		m.day = day
		m.startEquity = m.equityLocked()
	}
}

func (m *Manager) dailyLossBreachedLocked() bool {
	if m.limits.MaxDailyLossRatio <= 0 || m.kill.Tripped() {
		return false
	}
	floor := m.startEquity.Mul(decimal.NewFromFloat(1 - m.limits.MaxDailyLossRatio))
	return m.equityLocked().LessThanOrEqual(floor)
}

// OpenPosition records an entry fill as a new position. The protective
// stop comes from the ATR when configured, otherwise the fixed
// percentage; the take profit is optional.
func (m *Manager) OpenPosition(fill core.Fill, atr float64) *core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	stop := decimal.Zero
	if m.limits.StopLossPct > 0 {
		stop = fill.Price.Mul(decimal.NewFromFloat(1 - m.limits.StopLossPct))
	}
	if m.limits.UseATRStop && m.limits.ATRStopMult > 0 && atr > 0 {
		stop = fill.Price.Sub(decimal.NewFromFloat(atr * m.limits.ATRStopMult))
	}
	var tp decimal.Decimal
	if m.limits.TakeProfitPct > 0 {
		tp = fill.Price.Mul(decimal.NewFromFloat(1 + m.limits.TakeProfitPct))
	}

	// Tie the position to its entry order so replays of the same
	// series mint the same ids.
	id := fill.OrderID
	if id == "" {
		id = uuid.NewString()
	}

	pos := &core.Position{
		PositionID: "pos-" + id,
		Market:     fill.Market,
		Direction:  core.SideBuy,
		Qty:        fill.Qty,
		EntryPrice: fill.Price,
		StopPrice:  stop,
		TakeProfit: tp,
		OpenedAt:   fill.TS,
		OpenedBar:  m.barCount[fill.Market],
		Status:     core.PositionOpen,
	}
	m.positions[fill.Market] = pos
	m.cash = m.cash.Sub(fill.Price.Mul(fill.Qty)).Sub(fill.Fee)
	return pos
}

// CloseFill applies a sell fill against the open position. When the
// remaining quantity reaches zero the position closes and the cooldown
// clock for its market starts.
func (m *Manager) CloseFill(fill core.Fill) (*core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[fill.Market]
	if !ok {
		return nil, fmt.Errorf("%w: no open position on %s", apperrors.ErrOrderNotFound, fill.Market)
	}

	qty := fill.Qty
	if qty.GreaterThan(pos.Qty) {
		qty = pos.Qty
	}
	proceeds := fill.Price.Mul(qty).Sub(fill.Fee)
	m.cash = m.cash.Add(proceeds)
	m.realized = m.realized.Add(fill.Price.Sub(pos.EntryPrice).Mul(qty)).Sub(fill.Fee)
	pos.Qty = pos.Qty.Sub(qty)

	if pos.Qty.IsZero() || pos.Qty.IsNegative() {
		pos.Qty = decimal.Zero
		pos.Status = core.PositionClosed
		delete(m.positions, fill.Market)
		m.lastCloseBar[fill.Market] = m.barCount[fill.Market]
	} else {
		// The one-shot partial latches only on a confirmed fill, so a
		// failed sell leaves it armed for the next bar.
		pos.PartialDone = true
		pos.Status = core.PositionPartial
	}
	return pos, nil
}

// Position returns a copy of the open position on market, if any.
func (m *Manager) Position(market string) (core.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[market]
	if !ok {
		return core.Position{}, false
	}
	return *pos, true
}

// OpenPositions returns copies of all open positions.
func (m *Manager) OpenPositions() []core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// Equity returns cash plus open positions marked at the latest close.
func (m *Manager) Equity() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equityLocked()
}

// Cash returns the free cash balance.
func (m *Manager) Cash() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash
}

// RealizedPnL returns the cumulative realized profit net of fees.
func (m *Manager) RealizedPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realized
}

func (m *Manager) equityLocked() decimal.Decimal {
	equity := m.cash
	for market, pos := range m.positions {
		price, ok := m.lastPrice[market]
		if !ok {
			price = pos.EntryPrice
		}
		equity = equity.Add(pos.Qty.Mul(price))
	}
	return equity
}
