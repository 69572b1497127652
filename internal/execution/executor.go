// Package execution turns approved intents into exchange orders and
// simulated fills.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"
	"trade_engine/pkg/retry"
)

// Executor submits orders through a TradingAPI with client-side
// idempotency. Every order carries a deterministic identifier derived
// from its signal, so a retried submission after a network error can
// only ever create one exchange order.
type Executor struct {
	api     core.TradingAPI
	journal core.OrderJournal

	limiter      *rate.Limiter
	policy       retry.Policy
	pollInterval time.Duration
	pollTimeout  time.Duration

	mu          sync.Mutex
	limitsCache map[string]core.MarketLimits

	logger core.Logger
}

// NewExecutor creates an executor. The journal may be nil when no
// persistence is wanted.
func NewExecutor(api core.TradingAPI, journal core.OrderJournal, logger core.Logger) *Executor {
	return &Executor{
		api:          api,
		journal:      journal,
		limiter:      rate.NewLimiter(rate.Limit(8), 8),
		policy:       retry.DefaultPolicy,
		pollInterval: 500 * time.Millisecond,
		pollTimeout:  2 * time.Minute,
		logger:       logger,
	}
}

// SetRetryPolicy overrides the submission retry policy.
func (e *Executor) SetRetryPolicy(p retry.Policy) { e.policy = p }

// SetPollInterval overrides the fill polling cadence.
func (e *Executor) SetPollInterval(interval, timeout time.Duration) {
	e.pollInterval = interval
	e.pollTimeout = timeout
}

// Limits returns the trading constraints for a market, cached after the
// first lookup.
func (e *Executor) Limits(ctx context.Context, market string) (core.MarketLimits, error) {
	e.mu.Lock()
	if limits, ok := e.limitsCache[market]; ok {
		e.mu.Unlock()
		return limits, nil
	}
	e.mu.Unlock()

	if err := e.limiter.Wait(ctx); err != nil {
		return core.MarketLimits{}, err
	}
	limits, err := e.api.OrderChance(ctx, market)
	if err != nil {
		return core.MarketLimits{}, fmt.Errorf("order chance %s: %w", market, err)
	}

	e.mu.Lock()
	if e.limitsCache == nil {
		e.limitsCache = make(map[string]core.MarketLimits)
	}
	e.limitsCache[market] = limits
	e.mu.Unlock()
	return limits, nil
}

// Submit places an order and blocks until it reaches a terminal state,
// returning the fills. A buy below the market minimum notional is
// refused with ErrBelowMinNotional before anything goes on the wire.
func (e *Executor) Submit(ctx context.Context, order *core.Order) ([]core.Fill, error) {
	limits, err := e.Limits(ctx, order.Market)
	if err != nil {
		return nil, err
	}

	if order.Type == core.TypeLimit && limits.PriceUnit.IsPositive() {
		order.Price = core.Quantize(order.Price, limits.PriceUnit)
	}

	if order.Side == core.SideBuy && limits.MinTotal.IsPositive() {
		notional := order.Funds
		if order.Type == core.TypeLimit {
			notional = order.Price.Mul(order.Qty)
		}
		if notional.LessThan(limits.MinTotal) {
			return nil, fmt.Errorf("%w: %s below minimum %s on %s",
				apperrors.ErrBelowMinNotional,
				notional.StringFixed(0), limits.MinTotal.StringFixed(0), order.Market)
		}
	}

	order.Status = core.StatusSubmitted
	order.CreatedAt = time.Now().UTC()
	if e.journal != nil {
		if err := e.journal.RecordOrder(order); err != nil && e.logger != nil {
			e.logger.Warn("journal write failed", "order", order.IdempotencyKey, "error", err)
		}
	}

	var orderID string
	err = retry.Do(ctx, e.policy, apperrors.IsTransient, func() error {
		if werr := e.limiter.Wait(ctx); werr != nil {
			return werr
		}
		var perr error
		// The identifier travels with every attempt; the exchange
		// returns the original order when it has seen it before.
		orderID, perr = e.api.PlaceOrder(ctx, order)
		return perr
	})
	if err != nil {
		order.Status = core.StatusRejected
		order.Reason = err.Error()
		e.recordUpdate(order)
		return nil, fmt.Errorf("place order %s: %w", order.IdempotencyKey, err)
	}

	order.OrderID = orderID
	order.Status = core.StatusAccepted
	e.recordUpdate(order)
	if e.logger != nil {
		e.logger.Info("order accepted",
			"market", order.Market,
			"side", order.Side.String(),
			"order_id", orderID,
			"identifier", order.IdempotencyKey)
	}

	return e.awaitFills(ctx, order)
}

// awaitFills polls the order until it is terminal.
func (e *Executor) awaitFills(ctx context.Context, order *core.Order) ([]core.Fill, error) {
	deadline := time.Now().Add(e.pollTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		remote, fills, err := e.api.GetOrder(ctx, order.OrderID)
		if err == nil {
			order.Status = remote.Status
			if remote.Status.Terminal() {
				e.recordUpdate(order)
				e.recordFills(fills)
				if remote.Status == core.StatusRejected || remote.Status == core.StatusCancelled {
					return fills, fmt.Errorf("%w: order %s ended %s",
						apperrors.ErrOrderRejected, order.OrderID, remote.Status)
				}
				return fills, nil
			}
		} else if !apperrors.IsTransient(err) {
			return nil, fmt.Errorf("poll order %s: %w", order.OrderID, err)
		}

		if time.Now().After(deadline) {
			e.cancelQuietly(ctx, order)
			return nil, fmt.Errorf("order %s not filled within %s", order.OrderID, e.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) cancelQuietly(ctx context.Context, order *core.Order) {
	if err := e.api.CancelOrder(ctx, order.OrderID); err != nil && e.logger != nil {
		e.logger.Warn("cancel after poll timeout failed", "order_id", order.OrderID, "error", err)
	}
	order.Status = core.StatusCancelled
	e.recordUpdate(order)
}

// Reconcile resolves orders the journal recorded as in flight during a
// previous run, querying the exchange for their final state. Returned
// fills let the caller rebuild position state before trading resumes.
func (e *Executor) Reconcile(ctx context.Context, runID string) ([]core.Fill, error) {
	if e.journal == nil {
		return nil, nil
	}
	pending, err := e.journal.UnterminatedOrders(runID)
	if err != nil {
		return nil, fmt.Errorf("load unterminated orders: %w", err)
	}

	var recovered []core.Fill
	for _, order := range pending {
		if order.OrderID == "" {
			// Never acknowledged; nothing to resolve on the exchange.
			order.Status = core.StatusRejected
			order.Reason = "lost before acceptance"
			e.recordUpdate(&order)
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return recovered, err
		}
		remote, fills, err := e.api.GetOrder(ctx, order.OrderID)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("reconcile lookup failed", "order_id", order.OrderID, "error", err)
			}
			continue
		}
		order.Status = remote.Status
		e.recordUpdate(&order)
		e.recordFills(fills)
		recovered = append(recovered, fills...)
		if e.logger != nil {
			e.logger.Info("reconciled order",
				"order_id", order.OrderID,
				"status", remote.Status,
				"fills", len(fills))
		}
	}
	return recovered, nil
}

func (e *Executor) recordUpdate(order *core.Order) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordOrder(order); err != nil && e.logger != nil {
		e.logger.Warn("journal update failed", "order", order.IdempotencyKey, "error", err)
	}
}

func (e *Executor) recordFills(fills []core.Fill) {
	if e.journal == nil {
		return
	}
	for i := range fills {
		if err := e.journal.RecordFill(&fills[i]); err != nil && e.logger != nil {
			e.logger.Warn("journal fill failed", "order_id", fills[i].OrderID, "error", err)
		}
	}
}

var _ core.OrderSink = (*Executor)(nil)
