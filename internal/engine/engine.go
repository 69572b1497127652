package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/data"
	"trade_engine/internal/events"
	"trade_engine/internal/feed"
	"trade_engine/internal/risk"
	"trade_engine/internal/strategy"
	"trade_engine/pkg/apperrors"
)

// priceMarker is implemented by simulated sinks that fill against a
// moving mark.
type priceMarker interface {
	SetPrice(market string, price decimal.Decimal, ts time.Time)
}

// Engine drives the bar loop. Closed candles from any source (live
// aggregation or replay) funnel through one serialized inbox, so
// position and ledger updates always apply in bar-timestamp order
// regardless of how many markets are subscribed.
type Engine struct {
	cfg   *config.Config
	mode  core.RunMode
	runID string

	strat  core.Strategy
	risk   *risk.Manager
	sink   core.OrderSink
	bus    core.EventSink
	logger core.Logger

	agg  *data.Aggregator
	feed *feed.Connector
	pool *pond.WorkerPool

	inbox chan core.Candle

	histories   map[string][]core.Candle
	atrs        map[string]float64
	regimes     map[string]string
	riskExited  map[string]time.Time
	startEquity decimal.Decimal
	equityCurve []decimal.Decimal
	trades      []TradeResult

	stoppedReason string
}

// New assembles an engine. The caller picks the sink: a SimSink for
// backtest and paper, the live executor otherwise.
func New(cfg *config.Config, mode core.RunMode, strat core.Strategy, riskMgr *risk.Manager, sink core.OrderSink, bus core.EventSink, logger core.Logger) *Engine {
	e := &Engine{
		cfg:         cfg,
		mode:        mode,
		runID:       uuid.NewString(),
		strat:       strat,
		risk:        riskMgr,
		sink:        sink,
		bus:         bus,
		logger:      logger,
		pool:        pond.New(cfg.Engine.EvalWorkers, cfg.Engine.InboxSize),
		inbox:       make(chan core.Candle, cfg.Engine.InboxSize),
		histories:   make(map[string][]core.Candle),
		atrs:        make(map[string]float64),
		regimes:     make(map[string]string),
		riskExited:  make(map[string]time.Time),
		startEquity: riskMgr.Equity(),
	}
	e.agg = data.NewAggregator(cfg.IntervalDuration(), cfg.GapFill(), e.enqueue, logger)
	e.agg.OnLate(func(tick core.Tick, total int64) {
		e.emit(events.TypeTickDropped, tick.Market, tick.TS, map[string]interface{}{
			"dropped_total": total,
		})
	})
	return e
}

// RunID identifies everything this engine execution produces.
func (e *Engine) RunID() string { return e.runID }

// SetRunID overrides the generated run id so events and journal rows
// share one identifier. Call before Run or Replay.
func (e *Engine) SetRunID(id string) { e.runID = id }

// AttachFeed wires a live trade stream into the aggregator.
func (e *Engine) AttachFeed(f *feed.Connector) { e.feed = f }

// HandleTick is the TickHandler for the feed connector.
func (e *Engine) HandleTick(t core.Tick) { e.agg.Ingest(t) }

// SeedHistory installs prefetched candles so indicators are warm before
// the first live bar.
func (e *Engine) SeedHistory(market string, candles []core.Candle) {
	e.histories[market] = data.Merge(candles, e.histories[market])
	if e.logger != nil {
		e.logger.Info("history seeded", "market", market, "bars", len(e.histories[market]))
	}
}

func (e *Engine) enqueue(c core.Candle) {
	e.inbox <- c
}

// Run consumes bars until the context is cancelled. Used by paper and
// live modes; backtests call Replay instead.
func (e *Engine) Run(ctx context.Context) error {
	if e.feed != nil {
		e.feed.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case c := <-e.inbox:
				e.handleBar(gctx, c, true)
			}
		}
	})

	err := g.Wait()
	if e.feed != nil {
		e.feed.Stop()
	}
	e.drain()
	e.pool.StopAndWait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain flushes the aggregator and processes whatever is still queued.
// Bars handled after shutdown may still exit positions but never open
// new ones.
func (e *Engine) drain() {
	e.agg.Flush()
	for {
		select {
		case c := <-e.inbox:
			e.handleBar(context.Background(), c, false)
		default:
			return
		}
	}
}

// handleBar is the single serialized step: bookkeeping and risk exits
// first, then the strategy's verdict for the new bar.
func (e *Engine) handleBar(ctx context.Context, c core.Candle, allowEntries bool) {
	hist := append(e.histories[c.Market], c)
	if limit := e.cfg.Engine.HistoryLimit; len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	e.histories[c.Market] = hist

	atr := 0.0
	if period := e.cfg.Risk.ATRPeriod; period > 0 && len(hist) > period {
		series := strategy.ATR(hist, period)
		atr = series[len(series)-1]
	}
	e.atrs[c.Market] = atr

	if marker, ok := e.sink.(priceMarker); ok {
		marker.SetPrice(c.Market, c.Close, c.OpenTS.Add(c.Interval))
	}

	e.emit(events.TypeBarClosed, c.Market, c.OpenTS, map[string]interface{}{
		"close":  c.Close.String(),
		"source": int(c.Source),
		"equity": e.risk.Equity().InexactFloat64(),
	})

	for _, exit := range e.risk.OnBarClose(c, atr) {
		e.executeExit(ctx, exit, c)
	}

	var sig core.Signal
	e.pool.SubmitAndWait(func() {
		sig = e.strat.Evaluate(c.Market, e.histories[c.Market])
	})

	if insp, ok := e.strat.(core.Inspector); ok {
		diag := insp.Inspect(c.Market, e.histories[c.Market])
		if e.logger != nil {
			e.logger.Debug("strategy inspect", "market", c.Market, "diag", diag)
		}
		if regime, ok := diag["regime"].(string); ok && regime != e.regimes[c.Market] {
			e.regimes[c.Market] = regime
			e.emit(events.TypeRegimeChanged, c.Market, c.OpenTS, diag)
		}
	}

	switch sig.Side {
	case core.SideBuy:
		if allowEntries {
			e.tryEnter(ctx, sig, c)
		}
	case core.SideSell:
		e.trySignalExit(ctx, sig, c)
	}

	e.equityCurve = append(e.equityCurve, e.risk.Equity())
}

// tryEnter sizes and submits an entry after the risk review.
func (e *Engine) tryEnter(ctx context.Context, sig core.Signal, c core.Candle) {
	barEnd := c.OpenTS.Add(c.Interval)
	notional := e.risk.EntryNotional().Floor()

	if err := e.risk.Review(c.Market, notional, barEnd); err != nil {
		e.emit(events.TypeRiskViolation, c.Market, barEnd, map[string]interface{}{
			"signal": sig.Reason,
			"error":  err.Error(),
		})
		return
	}

	order := &core.Order{
		IdempotencyKey: core.IdempotencyKey(sig.StrategyID, c.Market, sig.BarTS, core.SideBuy),
		Market:         c.Market,
		Side:           core.SideBuy,
		Type:           core.TypeMarket,
		Funds:          notional,
	}
	e.emit(events.TypeOrderSubmitted, c.Market, barEnd, map[string]interface{}{
		"side":       "buy",
		"funds":      notional.String(),
		"identifier": order.IdempotencyKey,
		"reason":     sig.Reason,
	})

	fills, err := e.sink.Submit(ctx, order)
	if err != nil {
		if errors.Is(err, apperrors.ErrBelowMinNotional) {
			e.emit(events.TypeOrderSkipped, c.Market, barEnd, map[string]interface{}{
				"funds": notional.String(),
				"error": err.Error(),
			})
			return
		}
		e.emit(events.TypeOrderRejected, c.Market, barEnd, map[string]interface{}{
			"identifier": order.IdempotencyKey,
			"error":      err.Error(),
		})
		if e.logger != nil {
			e.logger.Error("entry failed", "market", c.Market, "error", err)
		}
		return
	}

	for _, fill := range fills {
		pos := e.risk.OpenPosition(fill, e.atrs[c.Market])
		e.emit(events.TypeOrderFilled, c.Market, fill.TS, map[string]interface{}{
			"order_id": fill.OrderID,
			"side":     "buy",
			"price":    fill.Price.String(),
			"qty":      fill.Qty.String(),
			"fee":      fill.Fee.String(),
		})
		e.emit(events.TypePositionOpened, c.Market, fill.TS, map[string]interface{}{
			"position_id": pos.PositionID,
			"entry":       pos.EntryPrice.String(),
			"stop":        pos.StopPrice.String(),
		})
	}
}

// trySignalExit flattens the open position on a sell signal, unless a
// risk exit already closed it this bar.
func (e *Engine) trySignalExit(ctx context.Context, sig core.Signal, c core.Candle) {
	if ts, ok := e.riskExited[c.Market]; ok && ts.Equal(c.OpenTS) {
		return
	}
	pos, ok := e.risk.Position(c.Market)
	if !ok {
		return
	}
	e.executeExit(ctx, risk.ExitRequest{
		Position: pos,
		Qty:      pos.Qty,
		Full:     true,
		Reason:   "signal:" + sig.Reason,
	}, c)
}

// executeExit submits the sell and applies its fills to the ledger.
func (e *Engine) executeExit(ctx context.Context, exit risk.ExitRequest, c core.Candle) {
	barEnd := c.OpenTS.Add(c.Interval)
	order := &core.Order{
		IdempotencyKey: core.IdempotencyKey(
			e.strat.Name()+"/"+exit.Reason, c.Market, c.OpenTS, core.SideSell),
		Market:     c.Market,
		Side:       core.SideSell,
		Type:       core.TypeMarket,
		Qty:        exit.Qty,
		PositionID: exit.Position.PositionID,
		Reason:     exit.Reason,
	}
	e.emit(events.TypeOrderSubmitted, c.Market, barEnd, map[string]interface{}{
		"side":       "sell",
		"qty":        exit.Qty.String(),
		"identifier": order.IdempotencyKey,
		"reason":     exit.Reason,
	})

	fills, err := e.sink.Submit(ctx, order)
	if err != nil {
		e.emit(events.TypeOrderRejected, c.Market, barEnd, map[string]interface{}{
			"identifier": order.IdempotencyKey,
			"error":      err.Error(),
		})
		if e.logger != nil {
			e.logger.Error("exit failed", "market", c.Market, "reason", exit.Reason, "error", err)
		}
		return
	}

	for _, fill := range fills {
		pos, cerr := e.risk.CloseFill(fill)
		if cerr != nil {
			if e.logger != nil {
				e.logger.Error("close bookkeeping failed", "market", c.Market, "error", cerr)
			}
			continue
		}
		e.emit(events.TypeOrderFilled, c.Market, fill.TS, map[string]interface{}{
			"order_id": fill.OrderID,
			"side":     "sell",
			"price":    fill.Price.String(),
			"qty":      fill.Qty.String(),
			"fee":      fill.Fee.String(),
		})

		if pos.Status == core.PositionClosed {
			e.riskExited[c.Market] = c.OpenTS
			ret := 0.0
			if pos.EntryPrice.IsPositive() {
				ret = fill.Price.Sub(pos.EntryPrice).Div(pos.EntryPrice).InexactFloat64() * 100
			}
			e.trades = append(e.trades, TradeResult{
				Market:    c.Market,
				EntryPx:   pos.EntryPrice,
				ExitPx:    fill.Price,
				ReturnPct: ret,
				Reason:    exit.Reason,
			})
			e.emit(events.TypePositionClosed, c.Market, fill.TS, map[string]interface{}{
				"position_id": pos.PositionID,
				"reason":      exit.Reason,
				"return_pct":  ret,
			})
		} else {
			e.emit(events.TypePositionPartial, c.Market, fill.TS, map[string]interface{}{
				"position_id": pos.PositionID,
				"qty":         fill.Qty.String(),
			})
		}
	}

	if exit.Reason == risk.ReasonKillSwitch && e.stoppedReason == "" {
		e.stoppedReason = e.risk.KillSwitch().Reason()
		e.emit(events.TypeKillSwitch, c.Market, barEnd, map[string]interface{}{
			"reason": e.stoppedReason,
		})
	}
}

func (e *Engine) emit(eventType, market string, ts time.Time, fields map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(core.Event{
		RunID:  e.runID,
		Type:   eventType,
		Market: market,
		TS:     ts,
		Fields: fields,
	})
}

// Report summarizes the run so far.
func (e *Engine) Report() Report {
	reason := e.stoppedReason
	if reason == "" {
		reason = "completed"
	}
	return BuildReport(e.startEquity, e.equityCurve, e.trades, reason)
}

// String renders a one-line run summary for the CLI.
func (r Report) String() string {
	return fmt.Sprintf(
		"equity %s -> %s (%.2f%%), max drawdown %.2f%%, trades %d, win rate %.1f%%, avg trade %.2f%%, sharpe %.2f, bars %d, stopped: %s",
		r.StartEquity.StringFixed(0), r.FinalEquity.StringFixed(0), r.ReturnPct,
		r.MaxDrawdownPct, r.Trades, r.WinRate, r.AvgTradePct, r.Sharpe, r.Bars, r.StoppedReason)
}
