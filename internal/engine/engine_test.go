package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/data"
	"trade_engine/internal/events"
	"trade_engine/internal/execution"
	"trade_engine/internal/risk"
)

// scriptedStrategy signals by bar count, for driving exact scenarios.
type scriptedStrategy struct {
	buyAt  map[int]bool
	sellAt map[int]bool
}

func (s *scriptedStrategy) Name() string      { return "scripted" }
func (s *scriptedStrategy) RequiredBars() int { return 1 }

func (s *scriptedStrategy) Evaluate(market string, history []core.Candle) core.Signal {
	n := len(history)
	sig := core.Signal{
		StrategyID: s.Name(),
		Market:     market,
		BarTS:      history[n-1].OpenTS,
		Side:       core.SideHold,
	}
	if s.buyAt[n] {
		sig.Side = core.SideBuy
		sig.Reason = fmt.Sprintf("scripted buy at bar %d", n)
	} else if s.sellAt[n] {
		sig.Side = core.SideSell
		sig.Reason = fmt.Sprintf("scripted sell at bar %d", n)
	}
	return sig
}

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recordingSink) Emit(e core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) ofType(eventType string) []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Mode: "backtest", Markets: []string{"KRW-BTC"}, Interval: "1m"},
		Risk: config.RiskConfig{
			MaxPositionValueRatio:  0.5,
			MaxConcurrentPositions: 1,
			StopLossPct:            0.01,
			ATRPeriod:              14,
		},
		Trading: config.TradingConfig{Capital: 1_000_000},
		Engine:  config.EngineConfig{InboxSize: 64, HistoryLimit: 2000, EvalWorkers: 2},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, strat core.Strategy, sink core.OrderSink, bus core.EventSink) (*Engine, *risk.Manager) {
	t.Helper()
	riskMgr, err := risk.NewManager(cfg.RiskLimits(), decimal.NewFromFloat(cfg.Trading.Capital), nil)
	require.NoError(t, err)
	return New(cfg, core.ModeBacktest, strat, riskMgr, sink, bus, nil), riskMgr
}

func series(closes ...float64) []core.Candle {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	out := make([]core.Candle, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		out[i] = core.Candle{
			Market:   "KRW-BTC",
			Interval: time.Minute,
			OpenTS:   base.Add(time.Duration(i) * time.Minute),
			Open:     d, High: d, Low: d, Close: d,
			Volume: decimal.NewFromInt(1),
		}
	}
	return out
}

// Entry at 100 with a 1% stop, then closes at 101 and 99: the position
// must exit in full exactly once, on the stop.
func TestReplayStopLossRoundTrip(t *testing.T) {
	cfg := testConfig()
	strat := &scriptedStrategy{buyAt: map[int]bool{1: true}}
	sink := execution.NewSimSink(0, 0, core.MarketLimits{})
	bus := &recordingSink{}

	e, riskMgr := newTestEngine(t, cfg, strat, sink, bus)
	report := e.Replay(context.Background(), series(100, 101, 99))

	require.Equal(t, 1, report.Trades)
	assert.Empty(t, riskMgr.OpenPositions())

	// Entry spent half the capital at 100; the stop returned it at 99.
	// 500000 buys qty 5000, sold back at 99 for 495000.
	assert.True(t, riskMgr.Cash().Equal(decimal.NewFromInt(995_000)),
		"cash is %s", riskMgr.Cash())

	closed := bus.ofType(events.TypePositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, risk.ReasonStopLoss, closed[0].Fields["reason"])
}

func TestReplayDeterminism(t *testing.T) {
	sim := data.SimulateSeries(data.SimSeriesConfig{
		Market: "KRW-BTC",
		Bars:   400,
		Seed:   7,
	})

	run := func() (Report, []core.Event) {
		cfg := testConfig()
		strat := &scriptedStrategy{
			buyAt:  map[int]bool{50: true, 200: true},
			sellAt: map[int]bool{120: true, 260: true},
		}
		bus := &recordingSink{}
		e, _ := newTestEngine(t, cfg, strat, execution.NewSimSink(0.0005, 0.0005, core.MarketLimits{}), bus)
		e.SetRunID("replay")
		report := e.Replay(context.Background(), sim)

		var trail []core.Event
		for _, ev := range bus.events {
			switch ev.Type {
			case events.TypeOrderSubmitted, events.TypeOrderFilled,
				events.TypePositionOpened, events.TypePositionClosed:
				trail = append(trail, ev)
			}
		}
		return report, trail
	}

	first, firstTrail := run()
	second, secondTrail := run()
	assert.Equal(t, first, second, "same series, same report")
	assert.Greater(t, first.Trades, 0)

	// Order and position ids derive from the bar stream, so the full
	// execution trail repeats byte for byte, not just the summary.
	require.NotEmpty(t, firstTrail)
	assert.Equal(t, firstTrail, secondTrail)
}

func TestReplaySkipsBelowMinNotional(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.Capital = 8_000 // half of it is 4000, under the 5000 minimum

	strat := &scriptedStrategy{buyAt: map[int]bool{1: true}}
	sink := execution.NewSimSink(0, 0, core.MarketLimits{MinTotal: decimal.NewFromInt(5000)})
	bus := &recordingSink{}

	e, riskMgr := newTestEngine(t, cfg, strat, sink, bus)
	report := e.Replay(context.Background(), series(100, 101, 102))

	assert.Equal(t, 0, report.Trades)
	assert.Empty(t, riskMgr.OpenPositions())
	assert.True(t, riskMgr.Cash().Equal(decimal.NewFromInt(8_000)), "cash untouched")

	require.Len(t, bus.ofType(events.TypeOrderSkipped), 1)
	assert.Empty(t, bus.ofType(events.TypeOrderFilled))
}

func TestReplaySellSignalClosesPosition(t *testing.T) {
	cfg := testConfig()
	strat := &scriptedStrategy{
		buyAt:  map[int]bool{1: true},
		sellAt: map[int]bool{3: true},
	}
	sink := execution.NewSimSink(0, 0, core.MarketLimits{})

	e, riskMgr := newTestEngine(t, cfg, strat, sink, nil)
	report := e.Replay(context.Background(), series(100, 100.5, 100.8, 100.9))

	require.Equal(t, 1, report.Trades)
	assert.Equal(t, "completed", report.StoppedReason)
	assert.Empty(t, riskMgr.OpenPositions())
	assert.True(t, report.ReturnPct > 0, "sold above entry")
}

func TestReplaySellWithoutPositionIsNoop(t *testing.T) {
	cfg := testConfig()
	strat := &scriptedStrategy{sellAt: map[int]bool{2: true}}
	sink := execution.NewSimSink(0, 0, core.MarketLimits{})

	e, riskMgr := newTestEngine(t, cfg, strat, sink, nil)
	report := e.Replay(context.Background(), series(100, 101, 102))

	assert.Equal(t, 0, report.Trades)
	assert.True(t, riskMgr.Cash().Equal(decimal.NewFromInt(1_000_000)))
}

// The live path pushes ticks through the aggregator and the inbox; the
// resulting trades must match a Replay over the same bars.
func TestRunMatchesReplay(t *testing.T) {
	bars := series(100, 101, 99)
	mkStrat := func() *scriptedStrategy {
		return &scriptedStrategy{buyAt: map[int]bool{1: true}}
	}

	replayEngine, _ := newTestEngine(t, testConfig(), mkStrat(),
		execution.NewSimSink(0, 0, core.MarketLimits{}), nil)
	replayReport := replayEngine.Replay(context.Background(), bars)

	liveEngine, liveRisk := newTestEngine(t, testConfig(), mkStrat(),
		execution.NewSimSink(0, 0, core.MarketLimits{}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- liveEngine.Run(ctx) }()

	for _, c := range bars {
		liveEngine.HandleTick(core.Tick{
			Market: c.Market,
			Price:  c.Close,
			Volume: decimal.NewFromInt(1),
			TS:     c.OpenTS,
		})
	}
	// One tick past the last bucket closes the final bar.
	liveEngine.HandleTick(core.Tick{
		Market: "KRW-BTC",
		Price:  decimal.NewFromInt(99),
		Volume: decimal.NewFromInt(1),
		TS:     bars[len(bars)-1].OpenTS.Add(time.Minute),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(liveRisk.OpenPositions()) == 0 && liveRisk.RealizedPnL().IsNegative() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)

	liveReport := liveEngine.Report()
	assert.Equal(t, replayReport.Trades, liveReport.Trades)
	assert.Equal(t, replayReport.StoppedReason, liveReport.StoppedReason)
}

func TestLateTickEmitsDropEvent(t *testing.T) {
	cfg := testConfig()
	bus := &recordingSink{}
	sink := execution.NewSimSink(0, 0, core.MarketLimits{})
	e, _ := newTestEngine(t, cfg, &scriptedStrategy{}, sink, bus)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e.HandleTick(core.Tick{Market: "KRW-BTC", Price: decimal.NewFromInt(100),
		Volume: decimal.NewFromInt(1), TS: base.Add(time.Minute)})
	e.HandleTick(core.Tick{Market: "KRW-BTC", Price: decimal.NewFromInt(99),
		Volume: decimal.NewFromInt(1), TS: base})

	dropped := bus.ofType(events.TypeTickDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, "KRW-BTC", dropped[0].Market)
	assert.Equal(t, int64(1), dropped[0].Fields["dropped_total"])
}

// Bars still queued at shutdown may close positions but must never
// open new ones.
func TestShutdownBarsExitOnly(t *testing.T) {
	cfg := testConfig()
	strat := &scriptedStrategy{buyAt: map[int]bool{1: true, 3: true}}
	sink := execution.NewSimSink(0, 0, core.MarketLimits{})

	e, riskMgr := newTestEngine(t, cfg, strat, sink, nil)

	bars := series(100, 101, 99)
	e.handleBar(context.Background(), bars[0], true)
	e.handleBar(context.Background(), bars[1], true)
	require.Len(t, riskMgr.OpenPositions(), 1)

	// The last bar breaches the stop and also carries a buy signal.
	// With entries disallowed the exit still runs and the buy is
	// dropped, so the book ends flat.
	e.handleBar(context.Background(), bars[2], false)
	assert.Empty(t, riskMgr.OpenPositions())
	assert.True(t, riskMgr.Cash().Equal(decimal.NewFromInt(995_000)),
		"cash is %s", riskMgr.Cash())
}

func TestSeedHistoryWarmsStrategy(t *testing.T) {
	cfg := testConfig()
	strat := &scriptedStrategy{buyAt: map[int]bool{301: true}}
	sink := execution.NewSimSink(0, 0, core.MarketLimits{})
	e, riskMgr := newTestEngine(t, cfg, strat, sink, nil)

	warmup := make([]float64, 300)
	for i := range warmup {
		warmup[i] = 100
	}
	seeded := series(warmup...)
	for i := range seeded {
		seeded[i].Source = core.SourcePrefetch
	}
	e.SeedHistory("KRW-BTC", seeded)

	// The next bar is the 301st the strategy sees, which only happens
	// when the seeded history counts toward its view.
	next := series(warmup...)[len(seeded)-1]
	next.OpenTS = next.OpenTS.Add(time.Minute)
	report := e.Replay(context.Background(), []core.Candle{next})

	assert.Equal(t, 0, report.Trades, "opened but not closed")
	require.Len(t, riskMgr.OpenPositions(), 1)
}

func TestBuildReport(t *testing.T) {
	curve := []decimal.Decimal{
		decimal.NewFromInt(1_000_000),
		decimal.NewFromInt(1_100_000),
		decimal.NewFromInt(990_000),
		decimal.NewFromInt(1_050_000),
	}
	trades := []TradeResult{
		{ReturnPct: 10},
		{ReturnPct: -4},
	}
	r := BuildReport(decimal.NewFromInt(1_000_000), curve, trades, "completed")

	assert.InDelta(t, 5.0, r.ReturnPct, 1e-9)
	assert.InDelta(t, 10.0, r.MaxDrawdownPct, 1e-9)
	assert.Equal(t, 2, r.Trades)
	assert.InDelta(t, 50.0, r.WinRate, 1e-9)
	assert.InDelta(t, 3.0, r.AvgTradePct, 1e-9)
	assert.Equal(t, 4, r.Bars)
	assert.Equal(t, "completed", r.StoppedReason)
}

func TestBuildReportEmpty(t *testing.T) {
	r := BuildReport(decimal.NewFromInt(1_000_000), nil, nil, "completed")
	assert.Equal(t, 0, r.Trades)
	assert.Zero(t, r.ReturnPct)
	assert.Zero(t, r.MaxDrawdownPct)
	assert.True(t, r.FinalEquity.Equal(decimal.NewFromInt(1_000_000)))
}
