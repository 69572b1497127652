package strategy

import (
	"fmt"
	"math"
	"sync"

	"trade_engine/internal/core"
)

func init() {
	Register("regime-router", func(params Params) (core.Strategy, error) {
		trendName := "ema-rsi"
		if v, ok := params["trend_strategy"].(string); ok {
			trendName = v
		}
		rangeName := "bb-rsi"
		if v, ok := params["range_strategy"].(string); ok {
			rangeName = v
		}

		trendParams, _ := params["trend_params"].(map[string]interface{})
		rangeParams, _ := params["range_params"].(map[string]interface{})

		trend, err := New(trendName, Params(trendParams))
		if err != nil {
			return nil, fmt.Errorf("regime-router trend leg: %w", err)
		}
		rng, err := New(rangeName, Params(rangeParams))
		if err != nil {
			return nil, fmt.Errorf("regime-router range leg: %w", err)
		}

		return NewRegimeRouter(RegimeConfig{
			EMAPeriod:   params.Int("ema_period", 200),
			BBPeriod:    params.Int("bb_period", 20),
			BBMult:      params.Float("bb_mult", 2.0),
			ADXPeriod:   params.Int("adx_period", 14),
			ADXThresh:   params.Float("adx_thresh", 25),
			SlopeWindow: params.Int("slope_window", 10),
			SlopeThresh: params.Float("slope_thresh", 0),
			BBWidthHigh: params.Float("bb_width_high", 0.05),
			BBWidthLow:  params.Float("bb_width_low", 0.02),
		}, trend, rng), nil
	})
}

// Regime labels the detected market character.
type Regime int

const (
	RegimeRange Regime = iota
	RegimeTrend
)

func (r Regime) String() string {
	if r == RegimeTrend {
		return "trend"
	}
	return "range"
}

// RegimeConfig holds the detector thresholds.
type RegimeConfig struct {
	EMAPeriod   int
	BBPeriod    int
	BBMult      float64
	ADXPeriod   int
	ADXThresh   float64
	SlopeWindow int
	SlopeThresh float64
	BBWidthHigh float64
	BBWidthLow  float64
}

// RegimeRouter delegates evaluation to a trend-following leg or a
// mean-reversion leg depending on the detected regime. Detection has
// hysteresis: bars matching neither classification keep the previous
// regime, starting from range.
type RegimeRouter struct {
	cfg   RegimeConfig
	trend core.Strategy
	rng   core.Strategy

	mu      sync.Mutex
	regimes map[string]Regime
}

// NewRegimeRouter wires the two strategy legs under the detector.
func NewRegimeRouter(cfg RegimeConfig, trend, rng core.Strategy) *RegimeRouter {
	return &RegimeRouter{
		cfg:     cfg,
		trend:   trend,
		rng:     rng,
		regimes: make(map[string]Regime),
	}
}

func (r *RegimeRouter) Name() string { return "regime-router" }

func (r *RegimeRouter) RequiredBars() int {
	need := r.cfg.EMAPeriod + r.cfg.SlopeWindow
	if r.cfg.BBPeriod > need {
		need = r.cfg.BBPeriod
	}
	if r.cfg.ADXPeriod > need {
		need = r.cfg.ADXPeriod
	}
	for _, leg := range []core.Strategy{r.trend, r.rng} {
		if leg.RequiredBars() > need {
			need = leg.RequiredBars()
		}
	}
	return need + 2
}

func (r *RegimeRouter) Evaluate(market string, history []core.Candle) core.Signal {
	last := len(history) - 1
	if last < 0 {
		return core.Signal{StrategyID: r.Name(), Market: market, Side: core.SideHold}
	}
	if len(history) < r.RequiredBars() {
		return core.Signal{
			StrategyID: r.Name(),
			Market:     market,
			Side:       core.SideHold,
			Reason:     "warming up",
			BarTS:      history[last].OpenTS,
		}
	}

	regime := r.classify(market, history)

	leg := r.rng
	if regime == RegimeTrend {
		leg = r.trend
	}
	sig := leg.Evaluate(market, history)
	sig.StrategyID = r.Name()
	if sig.Reason != "" {
		sig.Reason = fmt.Sprintf("[%s/%s] %s", regime, leg.Name(), sig.Reason)
	}
	return sig
}

// classify updates and returns the regime for a market.
func (r *RegimeRouter) classify(market string, history []core.Candle) Regime {
	last := len(history) - 1
	closes := Closes(history)

	ema := EMA(closes, r.cfg.EMAPeriod)
	slope := Slope(ema, r.cfg.SlopeWindow)
	adx := ADX(history, r.cfg.ADXPeriod)
	width := BollingerWidth(closes, r.cfg.BBPeriod, r.cfg.BBMult)

	r.mu.Lock()
	defer r.mu.Unlock()
	regime := r.regimes[market]

	switch {
	case !math.IsNaN(width[last]) && width[last] >= r.cfg.BBWidthHigh:
		regime = RegimeTrend
	case adx[last] >= r.cfg.ADXThresh && closes[last] > ema[last] && slope[last] > r.cfg.SlopeThresh:
		regime = RegimeTrend
	case !math.IsNaN(width[last]) && width[last] <= r.cfg.BBWidthLow && adx[last] < r.cfg.ADXThresh:
		regime = RegimeRange
	}

	r.regimes[market] = regime
	return regime
}

// Inspect exposes the detector readings for the event log.
func (r *RegimeRouter) Inspect(market string, history []core.Candle) map[string]interface{} {
	last := len(history) - 1
	if last < 0 || len(history) < r.RequiredBars() {
		return map[string]interface{}{"ready": false}
	}
	closes := Closes(history)
	ema := EMA(closes, r.cfg.EMAPeriod)
	adx := ADX(history, r.cfg.ADXPeriod)
	width := BollingerWidth(closes, r.cfg.BBPeriod, r.cfg.BBMult)

	r.mu.Lock()
	regime := r.regimes[market]
	r.mu.Unlock()

	return map[string]interface{}{
		"ready":    true,
		"regime":   regime.String(),
		"ema":      ema[last],
		"adx":      adx[last],
		"bb_width": width[last],
	}
}

var (
	_ core.Strategy  = (*RegimeRouter)(nil)
	_ core.Inspector = (*RegimeRouter)(nil)
)
