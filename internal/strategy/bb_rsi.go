package strategy

import (
	"fmt"
	"math"

	"trade_engine/internal/core"
)

func init() {
	Register("bb-rsi", func(params Params) (core.Strategy, error) {
		s := &BBRSIStrategy{
			bbPeriod:  params.Int("bb_period", 20),
			bbMult:    params.Float("bb_mult", 2.0),
			rsiPeriod: params.Int("rsi_period", 14),
			rsiBuy:    params.Float("rsi_buy", 30),
			rsiSell:   params.Float("rsi_sell", 70),
		}
		if s.bbPeriod <= 0 || s.rsiPeriod <= 0 || s.bbMult <= 0 {
			return nil, fmt.Errorf("bb-rsi: periods and multiplier must be positive")
		}
		return s, nil
	})
}

// BBRSIStrategy is a mean-reversion strategy for ranging markets. It
// buys a touch of the lower Bollinger band confirmed by oversold RSI
// and sells at the middle band or on overbought RSI.
type BBRSIStrategy struct {
	bbPeriod  int
	bbMult    float64
	rsiPeriod int
	rsiBuy    float64
	rsiSell   float64
}

func (s *BBRSIStrategy) Name() string { return "bb-rsi" }

func (s *BBRSIStrategy) RequiredBars() int {
	if s.bbPeriod > s.rsiPeriod {
		return s.bbPeriod + 2
	}
	return s.rsiPeriod + 2
}

func (s *BBRSIStrategy) Evaluate(market string, history []core.Candle) core.Signal {
	last := len(history) - 1
	sig := core.Signal{
		StrategyID: s.Name(),
		Market:     market,
		Side:       core.SideHold,
	}
	if last < 0 {
		return sig
	}
	sig.BarTS = history[last].OpenTS
	if len(history) < s.RequiredBars() {
		sig.Reason = "warming up"
		return sig
	}

	closes := Closes(history)
	mid, _, lower := Bollinger(closes, s.bbPeriod, s.bbMult)
	rsi := RSI(closes, s.rsiPeriod)
	if math.IsNaN(mid[last]) || math.IsNaN(rsi[last]) {
		return sig
	}

	price := closes[last]
	switch {
	case price <= lower[last] && rsi[last] < s.rsiBuy:
		sig.Side = core.SideBuy
		sig.Confidence = 1
		sig.Reason = "lower band touch with oversold rsi"
	case price >= mid[last] && closes[last-1] < mid[last-1]:
		sig.Side = core.SideSell
		sig.Confidence = 1
		sig.Reason = "reverted to middle band"
	case rsi[last] > s.rsiSell:
		sig.Side = core.SideSell
		sig.Confidence = 1
		sig.Reason = fmt.Sprintf("rsi above %.0f", s.rsiSell)
	}
	return sig
}
