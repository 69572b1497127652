package strategy

import (
	"fmt"
	"math"

	"trade_engine/internal/core"
)

func init() {
	Register("ema-rsi", func(params Params) (core.Strategy, error) {
		s := &EMARSIStrategy{
			emaPeriod: params.Int("ema_period", 50),
			rsiPeriod: params.Int("rsi_period", 14),
			rsiBuy:    params.Float("rsi_buy", 35),
			rsiSell:   params.Float("rsi_sell", 70),
		}
		if s.emaPeriod <= 0 || s.rsiPeriod <= 0 {
			return nil, fmt.Errorf("ema-rsi: periods must be positive")
		}
		if s.rsiBuy >= s.rsiSell {
			return nil, fmt.Errorf("ema-rsi: rsi_buy must be below rsi_sell")
		}
		return s, nil
	})
}

// EMARSIStrategy buys pullbacks in an uptrend: price above the trend
// EMA with RSI recovering from the buy threshold. It sells on RSI
// exhaustion or when price drops back through the EMA.
type EMARSIStrategy struct {
	emaPeriod int
	rsiPeriod int
	rsiBuy    float64
	rsiSell   float64
}

func (s *EMARSIStrategy) Name() string { return "ema-rsi" }

func (s *EMARSIStrategy) RequiredBars() int {
	if s.emaPeriod > s.rsiPeriod {
		return s.emaPeriod + 2
	}
	return s.rsiPeriod + 2
}

func (s *EMARSIStrategy) Evaluate(market string, history []core.Candle) core.Signal {
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
	ema := EMA(closes, s.emaPeriod)
	rsi := RSI(closes, s.rsiPeriod)
	if math.IsNaN(rsi[last]) || math.IsNaN(rsi[last-1]) {
		return sig
	}

	price := closes[last]
	switch {
	case price > ema[last] && rsi[last-1] < s.rsiBuy && rsi[last] >= s.rsiBuy:
		sig.Side = core.SideBuy
		sig.Confidence = (s.rsiSell - rsi[last]) / (s.rsiSell - s.rsiBuy)
		sig.Reason = fmt.Sprintf("uptrend pullback, rsi recovered through %.0f", s.rsiBuy)
	case rsi[last] > s.rsiSell:
		sig.Side = core.SideSell
		sig.Confidence = 1
		sig.Reason = fmt.Sprintf("rsi exhaustion above %.0f", s.rsiSell)
	case price < ema[last] && closes[last-1] >= ema[last-1]:
		sig.Side = core.SideSell
		sig.Confidence = 1
		sig.Reason = "price broke below trend ema"
	}
	return sig
}
