package strategy

import (
	"fmt"

	"trade_engine/internal/core"
)

func init() {
	Register("sma-crossover", func(params Params) (core.Strategy, error) {
		s := &SMACross{
			short: params.Int("short", 5),
			long:  params.Int("long", 20),
		}
		if s.short <= 0 || s.long <= 0 || s.short >= s.long {
			return nil, fmt.Errorf("sma-crossover: need 0 < short < long, got short=%d long=%d", s.short, s.long)
		}
		return s, nil
	})
}

// SMACross signals on short/long moving average crossovers.
type SMACross struct {
	short int
	long  int
}

func (s *SMACross) Name() string { return "sma-crossover" }

func (s *SMACross) RequiredBars() int { return s.long + 1 }

func (s *SMACross) Evaluate(market string, history []core.Candle) core.Signal {
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
	fast := SMA(closes, s.short)
	slow := SMA(closes, s.long)

	switch {
	case CrossOver(fast, slow, last):
		sig.Side = core.SideBuy
		sig.Confidence = 1
		sig.Reason = fmt.Sprintf("sma%d crossed above sma%d", s.short, s.long)
	case CrossUnder(fast, slow, last):
		sig.Side = core.SideSell
		sig.Confidence = 1
		sig.Reason = fmt.Sprintf("sma%d crossed below sma%d", s.short, s.long)
	}
	return sig
}
