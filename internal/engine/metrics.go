// Package engine wires feed, strategy, risk, and execution into one
// bar-driven trading loop with identical semantics across backtest,
// paper, and live runs.
package engine

import (
	"math"

	"github.com/shopspring/decimal"
)

// TradeResult is one closed position's outcome.
type TradeResult struct {
	Market    string
	EntryPx   decimal.Decimal
	ExitPx    decimal.Decimal
	ReturnPct float64
	Reason    string
}

// Report summarizes a finished run.
type Report struct {
	StartEquity    decimal.Decimal
	FinalEquity    decimal.Decimal
	ReturnPct      float64
	MaxDrawdownPct float64
	Trades         int
	WinRate        float64
	AvgTradePct    float64
	Sharpe         float64
	Bars           int
	StoppedReason  string
}

// BuildReport computes run statistics from the per-bar equity curve and
// the closed trades. Sharpe is annualized on a daily basis from per-bar
// equity changes.
func BuildReport(startEquity decimal.Decimal, equityCurve []decimal.Decimal, trades []TradeResult, stoppedReason string) Report {
	r := Report{
		StartEquity:   startEquity,
		FinalEquity:   startEquity,
		Trades:        len(trades),
		Bars:          len(equityCurve),
		StoppedReason: stoppedReason,
	}
	if len(equityCurve) > 0 {
		r.FinalEquity = equityCurve[len(equityCurve)-1]
	}
	if startEquity.IsPositive() {
		r.ReturnPct = r.FinalEquity.Sub(startEquity).Div(startEquity).InexactFloat64() * 100
	}
	r.MaxDrawdownPct = maxDrawdownPct(equityCurve)
	r.Sharpe = sharpe(equityCurve)

	if len(trades) > 0 {
		wins := 0
		var sum float64
		for _, tr := range trades {
			if tr.ReturnPct > 0 {
				wins++
			}
			sum += tr.ReturnPct
		}
		r.WinRate = float64(wins) / float64(len(trades)) * 100
		r.AvgTradePct = sum / float64(len(trades))
	}
	return r
}

// maxDrawdownPct is the largest peak-to-trough equity drop in percent.
func maxDrawdownPct(curve []decimal.Decimal) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0]
	var worst float64
	for _, eq := range curve {
		if eq.GreaterThan(peak) {
			peak = eq
		}
		if peak.IsPositive() {
			dd := peak.Sub(eq).Div(peak).InexactFloat64() * 100
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpe annualizes mean/stddev of per-bar returns by sqrt(252).
func sharpe(curve []decimal.Decimal) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].InexactFloat64()
		if prev == 0 {
			continue
		}
		returns = append(returns, curve[i].InexactFloat64()/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, ret := range returns {
		mean += ret
	}
	mean /= float64(len(returns))

	var ss float64
	for _, ret := range returns {
		d := ret - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return math.Sqrt(252) * mean / std
}
