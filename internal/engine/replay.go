package engine

import (
	"context"
	"sort"

	"trade_engine/internal/core"
)

// Replay runs the engine over a prepared candle series, bar by bar, on
// the caller's goroutine. The same handleBar path serves live trading,
// so a backtest exercises exactly the logic that will run with money on
// the line. Replaying the same series twice produces identical trades.
func (e *Engine) Replay(ctx context.Context, series []core.Candle) Report {
	sorted := append([]core.Candle(nil), series...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OpenTS.Before(sorted[j].OpenTS)
	})

	for _, c := range sorted {
		select {
		case <-ctx.Done():
			e.stoppedReason = "cancelled"
			e.pool.StopAndWait()
			return e.Report()
		default:
		}
		if e.risk.KillSwitch().Tripped() && len(e.risk.OpenPositions()) == 0 {
			break
		}
		e.handleBar(ctx, c, true)
	}

	e.pool.StopAndWait()
	return e.Report()
}
