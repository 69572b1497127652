package data

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"
	"trade_engine/pkg/retry"
)

// fakeHistory serves candle pages newest first, the way the exchange
// REST API does.
type fakeHistory struct {
	candles  []core.Candle // ascending
	calls    int
	failures int // fail the first N calls
}

func (f *fakeHistory) CandlePage(_ context.Context, market string, _ time.Duration, count int, to time.Time) ([]core.Candle, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, apperrors.ErrNetwork
	}

	var page []core.Candle
	for i := len(f.candles) - 1; i >= 0 && len(page) < count; i-- {
		if f.candles[i].OpenTS.After(to) {
			continue
		}
		page = append(page, f.candles[i])
	}
	return page, nil
}

func historyOf(n int, base time.Time) []core.Candle {
	out := make([]core.Candle, n)
	for i := range out {
		p := decimal.NewFromInt(int64(100 + i))
		out[i] = core.Candle{
			Market: "KRW-BTC",
			OpenTS: base.Add(time.Duration(i) * time.Minute),
			Open:   p, High: p, Low: p, Close: p,
			Volume: decimal.NewFromInt(1),
		}
	}
	return out
}

func noWaitPrefetcher(src core.HistorySource) *Prefetcher {
	p := NewPrefetcher(src, nil)
	p.policy = retry.Policy{MaxAttempts: 3}
	return p
}

func TestPrefetcherSinglePage(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeHistory{candles: historyOf(50, base)}

	got, err := noWaitPrefetcher(src).Fetch(context.Background(), "KRW-BTC", time.Minute, 50, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 50)

	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].OpenTS.Before(got[i].OpenTS), "ascending order")
	}
	assert.Equal(t, core.SourcePrefetch, got[0].Source)
	assert.Equal(t, 1, src.calls)
}

func TestPrefetcherPagination(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeHistory{candles: historyOf(450, base)}

	got, err := noWaitPrefetcher(src).Fetch(context.Background(), "KRW-BTC", time.Minute, 450, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 450)
	assert.Equal(t, base, got[0].OpenTS)
	assert.Equal(t, 3, src.calls, "450 bars at 200 per page")
}

func TestPrefetcherShortHistory(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeHistory{candles: historyOf(30, base)}

	got, err := noWaitPrefetcher(src).Fetch(context.Background(), "KRW-BTC", time.Minute, 500, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 30, "exchange ran out of history")
}

func TestPrefetcherClampsCount(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeHistory{candles: historyOf(3000, base)}

	got, err := noWaitPrefetcher(src).Fetch(context.Background(), "KRW-BTC", time.Minute, 5000, base.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2000)

	src2 := &fakeHistory{candles: historyOf(600, base)}
	got, err = noWaitPrefetcher(src2).Fetch(context.Background(), "KRW-BTC", time.Minute, 0, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 300, "default request size")
}

func TestPrefetchDepth(t *testing.T) {
	// A strategy needing more bars than the configured depth wins, so
	// warm-up never starts short of indicator data.
	assert.Equal(t, 450, PrefetchDepth(450, 300))
	assert.Equal(t, 300, PrefetchDepth(120, 300))
	assert.Equal(t, 0, PrefetchDepth(0, 0), "Fetch falls back to its default")
}

func TestPrefetcherRetriesTransientErrors(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeHistory{candles: historyOf(20, base), failures: 2}

	got, err := noWaitPrefetcher(src).Fetch(context.Background(), "KRW-BTC", time.Minute, 20, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 20)
	assert.Equal(t, 3, src.calls)
}

func TestMergePrefersLiveCandle(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	pre := historyOf(3, base)
	for i := range pre {
		pre[i].Source = core.SourcePrefetch
	}

	liveClose := decimal.NewFromInt(999)
	live := []core.Candle{{
		Market: "KRW-BTC",
		OpenTS: base.Add(2 * time.Minute),
		Open:   liveClose, High: liveClose, Low: liveClose, Close: liveClose,
		Source: core.SourceTick,
	}}

	merged := Merge(pre, live)
	require.Len(t, merged, 3)
	assert.True(t, merged[2].Close.Equal(liveClose), "tick-built candle wins the shared bucket")
	assert.Equal(t, core.SourceTick, merged[2].Source)
}
