package data

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/core"
)

func collectCandles() (*[]core.Candle, func(core.Candle)) {
	out := &[]core.Candle{}
	return out, func(c core.Candle) { *out = append(*out, c) }
}

func tickAt(market string, price int64, ts time.Time) core.Tick {
	return core.Tick{
		Market: market,
		Price:  decimal.NewFromInt(price),
		Volume: decimal.NewFromFloat(0.1),
		TS:     ts,
	}
}

func TestAggregatorSingleBucket(t *testing.T) {
	out, onClose := collectCandles()
	agg := NewAggregator(time.Minute, false, onClose, nil)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	agg.Ingest(tickAt("KRW-BTC", 100, base))
	agg.Ingest(tickAt("KRW-BTC", 120, base.Add(10*time.Second)))
	agg.Ingest(tickAt("KRW-BTC", 90, base.Add(30*time.Second)))
	agg.Ingest(tickAt("KRW-BTC", 110, base.Add(59*time.Second)))

	require.Empty(t, *out, "bucket still open")

	agg.Ingest(tickAt("KRW-BTC", 115, base.Add(time.Minute)))
	require.Len(t, *out, 1)

	c := (*out)[0]
	assert.Equal(t, base, c.OpenTS)
	assert.True(t, c.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, c.High.Equal(decimal.NewFromInt(120)))
	assert.True(t, c.Low.Equal(decimal.NewFromInt(90)))
	assert.True(t, c.Close.Equal(decimal.NewFromInt(110)))
	assert.True(t, c.Volume.Equal(decimal.NewFromFloat(0.4)))
	assert.Equal(t, core.SourceTick, c.Source)
}

// A steady tick-per-second stream at a constant price must produce one
// candle per minute with O=H=L=C and the summed volume.
func TestAggregatorFlatStream(t *testing.T) {
	out, onClose := collectCandles()
	agg := NewAggregator(time.Minute, true, onClose, nil)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	price := decimal.NewFromInt(100_000_000)
	const n = 1000
	for i := 0; i < n; i++ {
		agg.Ingest(core.Tick{
			Market: "KRW-BTC",
			Price:  price,
			Volume: decimal.NewFromFloat(0.01),
			TS:     base.Add(time.Duration(i) * time.Second),
		})
	}
	agg.Flush()

	require.Len(t, *out, n/60+1) // 16 full minutes plus the flushed partial
	for i, c := range *out {
		assert.Equal(t, base.Add(time.Duration(i)*time.Minute), c.OpenTS)
		assert.True(t, c.Open.Equal(price))
		assert.True(t, c.High.Equal(price))
		assert.True(t, c.Low.Equal(price))
		assert.True(t, c.Close.Equal(price))
	}
	full := (*out)[0]
	assert.True(t, full.Volume.Equal(decimal.NewFromFloat(0.6)))
}

func TestAggregatorGapFill(t *testing.T) {
	out, onClose := collectCandles()
	agg := NewAggregator(time.Minute, true, onClose, nil)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	agg.Ingest(tickAt("KRW-BTC", 100, base))
	// Next tick skips two full minutes.
	agg.Ingest(tickAt("KRW-BTC", 105, base.Add(3*time.Minute)))

	require.Len(t, *out, 3)
	assert.Equal(t, core.SourceTick, (*out)[0].Source)

	for i := 1; i <= 2; i++ {
		gap := (*out)[i]
		assert.Equal(t, core.SourceSynthetic, gap.Source)
		assert.Equal(t, base.Add(time.Duration(i)*time.Minute), gap.OpenTS)
		assert.True(t, gap.Open.Equal(decimal.NewFromInt(100)))
		assert.True(t, gap.Close.Equal(decimal.NewFromInt(100)))
		assert.True(t, gap.Volume.IsZero())
	}
}

func TestAggregatorNoGapFillWhenDisabled(t *testing.T) {
	out, onClose := collectCandles()
	agg := NewAggregator(time.Minute, false, onClose, nil)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	agg.Ingest(tickAt("KRW-BTC", 100, base))
	agg.Ingest(tickAt("KRW-BTC", 105, base.Add(3*time.Minute)))

	require.Len(t, *out, 1)
}

func TestAggregatorDropsLateTicks(t *testing.T) {
	out, onClose := collectCandles()
	agg := NewAggregator(time.Minute, false, onClose, nil)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	agg.Ingest(tickAt("KRW-BTC", 100, base.Add(time.Minute)))
	agg.Ingest(tickAt("KRW-BTC", 999, base)) // from the previous bucket

	assert.Equal(t, int64(1), agg.DroppedLate("KRW-BTC"))
	require.Empty(t, *out)

	agg.Flush()
	require.Len(t, *out, 1)
	assert.True(t, (*out)[0].Close.Equal(decimal.NewFromInt(100)), "late tick must not affect the candle")
}

func TestAggregatorLateTickCallback(t *testing.T) {
	_, onClose := collectCandles()
	agg := NewAggregator(time.Minute, false, onClose, nil)

	var markets []string
	var totals []int64
	agg.OnLate(func(tick core.Tick, total int64) {
		markets = append(markets, tick.Market)
		totals = append(totals, total)
	})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	agg.Ingest(tickAt("KRW-BTC", 100, base.Add(time.Minute)))
	agg.Ingest(tickAt("KRW-BTC", 999, base))
	agg.Ingest(tickAt("KRW-BTC", 998, base))

	assert.Equal(t, []string{"KRW-BTC", "KRW-BTC"}, markets)
	assert.Equal(t, []int64{1, 2}, totals, "running total per market")
}

func TestAggregatorIndependentMarkets(t *testing.T) {
	out, onClose := collectCandles()
	agg := NewAggregator(time.Minute, false, onClose, nil)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	agg.Ingest(tickAt("KRW-BTC", 100, base))
	agg.Ingest(tickAt("KRW-ETH", 50, base))
	agg.Ingest(tickAt("KRW-BTC", 101, base.Add(time.Minute)))

	require.Len(t, *out, 1)
	assert.Equal(t, "KRW-BTC", (*out)[0].Market)

	agg.Flush()
	require.Len(t, *out, 3)
}
