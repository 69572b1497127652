// Package data builds and backfills candle series from trade ticks and
// the exchange history API.
package data

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
)

// Aggregator folds trade ticks into fixed-interval candles. One candle
// bucket is open per market at a time; a tick landing in a later bucket
// closes the open one. Ticks older than the open bucket are dropped.
type Aggregator struct {
	mu       sync.Mutex
	interval time.Duration
	fillGaps bool
	open     map[string]*core.Candle
	dropped  map[string]int64
	onClose  func(core.Candle)
	onLate   func(tick core.Tick, total int64)
	logger   core.Logger
}

// NewAggregator creates an aggregator emitting closed candles through
// onClose. When fillGaps is set, empty intervals between two real
// candles are emitted as flat synthetic candles at the previous close.
func NewAggregator(interval time.Duration, fillGaps bool, onClose func(core.Candle), logger core.Logger) *Aggregator {
	return &Aggregator{
		interval: interval,
		fillGaps: fillGaps,
		open:     make(map[string]*core.Candle),
		dropped:  make(map[string]int64),
		onClose:  onClose,
		logger:   logger,
	}
}

// OnLate installs a callback invoked each time a late tick is dropped,
// with the running total for its market. Call before the first Ingest.
func (a *Aggregator) OnLate(fn func(tick core.Tick, total int64)) {
	a.onLate = fn
}

// BucketStart floors ts to the start of its interval bucket.
func BucketStart(ts time.Time, interval time.Duration) time.Time {
	return ts.UTC().Truncate(interval)
}

// Ingest folds a single tick into the current bucket for its market.
// Closed candles are emitted synchronously on the caller's goroutine,
// in timestamp order, before Ingest returns.
func (a *Aggregator) Ingest(tick core.Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bucket := BucketStart(tick.TS, a.interval)
	cur := a.open[tick.Market]

	if cur == nil {
		a.open[tick.Market] = newCandle(tick, bucket, a.interval)
		return
	}

	switch {
	case bucket.Equal(cur.OpenTS):
		applyTick(cur, tick)
	case bucket.After(cur.OpenTS):
		a.closeLocked(tick.Market, bucket)
		a.open[tick.Market] = newCandle(tick, bucket, a.interval)
	default:
		// Late tick from a bucket that already closed.
		a.dropped[tick.Market]++
		if a.onLate != nil {
			a.onLate(tick, a.dropped[tick.Market])
		}
		if a.logger != nil {
			a.logger.Debug("dropped late tick",
				"market", tick.Market,
				"tick_ts", tick.TS,
				"open_bucket", cur.OpenTS)
		}
	}
}

// Flush closes and emits every open bucket. Used at end of a replay so
// the final partial candle is not lost.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for market := range a.open {
		c := a.open[market]
		delete(a.open, market)
		a.onClose(*c)
	}
}

// DroppedLate returns how many late ticks were discarded for a market.
func (a *Aggregator) DroppedLate(market string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped[market]
}

// closeLocked emits the open candle for market, plus flat gap fillers
// up to (but excluding) nextBucket.
func (a *Aggregator) closeLocked(market string, nextBucket time.Time) {
	c := a.open[market]
	delete(a.open, market)
	a.onClose(*c)

	if !a.fillGaps {
		return
	}
	for ts := c.OpenTS.Add(a.interval); ts.Before(nextBucket); ts = ts.Add(a.interval) {
		a.onClose(core.Candle{
			Market:   market,
			Interval: a.interval,
			OpenTS:   ts,
			Open:     c.Close,
			High:     c.Close,
			Low:      c.Close,
			Close:    c.Close,
			Volume:   decimal.Zero,
			Source:   core.SourceSynthetic,
		})
	}
}

func newCandle(tick core.Tick, bucket time.Time, interval time.Duration) *core.Candle {
	return &core.Candle{
		Market:   tick.Market,
		Interval: interval,
		OpenTS:   bucket,
		Open:     tick.Price,
		High:     tick.Price,
		Low:      tick.Price,
		Close:    tick.Price,
		Volume:   tick.Volume,
		Source:   core.SourceTick,
	}
}

func applyTick(c *core.Candle, tick core.Tick) {
	if tick.Price.GreaterThan(c.High) {
		c.High = tick.Price
	}
	if tick.Price.LessThan(c.Low) {
		c.Low = tick.Price
	}
	c.Close = tick.Price
	c.Volume = c.Volume.Add(tick.Volume)
}
