package data

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trade_engine/internal/core"
	"trade_engine/pkg/retry"
)

const (
	maxPageSize     = 200
	maxPrefetchBars = 2000
	defaultPrefetch = 300
)

// PrefetchDepth picks how many bars to backfill: the strategy's
// declared warm-up requirement or the configured depth, whichever is
// larger. Fetch applies the default when both come back non-positive.
func PrefetchDepth(required, configured int) int {
	if required > configured {
		return required
	}
	return configured
}

// Prefetcher backfills candle history through a HistorySource so a
// strategy has warm indicators before the first live bar closes.
type Prefetcher struct {
	source core.HistorySource
	policy retry.Policy
	logger core.Logger
}

// NewPrefetcher creates a prefetcher. Page fetches are retried with the
// default backoff policy on transient errors.
func NewPrefetcher(source core.HistorySource, logger core.Logger) *Prefetcher {
	return &Prefetcher{
		source: source,
		policy: retry.DefaultPolicy,
		logger: logger,
	}
}

// Fetch returns up to count closed candles for market in ascending
// timestamp order, ending at or before `to`. Count is clamped to
// [0, 2000]; zero or negative requests the default 300 bars. Fewer
// candles than requested is not an error when the exchange history
// simply runs out.
func (p *Prefetcher) Fetch(ctx context.Context, market string, interval time.Duration, count int, to time.Time) ([]core.Candle, error) {
	if count <= 0 {
		count = defaultPrefetch
	}
	if count > maxPrefetchBars {
		count = maxPrefetchBars
	}

	var out []core.Candle
	cursor := to
	for len(out) < count {
		need := count - len(out)
		if need > maxPageSize {
			need = maxPageSize
		}

		var page []core.Candle
		err := retry.Do(ctx, p.policy, nil, func() error {
			var ferr error
			page, ferr = p.source.CandlePage(ctx, market, interval, need, cursor)
			return ferr
		})
		if err != nil {
			return nil, fmt.Errorf("prefetch %s: %w", market, err)
		}
		if len(page) == 0 {
			break
		}

		// Pages arrive newest first; remember the oldest row so the
		// next page continues strictly before it.
		oldest := page[0].OpenTS
		for _, c := range page {
			if c.OpenTS.Before(oldest) {
				oldest = c.OpenTS
			}
			c.Source = core.SourcePrefetch
			out = append(out, c)
		}
		cursor = oldest.Add(-time.Millisecond)

		if len(page) < need {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenTS.Before(out[j].OpenTS)
	})
	out = dedupAscending(out)

	if p.logger != nil {
		p.logger.Info("prefetched history",
			"market", market,
			"requested", count,
			"got", len(out))
	}
	return out, nil
}

// Merge splices prefetched history with candles already aggregated from
// live ticks. When both cover the same bucket, the tick-built candle
// wins since it reflects exactly the trades the engine saw.
func Merge(prefetched, live []core.Candle) []core.Candle {
	merged := make([]core.Candle, 0, len(prefetched)+len(live))
	merged = append(merged, prefetched...)
	merged = append(merged, live...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].OpenTS.Before(merged[j].OpenTS)
	})

	out := merged[:0]
	for _, c := range merged {
		if n := len(out); n > 0 && out[n-1].OpenTS.Equal(c.OpenTS) {
			if out[n-1].Source == core.SourcePrefetch && c.Source != core.SourcePrefetch {
				out[n-1] = c
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

func dedupAscending(candles []core.Candle) []core.Candle {
	out := candles[:0]
	for _, c := range candles {
		if n := len(out); n > 0 && out[n-1].OpenTS.Equal(c.OpenTS) {
			continue
		}
		out = append(out, c)
	}
	return out
}
