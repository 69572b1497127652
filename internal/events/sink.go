// Package events publishes the structured trading event log.
package events

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trade_engine/internal/core"
)

// Event type names shared by every mode so backtest output lines up
// with live output.
const (
	TypeOrderSubmitted  = "order.submitted"
	TypeOrderFilled     = "order.filled"
	TypeOrderSkipped    = "order.skipped"
	TypeOrderRejected   = "order.rejected"
	TypePositionOpened  = "position.opened"
	TypePositionClosed  = "position.closed"
	TypePositionPartial = "position.partial_tp"
	TypeRiskViolation   = "risk.violation"
	TypeKillSwitch      = "risk.kill_switch"
	TypeBarClosed       = "bar.closed"
	TypeTickDropped     = "tick.dropped_late"
	TypeRegimeChanged   = "strategy.regime"
)

// Bus fans events out to the structured log and the metrics registry.
// Emit never blocks trading: when the buffer is full the event is
// counted as dropped and discarded.
type Bus struct {
	ch     chan core.Event
	logger core.Logger

	registry    *prometheus.Registry
	eventsTotal *prometheus.CounterVec
	equity      prometheus.Gauge
	dropped     atomic.Int64

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// NewBus creates and starts an event bus with the given buffer size.
func NewBus(bufferSize int, logger core.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	registry := prometheus.NewRegistry()
	b := &Bus{
		ch:       make(chan core.Event, bufferSize),
		logger:   logger,
		registry: registry,
		eventsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "trade_engine_events_total",
			Help: "Trading events by type and market.",
		}, []string{"type", "market"}),
		equity: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "trade_engine_portfolio_equity",
			Help: "Portfolio equity as of the last closed bar.",
		}),
		closed: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Emit publishes an event without blocking.
func (b *Bus) Emit(ev core.Event) {
	select {
	case <-b.closed:
		return
	default:
	}
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many events overflowed the buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// MetricsHandler serves the Prometheus scrape endpoint for this bus.
func (b *Bus) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})
}

// Close drains buffered events and stops the bus. Emit becomes a
// no-op.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.closed)
	})
	b.wg.Wait()
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.ch:
			b.publish(ev)
		case <-b.closed:
			for {
				select {
				case ev := <-b.ch:
					b.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) publish(ev core.Event) {
	b.eventsTotal.WithLabelValues(ev.Type, ev.Market).Inc()
	if v, ok := ev.Fields["equity"].(float64); ok {
		b.equity.Set(v)
	}
	if b.logger == nil {
		return
	}
	fields := make([]interface{}, 0, 2*len(ev.Fields)+6)
	fields = append(fields, "run_id", ev.RunID, "market", ev.Market, "ts", ev.TS)
	for k, v := range ev.Fields {
		fields = append(fields, k, v)
	}
	b.logger.Info(ev.Type, fields...)
}

var _ core.EventSink = (*Bus)(nil)
