package events

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/core"
)

func TestBusCountsEvents(t *testing.T) {
	b := NewBus(16, nil)

	for i := 0; i < 3; i++ {
		b.Emit(core.Event{
			RunID:  "run-1",
			Type:   TypeOrderFilled,
			Market: "KRW-BTC",
			TS:     time.Now(),
		})
	}
	b.Emit(core.Event{RunID: "run-1", Type: TypeOrderSkipped, Market: "KRW-ETH"})
	b.Close()

	rec := httptest.NewRecorder()
	b.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `trade_engine_events_total{market="KRW-BTC",type="order.filled"} 3`)
	assert.Contains(t, text, `trade_engine_events_total{market="KRW-ETH",type="order.skipped"} 1`)
}

func TestBusTracksEquityGauge(t *testing.T) {
	b := NewBus(16, nil)
	b.Emit(core.Event{
		Type:   TypeBarClosed,
		Market: "KRW-BTC",
		Fields: map[string]interface{}{"equity": 1_050_000.0},
	})
	b.Close()

	rec := httptest.NewRecorder()
	b.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "trade_engine_portfolio_equity 1.05e+06")
}

func TestBusNeverBlocks(t *testing.T) {
	b := NewBus(1, nil)
	defer b.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			b.Emit(core.Event{Type: TypeBarClosed, Market: "KRW-BTC"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked")
	}
}

func TestBusEmitAfterClose(t *testing.T) {
	b := NewBus(4, nil)
	b.Close()

	assert.NotPanics(t, func() {
		b.Emit(core.Event{Type: TypeBarClosed})
	})
}

func TestEventTypeNamesAreStable(t *testing.T) {
	// The event log is parsed downstream; names are part of the
	// contract.
	for _, name := range []string{
		TypeOrderSubmitted, TypeOrderFilled, TypeOrderSkipped,
		TypeOrderRejected, TypePositionOpened, TypePositionClosed,
		TypePositionPartial, TypeRiskViolation, TypeKillSwitch,
	} {
		assert.True(t, strings.Contains(name, "."), name)
	}
}
