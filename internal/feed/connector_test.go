package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/core"
)

type testCodec struct{}

func (testCodec) SubscribePayload(markets []string) (interface{}, error) {
	return map[string]interface{}{"op": "subscribe", "markets": markets}, nil
}

func (testCodec) DecodeTick(message []byte) (core.Tick, bool, error) {
	var frame struct {
		Market string  `json:"market"`
		Price  float64 `json:"price"`
		Volume float64 `json:"volume"`
		TS     int64   `json:"ts"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		return core.Tick{}, false, err
	}
	if frame.Market == "" {
		return core.Tick{}, false, nil
	}
	return core.Tick{
		Market: frame.Market,
		Price:  decimal.NewFromFloat(frame.Price),
		Volume: decimal.NewFromFloat(frame.Volume),
		TS:     time.UnixMilli(frame.TS).UTC(),
	}, true, nil
}

// wsServer accepts one connection at a time, records the subscribe
// payload, and plays back the queued frames.
type wsServer struct {
	t          *testing.T
	upgrader   websocket.Upgrader
	frames     [][]byte
	mu         sync.Mutex
	subscribes []string
	conns      int
	dropAfter  int // close the connection after N frames on the first connect
}

func (s *wsServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	require.NoError(s.t, err)
	defer conn.Close()

	_, sub, err := conn.ReadMessage()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns++
	first := s.conns == 1
	s.subscribes = append(s.subscribes, string(sub))
	s.mu.Unlock()

	for i, frame := range s.frames {
		if first && s.dropAfter > 0 && i >= s.dropAfter {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}

	// Hold the connection open until the client goes away.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func frame(market string, price float64, ts int64) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"market": market, "price": price, "volume": 0.5, "ts": ts,
	})
	return b
}

func startConnector(t *testing.T, srv *httptest.Server, handler core.TickHandler) *Connector {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewConnector(url, []string{"KRW-BTC"}, testCodec{}, handler, nil)
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestConnectorSubscribesAndDeliversTicks(t *testing.T) {
	ws := &wsServer{t: t, frames: [][]byte{
		frame("KRW-BTC", 100, 1000),
		frame("KRW-BTC", 101, 2000),
		[]byte(`{"status":"UP"}`), // non-trade frame, skipped
		frame("KRW-BTC", 102, 3000),
	}}
	srv := httptest.NewServer(http.HandlerFunc(ws.handler))
	defer srv.Close()

	var mu sync.Mutex
	var ticks []core.Tick
	c := startConnector(t, srv, func(tk core.Tick) {
		mu.Lock()
		ticks = append(ticks, tk)
		mu.Unlock()
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks) == 3
	})
	assert.Equal(t, StateSubscribed, c.State())

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, ticks[0].Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "KRW-BTC", ticks[2].Market)
}

func TestConnectorReconnectsAndResubscribes(t *testing.T) {
	ws := &wsServer{t: t, dropAfter: 1, frames: [][]byte{
		frame("KRW-BTC", 100, 1000),
		frame("KRW-BTC", 101, 2000),
	}}
	srv := httptest.NewServer(http.HandlerFunc(ws.handler))
	defer srv.Close()

	var mu sync.Mutex
	var ticks []core.Tick
	c := startConnector(t, srv, func(tk core.Tick) {
		mu.Lock()
		ticks = append(ticks, tk)
		mu.Unlock()
	})

	waitFor(t, func() bool {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		return ws.conns >= 2
	})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks) >= 3
	})

	ws.mu.Lock()
	require.GreaterOrEqual(t, len(ws.subscribes), 2, "resubscribed after reconnect")
	for _, sub := range ws.subscribes {
		assert.Contains(t, sub, "KRW-BTC")
	}
	ws.mu.Unlock()

	assert.Equal(t, StateSubscribed, c.State())
}

func TestConnectorStateTransitions(t *testing.T) {
	ws := &wsServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(ws.handler))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewConnector(url, []string{"KRW-BTC"}, testCodec{}, nil, nil)
	assert.Equal(t, StateDisconnected, c.State())

	c.Start()
	waitFor(t, func() bool { return c.State() == StateSubscribed })

	c.Stop()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "unknown", State(99).String())
}
