// Package feed maintains a resilient websocket subscription to the
// exchange trade stream and turns raw frames into ticks.
package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"trade_engine/internal/core"
	"trade_engine/pkg/retry"
)

// State is the connector lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateDegraded
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Codec translates between the exchange wire format and ticks.
type Codec interface {
	// SubscribePayload builds the message sent after every (re)connect.
	SubscribePayload(markets []string) (interface{}, error)
	// DecodeTick parses a frame. ok is false for frames that are not
	// trades (status messages, pongs encoded as text, and so on).
	DecodeTick(message []byte) (tick core.Tick, ok bool, err error)
}

// Connector is a resilient websocket trade-stream client. It reconnects
// with exponential backoff forever until Stop is called, resubscribing
// after each connect.
type Connector struct {
	url     string
	markets []string
	codec   Codec
	handler core.TickHandler

	policy retry.Policy
	dialer *websocket.Dialer

	conn *websocket.Conn
	mu   sync.Mutex

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration

	logger core.Logger
}

// NewConnector creates a connector for the given stream URL and markets.
func NewConnector(url string, markets []string, codec Codec, handler core.TickHandler, logger core.Logger) *Connector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		url:          url,
		markets:      markets,
		codec:        codec,
		handler:      handler,
		policy:       retry.ReconnectPolicy,
		dialer:       websocket.DefaultDialer,
		ctx:          ctx,
		cancel:       cancel,
		pingInterval: 30 * time.Second,
		pingWait:     10 * time.Second,
		pongWait:     60 * time.Second,
		logger:       logger,
	}
}

// SetDialer overrides the websocket dialer. Used by tests.
func (c *Connector) SetDialer(d *websocket.Dialer) {
	c.dialer = d
}

// SetPingConfig sets the ping/pong configuration.
func (c *Connector) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	return State(c.state.Load())
}

func (c *Connector) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s && c.logger != nil {
		c.logger.Info("feed state changed", "from", old.String(), "to", s.String())
	}
}

// Start connects and begins delivering ticks to the handler.
func (c *Connector) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and stops the reconnect loop.
func (c *Connector) Stop() {
	c.setState(StateClosing)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if c.logger != nil {
			c.logger.Warn("feed stop timed out waiting for goroutines")
		}
	}

	c.closeConn()
	c.setState(StateDisconnected)
}

func (c *Connector) runLoop() {
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.setState(StateConnecting)
		if err := c.connect(); err != nil {
			if c.logger != nil {
				c.logger.Error("feed connect failed", "url", c.url, "error", err)
			}
			c.setState(StateDisconnected)
			if !c.waitBackoff(attempt) {
				return
			}
			attempt++
			continue
		}

		if err := c.subscribe(); err != nil {
			if c.logger != nil {
				c.logger.Error("feed subscribe failed", "error", err)
			}
			c.closeConn()
			if !c.waitBackoff(attempt) {
				return
			}
			attempt++
			continue
		}

		c.setState(StateSubscribed)
		attempt = 0

		heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
		c.mu.Lock()
		pingInterval := c.pingInterval
		c.mu.Unlock()
		if pingInterval > 0 {
			c.wg.Add(1)
			go c.heartbeat(heartbeatCtx)
		}

		c.readLoop()
		heartbeatCancel()

		select {
		case <-c.ctx.Done():
			return
		default:
			c.setState(StateDegraded)
			if !c.waitBackoff(attempt) {
				return
			}
			attempt++
		}
	}
}

func (c *Connector) waitBackoff(attempt int) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(c.policy.Delay(attempt)):
		return true
	}
}

func (c *Connector) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	c.conn = conn
	return nil
}

func (c *Connector) subscribe() error {
	payload, err := c.codec.SubscribePayload(c.markets)
	if err != nil {
		return fmt.Errorf("build subscribe payload: %w", err)
	}
	return c.send(payload)
}

func (c *Connector) send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

func (c *Connector) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	c.mu.Lock()
	interval := c.pingInterval
	wait := c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wait)); err != nil {
				// A failed ping means the socket is gone; close it to
				// kick the reconnect loop.
				c.closeConn()
				return
			}
		}
	}
}

func (c *Connector) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Connector) readLoop() {
	defer c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		pongWait := c.pongWait
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		tick, ok, err := c.codec.DecodeTick(message)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("feed frame decode failed", "error", err)
			}
			continue
		}
		if !ok {
			continue
		}
		if c.handler != nil {
			c.handler(tick)
		}
	}
}
