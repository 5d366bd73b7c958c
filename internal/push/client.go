// Package push maintains the long-lived streaming connection that delivers
// immediate kill-switch and policy-change notifications, reconnecting with
// exponential backoff when the stream drops.
package push

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenlabs/warden/internal/metrics"
)

// Event names the control plane sends. Anything else is ignored.
const (
	eventConnected     = "connected"
	eventKillSwitch    = "kill_switch"
	eventPolicyUpdated = "policy_updated"
)

// ConnectFunc opens one streaming connection. The returned reader is the
// raw event stream; the client owns closing it.
type ConnectFunc func(ctx context.Context) (io.ReadCloser, error)

// Handlers receive dispatched events. All callbacks run on the client's
// read loop — they must hand work off, not block.
type Handlers struct {
	OnConnected     func()
	OnKillSwitch    func(active bool, message string)
	OnPolicyUpdated func()
}

type killSwitchPayload struct {
	Active  bool   `json:"active"`
	Message string `json:"message,omitempty"`
}

// Client runs the connect/read/reconnect loop for a single org stream.
type Client struct {
	connect  ConnectFunc
	handlers Handlers
	logger   *zap.Logger
	metrics  *metrics.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	doneCh   chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	connected bool
}

// NewClient creates a push client. Call Start to begin connecting.
func NewClient(connect ConnectFunc, handlers Handlers, logger *zap.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		connect:  connect,
		handlers: handlers,
		logger:   logger.Named("push"),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
}

// Start launches the connection loop.
func (c *Client) Start() {
	go c.run()
}

// Stop cancels any pending reconnect timer and the in-flight connection,
// then waits for the loop to exit. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		<-c.doneCh
	})
}

// Connected reports whether a stream is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) run() {
	defer close(c.doneCh)

	bo := newBackoff()

	for {
		if c.ctx.Err() != nil {
			return
		}

		body, err := c.connect(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Debug("push connect failed", zap.Error(err))
			if !c.sleep(bo.Next()) {
				return
			}
			c.countReconnect()
			continue
		}

		// Connected: backoff returns to its floor immediately.
		bo.Reset()
		c.setConnected(true)
		c.logger.Info("push stream connected")

		err = readEvents(body, c.dispatch)
		body.Close()
		c.setConnected(false)

		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Debug("push stream read error", zap.Error(err))
		} else {
			c.logger.Info("push stream closed by server")
		}
		if !c.sleep(bo.Next()) {
			return
		}
		c.countReconnect()
	}
}

// dispatch routes one frame. Malformed payloads and unknown event names are
// logged and dropped — they never terminate the connection.
func (c *Client) dispatch(ev Event) {
	switch ev.Name {
	case eventConnected:
		if c.handlers.OnConnected != nil {
			c.handlers.OnConnected()
		}

	case eventKillSwitch:
		var payload killSwitchPayload
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			c.logger.Warn("malformed kill_switch event", zap.String("data", ev.Data))
			return
		}
		c.logger.Warn("kill switch event received",
			zap.Bool("active", payload.Active),
			zap.String("message", payload.Message))
		if c.handlers.OnKillSwitch != nil {
			c.handlers.OnKillSwitch(payload.Active, payload.Message)
		}

	case eventPolicyUpdated:
		if c.handlers.OnPolicyUpdated != nil {
			c.handlers.OnPolicyUpdated()
		}

	default:
		c.logger.Debug("ignoring unknown push event", zap.String("event", ev.Name))
	}
}

// sleep waits for d or until Stop. Returns false when stopping.
func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) countReconnect() {
	if c.metrics != nil {
		c.metrics.PushReconnects.Inc()
	}
}
