// Package client is the device side of the hub protocol: it registers,
// keeps the device alive with heartbeats and reconnects with exponential
// backoff. The hub itself never knows why a connection dropped; every
// retry decision lives here.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/liveclass/pkg/protocol"
)

// State of the connection state machine
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Defaults for reconnection
const (
	DefaultMaxReconnects    = 10
	DefaultInitialBackoff   = time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	defaultHeartbeat        = 15 * time.Second
)

var errDisconnected = errors.New("connection lost")

// RejectedError is a registration the hub refused with an error frame
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("registration rejected: %s: %s", e.Code, e.Message)
}

// Permanent reports whether retrying the same registration is pointless
func (e *RejectedError) Permanent() bool {
	switch e.Code {
	case protocol.CodeNotFound, protocol.CodeSessionEnded, protocol.CodeForbidden, protocol.CodeProtocol:
		return true
	}
	return false
}

// Config identifies the device and tunes reconnection
type Config struct {
	URL        string
	SessionID  string
	UserID     string
	DeviceID   string
	TenantID   string
	DeviceInfo protocol.DeviceInfo

	MaxReconnects    int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Client keeps one device registered with the hub
type Client struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger

	events chan protocol.Envelope
	states chan State

	mu      sync.Mutex
	state   State
	current *conn
	lastErr error

	leave     chan struct{}
	leaveOnce sync.Once
}

// New creates an idle client
func New(cfg Config) *Client {
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.URL = WebSocketURL(cfg.URL)

	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: cfg.Logger.With("device", cfg.DeviceID),
		events: make(chan protocol.Envelope, 64),
		states: make(chan State, 16),
		leave:  make(chan struct{}),
	}
}

// Events delivers every frame received from the hub. It is closed when Run returns.
func (c *Client) Events() <-chan protocol.Envelope { return c.events }

// States reports state changes. Intermediate states may be skipped when
// the reader falls behind; State always has the current one.
func (c *Client) States() <-chan State { return c.states }

// State returns the current state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that caused the last disconnect or failure
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()

	select {
	case c.states <- s:
	default:
	}
}

// Send writes a frame on the current connection
func (c *Client) Send(t protocol.MessageType, data any) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return errDisconnected
	}
	env, err := protocol.NewEnvelope(t, c.cfg.SessionID, data)
	if err != nil {
		return err
	}
	env.DeviceID = c.cfg.DeviceID
	env.UserID = c.cfg.UserID
	return cur.send(env)
}

// Leave disconnects for good; Run returns nil
func (c *Client) Leave() {
	c.leaveOnce.Do(func() {
		_ = c.Send(protocol.TypeLeave, nil)
		close(c.leave)
	})
}

// Run connects and keeps reconnecting until the device leaves, the
// session ends, ctx is done, a registration is permanently rejected or
// MaxReconnects consecutive attempts fail.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	attempt := 0
	delay := c.cfg.InitialBackoff
	for {
		c.setState(StateConnecting, nil)
		cur, interval, err := c.connect(ctx)
		if err == nil {
			attempt = 0
			delay = c.cfg.InitialBackoff
			c.setState(StateConnected, nil)
			err = c.serve(ctx, cur, interval)
		}

		var rejected *RejectedError
		switch {
		case ctx.Err() != nil:
			c.setState(StateClosed, nil)
			return ctx.Err()
		case err == nil:
			c.setState(StateClosed, nil)
			return nil
		case errors.As(err, &rejected) && rejected.Permanent():
			c.setState(StateFailed, err)
			return err
		}

		attempt++
		if attempt > c.cfg.MaxReconnects {
			err = fmt.Errorf("gave up after %d reconnect attempts: %w", c.cfg.MaxReconnects, err)
			c.setState(StateFailed, err)
			return err
		}
		c.logger.Info("reconnecting", "attempt", attempt, "delay", delay, "error", err)
		c.setState(StateBackoff, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.setState(StateClosed, nil)
			return ctx.Err()
		case <-c.leave:
			c.setState(StateClosed, nil)
			return nil
		}
		delay *= 2
		if delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
	}
}

// connect dials and registers, returning the heartbeat interval the hub asked for
func (c *Client) connect(ctx context.Context) (*conn, time.Duration, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	cur := newConn(ws, c.logger)

	env, err := protocol.NewEnvelope(protocol.TypeRegister, c.cfg.SessionID, protocol.Register{
		TenantID:   c.cfg.TenantID,
		DeviceInfo: c.cfg.DeviceInfo,
	})
	if err != nil {
		cur.Close()
		return nil, 0, err
	}
	env.UserID = c.cfg.UserID
	env.DeviceID = c.cfg.DeviceID
	if err := cur.send(env); err != nil {
		cur.Close()
		return nil, 0, fmt.Errorf("send register: %w", err)
	}

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case first, ok := <-cur.frames:
		if !ok {
			cur.Close()
			return nil, 0, errDisconnected
		}
		switch first.Type {
		case protocol.TypeRegistered:
		case protocol.TypeError:
			cur.Close()
			var e protocol.ErrorPayload
			_ = json.Unmarshal(first.Data, &e)
			return nil, 0, &RejectedError{Code: e.Code, Message: e.Message}
		default:
			cur.Close()
			return nil, 0, fmt.Errorf("unexpected %s before registered", first.Type)
		}

		var reg struct {
			HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs"`
		}
		_ = json.Unmarshal(first.Data, &reg)
		interval := time.Duration(reg.HeartbeatIntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = defaultHeartbeat
		}

		c.mu.Lock()
		c.current = cur
		c.mu.Unlock()
		c.deliver(ctx, first)
		return cur, interval, nil

	case <-timer.C:
		cur.Close()
		return nil, 0, errors.New("no registered acknowledgement")
	case <-ctx.Done():
		cur.Close()
		return nil, 0, ctx.Err()
	}
}

// serve heartbeats and forwards frames until the connection ends. It
// returns nil when the device left or its session ended.
func (c *Client) serve(ctx context.Context, cur *conn, interval time.Duration) error {
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		cur.Close()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ended := false
	for {
		select {
		case env, ok := <-cur.frames:
			if !ok {
				if ended {
					return nil
				}
				return errDisconnected
			}
			if env.Type == protocol.TypeSessionStatusChanged {
				var sc struct {
					Status string `json:"status"`
				}
				_ = json.Unmarshal(env.Data, &sc)
				ended = sc.Status == "ended"
			}
			c.deliver(ctx, env)
		case <-ticker.C:
			if err := cur.send(heartbeat(c.cfg)); err != nil {
				c.logger.Debug("heartbeat failed", "error", err)
			}
		case <-c.leave:
			return nil
		case <-ctx.Done():
			_ = cur.send(leaveFrame(c.cfg))
			return ctx.Err()
		}
	}
}

func (c *Client) deliver(ctx context.Context, env protocol.Envelope) {
	select {
	case c.events <- env:
	case <-ctx.Done():
	case <-c.leave:
	}
}

func heartbeat(cfg Config) protocol.Envelope {
	return protocol.Envelope{Type: protocol.TypeHeartbeat, SessionID: cfg.SessionID, DeviceID: cfg.DeviceID}
}

func leaveFrame(cfg Config) protocol.Envelope {
	return protocol.Envelope{Type: protocol.TypeLeave, SessionID: cfg.SessionID, DeviceID: cfg.DeviceID}
}
