package client

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/liveclass/pkg/protocol"
)

// conn wraps one WebSocket to the hub: a read loop feeding frames and
// serialized writes
type conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	frames    chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *conn {
	c := &conn{
		ws:     ws,
		frames: make(chan protocol.Envelope, 100),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	defer close(c.frames)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Debug("websocket read ended", "error", err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}
		select {
		case c.frames <- env:
		case <-c.done:
			return
		}
	}
}

// send writes one envelope; writes from several goroutines are serialized
func (c *conn) send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the socket down; the read loop exits and closes frames
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

// WebSocketURL normalizes a hub address: http(s) schemes become ws(s),
// a bare host gets wss, and an empty path becomes /ws
func WebSocketURL(addr string) string {
	addr = strings.TrimSpace(addr)
	switch {
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	case !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://"):
		addr = "wss://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return addr
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String()
}
