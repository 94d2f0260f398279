package signal

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/liveclass/pkg/control"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
	"github.com/tomaslejdung/liveclass/pkg/screenshare"
)

// readPump reads frames from a registered connection until it closes
func (c *Client) readPump() {
	reason := ReasonTransport
	defer func() {
		c.server.release(c, reason)
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Debug("websocket read error", "device", c.deviceID, "error", err)
			}
			return
		}

		env, msg, err := protocol.Decode(raw)
		if err == nil && env.SessionID != "" && env.SessionID != c.sessionID {
			err = fmt.Errorf("%w: frame for session %s on a %s connection", protocol.ErrProtocol, env.SessionID, c.sessionID)
		}
		if err != nil {
			c.sendError(env.Type, err)
			reason = ReasonProtocol
			return
		}

		if stop := c.handleMessage(msg); stop != "" {
			reason = stop
			return
		}
	}
}

// writePump sends queued frames until the client is closed, then says goodbye
func (c *Client) writePump() {
	defer c.conn.Close()

	timeout := c.server.opts.WriteTimeout
	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.server.logger.Debug("websocket write error", "device", c.deviceID, "error", err)
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// handleMessage routes one decoded frame. A non-empty result ends the
// connection with that release reason.
func (c *Client) handleMessage(msg protocol.Message) string {
	s := c.server
	c.touch()

	switch m := msg.(type) {
	case protocol.Register:
		c.sendError(m.Type(), fmt.Errorf("%w: already registered", protocol.ErrProtocol))
		return ReasonProtocol

	case protocol.Heartbeat:
		if err := s.devices.Heartbeat(c.deviceID); err != nil {
			c.sendError(m.Type(), err)
		}

	case protocol.ScreenShareStart:
		if m.Force && c.role != RoleTeacher {
			c.sendError(m.Type(), fmt.Errorf("force screen share: %w", ErrForbidden))
			return ""
		}
		_, err := s.screens.Start(screenshare.StartRequest{
			SessionID: c.sessionID,
			DeviceID:  c.deviceID,
			Quality:   m.Quality,
			Force:     m.Force,
		})
		if err != nil {
			c.sendError(m.Type(), err)
		}

	case protocol.ScreenShareStop:
		if c.role != RoleTeacher && !s.screens.IsPresenter(c.sessionID, c.deviceID) {
			if _, active := s.screens.Active(c.sessionID); active {
				c.sendError(m.Type(), fmt.Errorf("stop another presenter: %w", ErrForbidden))
			}
			return ""
		}
		s.screens.Stop(c.sessionID)

	case protocol.ScreenShareSubscribe:
		if _, err := s.screens.Subscribe(c.sessionID, c.deviceID); err != nil {
			c.sendError(m.Type(), err)
		}

	case protocol.ScreenShareUnsubscribe:
		s.screens.Unsubscribe(c.sessionID, c.deviceID)

	case protocol.DeviceControl:
		c.handleDeviceControl(m)

	case protocol.MediaState:
		c.room.update(c.deviceID, func(p *Participant) {
			p.MediaState.AudioMuted = m.AudioMuted
			p.MediaState.VideoMuted = m.VideoMuted
			if m.ConnectionQuality != "" {
				p.ConnectionQuality = m.ConnectionQuality
			}
		})

	case protocol.Leave:
		return ReasonLeave
	}
	return ""
}

func (c *Client) handleDeviceControl(m protocol.DeviceControl) {
	if c.role != RoleTeacher {
		c.sendError(m.Type(), fmt.Errorf("device control: %w", ErrForbidden))
		return
	}
	cmd, err := control.NewCommand(c.sessionID, m.TargetDeviceID, m.Action, m.Data, c.userID)
	if err != nil {
		c.sendError(m.Type(), err)
		return
	}

	results, err := c.server.Command(c.ctx, cmd)
	if err != nil {
		c.sendError(m.Type(), err)
		return
	}
	_ = c.Send(c.server.envelope(protocol.TypeControlAck, c.sessionID, ControlAck{
		Action:  cmd.Action,
		Results: results,
	}))
}

// touch records participant activity
func (c *Client) touch() {
	now := time.Now()
	c.room.update(c.deviceID, func(p *Participant) {
		p.LastActivityAt = now
	})
}
