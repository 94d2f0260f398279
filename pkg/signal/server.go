package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/liveclass/pkg/analytics"
	"github.com/tomaslejdung/liveclass/pkg/control"
	"github.com/tomaslejdung/liveclass/pkg/device"
	"github.com/tomaslejdung/liveclass/pkg/metrics"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
	"github.com/tomaslejdung/liveclass/pkg/screenshare"
	"github.com/tomaslejdung/liveclass/pkg/session"
)

var (
	// ErrForbidden is returned when a student asks for a teacher-only operation
	ErrForbidden = errors.New("operation requires the session teacher")
	// ErrSessionEnded is returned when registering into an ended session
	ErrSessionEnded = errors.New("session has ended")

	errClientClosed = errors.New("client closed")
	errSlowConsumer = errors.New("send buffer full")
)

// Hub defaults
const (
	DefaultSendBuffer      = 256
	DefaultRegisterTimeout = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxMessageSize  = 64 << 10
)

// Options configures a Server
type Options struct {
	Sessions        *session.Registry
	Devices         *device.Registry
	ICEServers      []webrtc.ICEServer
	SendBuffer      int
	RegisterTimeout time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	// AllowedOrigins restricts the upgrade; empty allows every origin
	AllowedOrigins []string
	// Analytics receives join, leave, share and control events
	Analytics analytics.Tracker
	Logger    *slog.Logger
}

// Client represents a registered WebSocket connection
type Client struct {
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	sessionID string
	deviceID  string
	userID    string
	role      Role
	epoch     uint64
	room      *Room

	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	closed      bool
	releaseOnce sync.Once
}

// Server is the connection hub: it owns every live connection, grouped
// into one Room per session
type Server struct {
	rooms    map[string]*Room
	mu       sync.RWMutex
	upgrader websocket.Upgrader

	opts        Options
	sessions    *session.Registry
	devices     *device.Registry
	broadcaster *Broadcaster
	screens     *screenshare.Coordinator
	dispatcher  *control.Dispatcher
	analytics   analytics.Tracker
	logger      *slog.Logger
}

// NewServer creates the hub and the broadcaster, coordinator and
// dispatcher it drives. It subscribes to session transitions and device
// expiry.
func NewServer(opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = DefaultRegisterTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewRegistry()
	}
	if opts.Devices == nil {
		opts.Devices = device.NewRegistry(device.DefaultConfig(), opts.Logger)
	}
	if opts.Analytics == nil {
		opts.Analytics = analytics.Nop{}
	}

	s := &Server{
		rooms:     make(map[string]*Room),
		opts:      opts,
		sessions:  opts.Sessions,
		devices:   opts.Devices,
		analytics: opts.Analytics,
		logger:    opts.Logger.With("component", "hub"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.broadcaster = NewBroadcaster(s, opts.Logger.With("component", "broadcaster"))
	s.screens = screenshare.NewCoordinator(s, s.sessions, s.devices, opts.ICEServers, opts.Logger.With("component", "screenshare"))
	s.dispatcher = control.NewDispatcher(s, s.devices, opts.Logger.With("component", "control"))

	s.sessions.AddObserver(s)
	s.devices.OnExpire(s.expire)
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Broadcaster returns the hub's event broadcaster
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Screens returns the screen-share coordinator
func (s *Server) Screens() *screenshare.Coordinator { return s.screens }

// Dispatcher returns the control command dispatcher
func (s *Server) Dispatcher() *control.Dispatcher { return s.dispatcher }

func (s *Server) getOrCreateRoom(sessionID string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room, exists := s.rooms[sessionID]; exists {
		return room
	}
	room := newRoom(sessionID)
	s.rooms[sessionID] = room
	return room
}

func (s *Server) room(sessionID string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[sessionID]
	return room, ok
}

// dropRoom removes room only if it is still the session's current one
func (s *Server) dropRoom(sessionID string, room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[sessionID] == room {
		delete(s.rooms, sessionID)
	}
}

func (s *Server) removeRoom(sessionID string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[sessionID]
	delete(s.rooms, sessionID)
	return room, ok
}

// recipients implements roster for the broadcaster
func (s *Server) recipients(sessionID string) []*Client {
	room, ok := s.room(sessionID)
	if !ok {
		return nil
	}
	return room.recipients()
}

// HandleWebSocket upgrades the request and runs the register handshake.
// Only a successfully registered connection gets read/write pumps.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	metrics.Connections.Inc()

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, s.opts.SendBuffer),
		server: s,
	}
	client.ctx, client.cancel = context.WithCancel(context.Background())

	if err := s.handshake(client); err != nil {
		metrics.Registrations.WithLabelValues("rejected").Inc()
		s.reject(client, err)
		return
	}
	metrics.Registrations.WithLabelValues("ok").Inc()

	go client.writePump()
	go client.readPump()
}

func (s *Server) handshake(c *Client) error {
	c.conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.RegisterTimeout))

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: no register frame: %v", protocol.ErrProtocol, err)
	}
	_, msg, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	reg, ok := msg.(protocol.Register)
	if !ok {
		return fmt.Errorf("%w: first frame must be register, got %s", protocol.ErrProtocol, msg.Type())
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	return s.register(c, reg)
}

// register binds a handshaken client into its session
func (s *Server) register(c *Client, reg protocol.Register) error {
	sess, err := s.sessions.Get(reg.SessionID)
	if err != nil {
		return err
	}
	return s.join(c, sess, reg)
}

// join binds c into sess, a snapshot that may already be stale: the
// session is read again once c is bound, so a connection that raced the
// session's end is turned away instead of stranded in a room nobody closes.
func (s *Server) join(c *Client, sess session.LiveSession, reg protocol.Register) error {
	if sess.Status == session.StatusEnded {
		return fmt.Errorf("session %s: %w", sess.ID, ErrSessionEnded)
	}

	role := RoleStudent
	if reg.UserID == sess.TeacherID {
		role = RoleTeacher
	}
	info := device.Info{
		Type:     reg.DeviceInfo.Type,
		Platform: reg.DeviceInfo.Platform,
		Capabilities: device.Capabilities{
			Camera:        reg.DeviceInfo.Capabilities.Camera,
			Microphone:    reg.DeviceInfo.Capabilities.Microphone,
			ScreenShare:   reg.DeviceInfo.Capabilities.ScreenShare,
			RemoteControl: reg.DeviceInfo.Capabilities.RemoteControl,
		},
	}
	dev, before := s.devices.Claim(device.Device{
		ID:        reg.DeviceID,
		SessionID: sess.ID,
		UserID:    reg.UserID,
		TenantID:  reg.TenantID,
		Info:      info,
	})

	c.sessionID = sess.ID
	c.deviceID = dev.ID
	c.userID = reg.UserID
	c.role = role
	c.epoch = dev.Epoch

	participant := Participant{
		ID:                uuid.NewString(),
		UserID:            reg.UserID,
		DeviceID:          dev.ID,
		Role:              role,
		ConnectionQuality: "unknown",
		LastActivityAt:    dev.ConnectedAt,
	}

	var activeShare *screenshare.Share
	if share, ok := s.screens.Active(sess.ID); ok {
		activeShare = &share
	}
	cfg := s.devices.Config()

	room := s.getOrCreateRoom(sess.ID)
	prev, err := room.bind(c, participant, func(others []Participant) {
		_ = c.Send(s.envelope(protocol.TypeRegistered, sess.ID, Registered{
			Participant:         participant,
			Session:             sess,
			Participants:        others,
			ActiveShare:         activeShare,
			HeartbeatIntervalMs: cfg.HeartbeatInterval.Milliseconds(),
			TimeoutMs:           cfg.Timeout.Milliseconds(),
		}))
	})
	if err != nil {
		s.devices.MarkDisconnected(dev.ID, dev.Epoch)
		return fmt.Errorf("session %s: %w", sess.ID, err)
	}
	if cur, err := s.sessions.Get(sess.ID); err != nil || cur.Status == session.StatusEnded {
		s.abandon(c, room, prev)
		return fmt.Errorf("session %s: %w", sess.ID, ErrSessionEnded)
	}
	s.devices.Activate(dev.ID, dev.Epoch)

	if prev != nil {
		s.logger.Info("device re-registered, replacing connection", "session", sess.ID, "device", dev.ID)
		s.release(prev, ReasonReplaced)
	}
	if before.ID != "" && before.SessionID != sess.ID {
		s.evict(before)
	}

	s.Announce(sess.ID, protocol.TypeParticipantJoined, ParticipantEvent{
		Participant: participant,
		Device:      &info,
	})
	s.logger.Info("device registered",
		"session", sess.ID, "device", dev.ID, "user", reg.UserID, "role", role, "epoch", dev.Epoch)
	return nil
}

// abandon unwinds a bind into a session that ended meanwhile. The room
// is closed either way; once empty it is dropped, since it may have been
// created after the session's own room was torn down.
func (s *Server) abandon(c *Client, room *Room, prev *Client) {
	room.close()
	room.unbind(c)
	s.devices.MarkDisconnected(c.deviceID, c.epoch)
	if prev != nil {
		s.release(prev, ReasonSessionEnded)
	}
	if room.size() == 0 {
		s.dropRoom(c.sessionID, room)
	}
}

// evict releases the connection a device left behind in another session
// when it registers somewhere new
func (s *Server) evict(before device.Device) {
	room, ok := s.room(before.SessionID)
	if !ok {
		return
	}
	old, ok := room.client(before.ID)
	if !ok {
		return
	}
	s.logger.Info("device moved to another session, releasing old connection",
		"session", before.SessionID, "device", before.ID)
	s.release(old, ReasonReplaced)
}

// reject writes an error frame to an unregistered connection and closes it
func (s *Server) reject(c *Client, err error) {
	defer metrics.Connections.Dec()
	defer c.cancel()

	s.logger.Info("registration rejected", "remote", c.conn.RemoteAddr().String(), "error", err)
	env := s.envelope(protocol.TypeError, c.sessionID, protocol.ErrorPayload{
		Code:    ErrorCode(err),
		Message: err.Error(),
		Request: protocol.TypeRegister,
	})
	if data, encErr := protocol.Encode(env); encErr == nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		_ = c.conn.WriteMessage(websocket.TextMessage, data)
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrorCode(err)))
	}
	c.conn.Close()
}

// release tears a registered connection down exactly once. Side effects
// visible to the session only apply while c is still the device's bound
// connection, so a replaced socket leaves no trace.
func (s *Server) release(c *Client, reason string) {
	c.releaseOnce.Do(func() {
		metrics.Connections.Dec()
		metrics.Releases.WithLabelValues(reason).Inc()
		c.cancel()

		var (
			participant Participant
			removed     bool
		)
		if c.room != nil {
			participant, removed = c.room.unbind(c)
		}
		if removed {
			s.devices.MarkDisconnected(c.deviceID, c.epoch)
			s.screens.DeviceGone(c.sessionID, c.deviceID)
			s.Announce(c.sessionID, protocol.TypeParticipantLeft, ParticipantEvent{
				Participant: participant,
				Reason:      reason,
			})
			s.logger.Info("device released", "session", c.sessionID, "device", c.deviceID, "reason", reason)
		}
		c.close()
	})
}

// expire is the device registry's sweep callback
func (s *Server) expire(dev device.Device) {
	metrics.HeartbeatTimeouts.Inc()
	room, ok := s.room(dev.SessionID)
	if !ok {
		return
	}
	c, ok := room.client(dev.ID)
	if !ok || c.epoch != dev.Epoch {
		return
	}
	s.release(c, ReasonTimeout)
}

// SessionChanged announces every transition and closes the session's
// connections once it ends. It runs under the session's transition lock.
func (s *Server) SessionChanged(ch session.Change) {
	id := ch.Session.ID
	metrics.SessionTransitions.WithLabelValues(string(ch.Session.Status)).Inc()
	s.broadcaster.Announce(id, protocol.TypeSessionStatusChanged, StatusChange{
		Status:    ch.Session.Status,
		Previous:  ch.From,
		Event:     ch.Event,
		StartedAt: ch.Session.StartedAt,
		EndedAt:   ch.Session.EndedAt,
	})

	if ch.Session.Status != session.StatusEnded {
		return
	}
	if room, ok := s.room(id); ok {
		room.close()
	}
	s.screens.Stop(id)
	s.broadcaster.Flush(id, func() { s.endSession(id) })
}

// endSession runs on the session's broadcast path after the final status
// event has been handed to every connection
func (s *Server) endSession(id string) {
	if room, ok := s.removeRoom(id); ok {
		for _, c := range room.recipients() {
			s.release(c, ReasonSessionEnded)
		}
	}
	s.screens.EndSession(id)
	n := s.devices.Forget(id)
	if err := s.sessions.Archive(id); err != nil {
		s.logger.Warn("archive session", "session", id, "error", err)
	}
	s.broadcaster.closeSession(id)
	s.logger.Info("session closed", "session", id, "devices", n)
}

// Lookup returns the live connection of a device within a session
func (s *Server) Lookup(sessionID, deviceID string) (control.Conn, bool) {
	room, ok := s.room(sessionID)
	if !ok {
		return nil, false
	}
	c, ok := room.client(deviceID)
	if !ok {
		return nil, false
	}
	return c, true
}

// BulkTargets lists the session's connected student devices
func (s *Server) BulkTargets(sessionID string) []string {
	room, ok := s.room(sessionID)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range room.snapshot() {
		if p.Role != RoleTeacher {
			out = append(out, p.DeviceID)
		}
	}
	return out
}

// Participants returns the session's current participants
func (s *Server) Participants(sessionID string) []Participant {
	room, ok := s.room(sessionID)
	if !ok {
		return []Participant{}
	}
	out := room.snapshot()
	if share, ok := s.screens.Active(sessionID); ok {
		for i := range out {
			out[i].MediaState.ScreenSharing = out[i].DeviceID == share.PresenterDeviceID
		}
	}
	return out
}

// ConnectionCount returns the number of bound connections in a session
func (s *Server) ConnectionCount(sessionID string) int {
	room, ok := s.room(sessionID)
	if !ok {
		return 0
	}
	return room.size()
}

// Close releases every connection and stops the broadcaster
func (s *Server) Close() {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	for _, r := range rooms {
		r.close()
		for _, c := range r.recipients() {
			s.release(c, ReasonServerStopped)
		}
	}
	s.broadcaster.Close()
}

func (s *Server) envelope(t protocol.MessageType, sessionID string, payload any) protocol.Envelope {
	env, err := protocol.NewEnvelope(t, sessionID, payload)
	if err != nil {
		s.logger.Error("encode frame", "type", t, "error", err)
	}
	return env
}

// Send queues an envelope for the device. It implements control.Conn.
func (c *Client) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// enqueue never blocks. A full buffer releases the client as a slow
// consumer rather than dropping an ordered event.
func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		go c.server.release(c, ReasonSlowConsumer)
		return errSlowConsumer
	}
}

// close stops the write pump once it has drained the buffer
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendError(request protocol.MessageType, err error) {
	_ = c.Send(c.server.envelope(protocol.TypeError, c.sessionID, protocol.ErrorPayload{
		Code:    ErrorCode(err),
		Message: err.Error(),
		Request: request,
	}))
}
