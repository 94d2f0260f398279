package screenshare

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/liveclass/pkg/device"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
	"github.com/tomaslejdung/liveclass/pkg/session"
)

var (
	// ErrAlreadySharing is returned when a session already has an active presenter
	ErrAlreadySharing = errors.New("screen share already active")
	// ErrNoActiveShare is returned when subscribing to a session nobody presents in
	ErrNoActiveShare = errors.New("no active screen share")
	// ErrScreenShareDisabled is returned when the session settings forbid sharing
	ErrScreenShareDisabled = errors.New("screen sharing disabled for session")
	// ErrNotCapable is returned when the device did not advertise screen sharing
	ErrNotCapable = errors.New("device cannot share its screen")
	// ErrSessionNotLive is returned when sharing is requested outside a live session
	ErrSessionNotLive = errors.New("session is not live")
)

// Stop reasons carried in screen_share_stopped
const (
	ReasonStopped       = "stopped"
	ReasonPreempted     = "preempted"
	ReasonPresenterLeft = "presenter_left"
)

// Announcer delivers an event to every connection of a session
type Announcer interface {
	Announce(sessionID string, t protocol.MessageType, payload any)
}

// SessionSource reads session state
type SessionSource interface {
	Get(id string) (session.LiveSession, error)
}

// DeviceSource reads device state
type DeviceSource interface {
	Get(id string) (device.Device, bool)
}

// Share is the screen-share state of one session
type Share struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"sessionId"`
	PresenterDeviceID string    `json:"presenterDeviceId"`
	Quality           string    `json:"quality"`
	Viewers           []string  `json:"viewers"`
	Active            bool      `json:"active"`
	StartedAt         time.Time `json:"startedAt"`
}

// Event is the payload of screen_share_started and screen_share_stopped
type Event struct {
	Share
	Bitrate    int                `json:"bitrate,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Forced     bool               `json:"forced,omitempty"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// StartRequest asks for presenter rights
type StartRequest struct {
	SessionID string
	DeviceID  string
	Quality   string
	Force     bool
}

// share is the mutable record behind Share
type share struct {
	id        string
	presenter string
	quality   string
	viewers   map[string]struct{}
	active    bool
	startedAt time.Time
}

type sessionShare struct {
	mu    sync.Mutex
	share *share
}

// Coordinator enforces one active presenter per session and tracks viewers
type Coordinator struct {
	mu         sync.Mutex
	sessions   map[string]*sessionShare
	announcer  Announcer
	sessionsDB SessionSource
	devices    DeviceSource
	iceServers []webrtc.ICEServer
	logger     *slog.Logger
	timeNow    func() time.Time
}

// NewCoordinator wires the coordinator to its collaborators. iceServers are
// advertised to viewers when a share starts.
func NewCoordinator(announcer Announcer, sessions SessionSource, devices DeviceSource, iceServers []webrtc.ICEServer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sessions:   make(map[string]*sessionShare),
		announcer:  announcer,
		sessionsDB: sessions,
		devices:    devices,
		iceServers: iceServers,
		logger:     logger,
		timeNow:    time.Now,
	}
}

func (c *Coordinator) bucket(sessionID string) *sessionShare {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.sessions[sessionID]
	if !ok {
		b = &sessionShare{}
		c.sessions[sessionID] = b
	}
	return b
}

func (c *Coordinator) existing(sessionID string) (*sessionShare, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.sessions[sessionID]
	return b, ok
}

// Start makes the device the presenter of its session
func (c *Coordinator) Start(req StartRequest) (Share, error) {
	if err := c.checkAllowed(req); err != nil {
		return Share{}, err
	}

	b := c.bucket(req.SessionID)
	snap, err := c.start(b, req)
	if err != nil {
		return Share{}, err
	}

	// The session lock is not held here, so the session may have ended
	// after checkAllowed and its cleanup may have missed this share.
	if err := c.checkOpen(req.SessionID); err != nil {
		c.withdraw(req.SessionID, b, snap.ID)
		return Share{}, err
	}
	return snap, nil
}

func (c *Coordinator) start(b *sessionShare, req StartRequest) (Share, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	forced := false
	if b.share != nil && b.share.active {
		if !req.Force {
			return Share{}, fmt.Errorf("session %s presented by %s: %w", req.SessionID, b.share.presenter, ErrAlreadySharing)
		}
		c.stopLocked(req.SessionID, b, ReasonPreempted)
		forced = true
	}

	b.share = &share{
		id:        uuid.NewString(),
		presenter: req.DeviceID,
		quality:   NormalizeQuality(req.Quality),
		viewers:   make(map[string]struct{}),
		active:    true,
		startedAt: c.timeNow(),
	}
	snap := b.share.snapshot(req.SessionID)
	c.announcer.Announce(req.SessionID, protocol.TypeScreenShareStarted, Event{
		Share:      snap,
		Bitrate:    BitrateFor(snap.Quality),
		Forced:     forced,
		ICEServers: c.iceServers,
	})
	c.logger.Info("screen share started",
		"session", req.SessionID, "presenter", req.DeviceID, "quality", snap.Quality, "forced", forced)
	return snap, nil
}

// checkOpen fails once the session has ended or been archived
func (c *Coordinator) checkOpen(sessionID string) error {
	if c.sessionsDB == nil {
		return nil
	}
	s, err := c.sessionsDB.Get(sessionID)
	if err != nil {
		return err
	}
	if s.Status == session.StatusEnded {
		return fmt.Errorf("session %s is %s: %w", sessionID, s.Status, ErrSessionNotLive)
	}
	return nil
}

// withdraw stops the share shareID if it is still the active one and
// forgets the bucket
func (c *Coordinator) withdraw(sessionID string, b *sessionShare, shareID string) {
	b.mu.Lock()
	if b.share != nil && b.share.id == shareID {
		c.stopLocked(sessionID, b, ReasonStopped)
	}
	b.mu.Unlock()

	c.mu.Lock()
	if c.sessions[sessionID] == b {
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) checkAllowed(req StartRequest) error {
	if c.sessionsDB != nil {
		s, err := c.sessionsDB.Get(req.SessionID)
		if err != nil {
			return err
		}
		if s.Status != session.StatusLive {
			return fmt.Errorf("session %s is %s: %w", req.SessionID, s.Status, ErrSessionNotLive)
		}
		if !s.Settings.AllowScreenShare {
			return fmt.Errorf("session %s: %w", req.SessionID, ErrScreenShareDisabled)
		}
	}
	if c.devices != nil {
		d, ok := c.devices.Get(req.DeviceID)
		if !ok || !d.Online() {
			return fmt.Errorf("device %s: %w", req.DeviceID, device.ErrDeviceNotFound)
		}
		if !d.Info.Capabilities.ScreenShare {
			return fmt.Errorf("device %s: %w", req.DeviceID, ErrNotCapable)
		}
	}
	return nil
}

// Stop ends the session's active share. It is a no-op when nothing is active.
func (c *Coordinator) Stop(sessionID string) bool {
	b, ok := c.existing(sessionID)
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.stopLocked(sessionID, b, ReasonStopped)
}

func (c *Coordinator) stopLocked(sessionID string, b *sessionShare, reason string) bool {
	if b.share == nil || !b.share.active {
		return false
	}
	snap := b.share.snapshot(sessionID)
	b.share.active = false
	b.share.viewers = make(map[string]struct{})
	snap.Active = false

	c.announcer.Announce(sessionID, protocol.TypeScreenShareStopped, Event{Share: snap, Reason: reason})
	c.logger.Info("screen share stopped", "session", sessionID, "presenter", snap.PresenterDeviceID, "reason", reason)
	return true
}

// Subscribe adds a viewer to the active share
func (c *Coordinator) Subscribe(sessionID, viewerDeviceID string) (Share, error) {
	b, ok := c.existing(sessionID)
	if !ok {
		return Share{}, fmt.Errorf("session %s: %w", sessionID, ErrNoActiveShare)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.share == nil || !b.share.active {
		return Share{}, fmt.Errorf("session %s: %w", sessionID, ErrNoActiveShare)
	}
	if viewerDeviceID != b.share.presenter {
		b.share.viewers[viewerDeviceID] = struct{}{}
	}
	return b.share.snapshot(sessionID), nil
}

// Unsubscribe removes a viewer; unknown viewers are ignored
func (c *Coordinator) Unsubscribe(sessionID, viewerDeviceID string) {
	b, ok := c.existing(sessionID)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.share != nil {
		delete(b.share.viewers, viewerDeviceID)
	}
}

// DeviceGone drops a disconnected device: viewers are unsubscribed and a
// departing presenter ends the share
func (c *Coordinator) DeviceGone(sessionID, deviceID string) {
	b, ok := c.existing(sessionID)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.share == nil {
		return
	}
	if b.share.active && b.share.presenter == deviceID {
		c.stopLocked(sessionID, b, ReasonPresenterLeft)
		return
	}
	delete(b.share.viewers, deviceID)
}

// Active returns the session's active share, if any
func (c *Coordinator) Active(sessionID string) (Share, bool) {
	b, ok := c.existing(sessionID)
	if !ok {
		return Share{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.share == nil || !b.share.active {
		return Share{}, false
	}
	return b.share.snapshot(sessionID), true
}

// IsPresenter reports whether the device holds the session's active share
func (c *Coordinator) IsPresenter(sessionID, deviceID string) bool {
	s, ok := c.Active(sessionID)
	return ok && s.PresenterDeviceID == deviceID
}

// EndSession forgets all share state of a session without announcing
func (c *Coordinator) EndSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

func (s *share) snapshot(sessionID string) Share {
	viewers := make([]string, 0, len(s.viewers))
	for v := range s.viewers {
		viewers = append(viewers, v)
	}
	sort.Strings(viewers)
	return Share{
		ID:                s.id,
		SessionID:         sessionID,
		PresenterDeviceID: s.presenter,
		Quality:           s.quality,
		Viewers:           viewers,
		Active:            s.active,
		StartedAt:         s.startedAt,
	}
}
