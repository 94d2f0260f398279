package screenshare

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/liveclass/pkg/device"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
	"github.com/tomaslejdung/liveclass/pkg/session"
)

type announced struct {
	sessionID string
	t         protocol.MessageType
	event     Event
}

type recorder struct {
	mu     sync.Mutex
	events []announced
}

func (r *recorder) Announce(sessionID string, t protocol.MessageType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, announced{sessionID: sessionID, t: t, event: payload.(Event)})
}

func (r *recorder) types() []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MessageType, len(r.events))
	for i, e := range r.events {
		out[i] = e.t
	}
	return out
}

type fixture struct {
	coord    *Coordinator
	rec      *recorder
	sessions *session.Registry
	devices  *device.Registry
	session  session.LiveSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sessions := session.NewRegistry()
	s, err := sessions.Create(session.LiveSession{ID: "s1", TeacherID: "teacher", Settings: session.DefaultSettings()})
	require.NoError(t, err)
	_, err = sessions.Transition(s.ID, session.EventStart)
	require.NoError(t, err)

	devices := device.NewRegistry(device.Config{}, nil)
	for _, id := range []string{"a", "b", "c"} {
		devices.Register(device.Device{
			ID:        id,
			SessionID: "s1",
			Info:      device.Info{Type: "desktop", Capabilities: device.Capabilities{ScreenShare: true}},
		})
	}
	devices.Register(device.Device{ID: "phone", SessionID: "s1", Info: device.Info{Type: "phone"}})

	rec := &recorder{}
	ice := []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	return &fixture{
		coord:    NewCoordinator(rec, sessions, devices, ice, nil),
		rec:      rec,
		sessions: sessions,
		devices:  devices,
		session:  s,
	}
}

func TestStartAndConflict(t *testing.T) {
	f := newFixture(t)

	share, err := f.coord.Start(StartRequest{SessionID: "s1", DeviceID: "a", Quality: "hi"})
	require.NoError(t, err)
	assert.True(t, share.Active)
	assert.Equal(t, "a", share.PresenterDeviceID)
	assert.Equal(t, "high", share.Quality)

	_, err = f.coord.Start(StartRequest{SessionID: "s1", DeviceID: "b"})
	assert.ErrorIs(t, err, ErrAlreadySharing)

	active, ok := f.coord.Active("s1")
	require.True(t, ok)
	assert.Equal(t, "a", active.PresenterDeviceID)

	require.Len(t, f.rec.events, 1)
	started := f.rec.events[0].event
	assert.Equal(t, 3000, started.Bitrate)
	require.Len(t, started.ICEServers, 1)
}

func TestForcePreemptsPresenter(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Start(StartRequest{SessionID: "s1", DeviceID: "a"})
	require.NoError(t, err)
	_, err = f.coord.Subscribe("s1", "c")
	require.NoError(t, err)

	share, err := f.coord.Start(StartRequest{SessionID: "s1", DeviceID: "b", Force: true})
	require.NoError(t, err)
	assert.Equal(t, "b", share.PresenterDeviceID)
	assert.Empty(t, share.Viewers)

	assert.Equal(t, []protocol.MessageType{
		protocol.TypeScreenShareStarted,
		protocol.TypeScreenShareStopped,
		protocol.TypeScreenShareStarted,
	}, f.rec.types())

	stopped := f.rec.events[1].event
	assert.Equal(t, "a", stopped.PresenterDeviceID)
	assert.Equal(t, ReasonPreempted, stopped.Reason)
	assert.Equal(t, []string{"c"}, stopped.Viewers)
	assert.True(t, f.rec.events[2].event.Forced)
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make(chan error, 3)
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.coord.Start(StartRequest{SessionID: "s1", DeviceID: id})
			results <- err
		}(id)
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadySharing)
		conflicts++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 2, conflicts)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.coord.Stop("s1"))

	_, err := f.coord.Start(StartRequest{SessionID: "s1", DeviceID: "a"})
	require.NoError(t, err)
	_, err = f.coord.Subscribe("s1", "b")
	require.NoError(t, err)

	assert.True(t, f.coord.Stop("s1"))
	assert.False(t, f.coord.Stop("s1"))

	_, ok := f.coord.Active("s1")
	assert.False(t, ok)
	assert.Equal(t, []protocol.MessageType{protocol.TypeScreenShareStarted, protocol.TypeScreenShareStopped}, f.rec.types())

	// viewer set is cleared
	_, err = f.coord.Start(StartRequest{SessionID: "s1", DeviceID: "c"})
	require.NoError(t, err)
	active, _ := f.coord.Active("s1")
	assert.Empty(t, active.Viewers)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Subscribe("s1", "b")
	assert.ErrorIs(t, err, ErrNoActiveShare)

	_, err = f.coord.Start(StartRequest{SessionID: "s1", DeviceID: "a"})
	require.NoError(t, err)

	share, err := f.coord.Subscribe("s1", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, share.Viewers)

	share, err = f.coord.Subscribe("s1", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, share.Viewers, "presenter is never its own viewer")

	f.coord.Unsubscribe("s1", "b")
	f.coord.Unsubscribe("s1", "nobody")
	active, _ := f.coord.Active("s1")
	assert.Empty(t, active.Viewers)
}

func TestDeviceGone(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Start(StartRequest{SessionID: "s1", DeviceID: "a"})
	require.NoError(t, err)
	_, err = f.coord.Subscribe("s1", "b")
	require.NoError(t, err)

	f.coord.DeviceGone("s1", "b")
	active, _ := f.coord.Active("s1")
	assert.Empty(t, active.Viewers)

	f.coord.DeviceGone("s1", "a")
	_, ok := f.coord.Active("s1")
	assert.False(t, ok)
	last := f.rec.events[len(f.rec.events)-1]
	assert.Equal(t, protocol.TypeScreenShareStopped, last.t)
	assert.Equal(t, ReasonPresenterLeft, last.event.Reason)
}

func TestStartPolicy(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Start(StartRequest{SessionID: "s1", DeviceID: "phone"})
	assert.ErrorIs(t, err, ErrNotCapable)

	_, err = f.coord.Start(StartRequest{SessionID: "s1", DeviceID: "ghost"})
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)

	_, err = f.coord.Start(StartRequest{SessionID: "nope", DeviceID: "a"})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = f.sessions.Transition("s1", session.EventPause)
	require.NoError(t, err)
	_, err = f.coord.Start(StartRequest{SessionID: "s1", DeviceID: "a"})
	assert.ErrorIs(t, err, ErrSessionNotLive)

	noShare := session.DefaultSettings()
	noShare.AllowScreenShare = false
	_, err = f.sessions.Create(session.LiveSession{ID: "s2", TeacherID: "t", Settings: noShare})
	require.NoError(t, err)
	_, err = f.sessions.Transition("s2", session.EventStart)
	require.NoError(t, err)
	_, err = f.coord.Start(StartRequest{SessionID: "s2", DeviceID: "a"})
	assert.ErrorIs(t, err, ErrScreenShareDisabled)
}

func TestNormalizeQuality(t *testing.T) {
	assert.Equal(t, DefaultQuality, NormalizeQuality(""))
	assert.Equal(t, "low", NormalizeQuality("LO"))
	assert.Equal(t, "1080p60", NormalizeQuality(" 1080p60 "))
	assert.Equal(t, 0, BitrateFor("1080p60"))
	assert.Equal(t, 1500, BitrateFor("med"))
}

// endingSessions reports the session live once, then archived, the way a
// Start that races the session's end observes it
type endingSessions struct {
	mu   sync.Mutex
	live session.LiveSession
	gets int
}

func (e *endingSessions) Get(id string) (session.LiveSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gets++
	if e.gets == 1 {
		return e.live, nil
	}
	return session.LiveSession{}, session.ErrSessionNotFound
}

func TestStartRacingSessionEndLeavesNoShare(t *testing.T) {
	f := newFixture(t)
	live, err := f.sessions.Get("s1")
	require.NoError(t, err)
	rec := &recorder{}
	coord := NewCoordinator(rec, &endingSessions{live: live}, f.devices, nil, nil)

	_, err = coord.Start(StartRequest{SessionID: "s1", DeviceID: "a"})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, ok := coord.Active("s1")
	assert.False(t, ok)
	_, kept := coord.existing("s1")
	assert.False(t, kept, "no bucket survives for an archived session")
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeScreenShareStarted,
		protocol.TypeScreenShareStopped,
	}, rec.types())
}
