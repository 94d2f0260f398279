package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/liveclass/pkg/client"
	"github.com/tomaslejdung/liveclass/pkg/control"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
	"github.com/tomaslejdung/liveclass/pkg/screenshare"
	"github.com/tomaslejdung/liveclass/pkg/session"
	"github.com/tomaslejdung/liveclass/pkg/signal"
)

type sent struct {
	t    protocol.MessageType
	data map[string]any
}

type fakeConn struct {
	frames []sent
	left   bool
	err    error
}

func (f *fakeConn) Send(t protocol.MessageType, data any) error {
	if f.err != nil {
		return f.err
	}
	raw, _ := json.Marshal(data)
	m := map[string]any{}
	_ = json.Unmarshal(raw, &m)
	f.frames = append(f.frames, sent{t: t, data: m})
	return nil
}

func (f *fakeConn) Leave() { f.left = true }

type fakeLifecycle struct {
	events []session.Event
}

func (f *fakeLifecycle) Transition(_ context.Context, _ string, ev session.Event) (session.Status, error) {
	f.events = append(f.events, ev)
	return "", nil
}

func frame(t *testing.T, typ protocol.MessageType, payload any) envelopeMsg {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, "class-1", payload)
	require.NoError(t, err)
	return envelopeMsg(env)
}

func press(m model, key string) (model, tea.Cmd) {
	var msg tea.KeyMsg
	switch key {
	case "down":
		msg = tea.KeyMsg{Type: tea.KeyDown}
	case "tab":
		msg = tea.KeyMsg{Type: tea.KeyTab}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	next, cmd := m.Update(msg)
	return next.(model), cmd
}

func registeredModel(t *testing.T) (model, *fakeConn, *fakeLifecycle) {
	t.Helper()
	conn := &fakeConn{}
	lc := &fakeLifecycle{}
	m := initialModel(Config{SessionID: "class-1", UserID: "teacher", DeviceID: "teacher-laptop", Quality: "high"}, conn, lc)

	next, _ := m.Update(frame(t, protocol.TypeRegistered, signal.Registered{
		Participant: signal.Participant{UserID: "teacher", DeviceID: "teacher-laptop", Role: signal.RoleTeacher},
		Session:     session.LiveSession{ID: "class-1", Title: "Fractions", Status: session.StatusLive},
		Participants: []signal.Participant{
			{UserID: "bob", DeviceID: "device-b", Role: signal.RoleStudent},
			{UserID: "alice", DeviceID: "device-a", Role: signal.RoleStudent},
		},
	}))
	return next.(model), conn, lc
}

func TestRosterFollowsEvents(t *testing.T) {
	m, _, _ := registeredModel(t)

	list := m.roster.list()
	require.Len(t, list, 3)
	assert.Equal(t, "teacher-laptop", list[0].DeviceID, "teacher first")
	assert.Equal(t, "device-a", list[1].DeviceID)

	next, _ := m.Update(frame(t, protocol.TypeScreenShareStarted, screenshare.Event{
		Share: screenshare.Share{PresenterDeviceID: "device-a", Quality: "high", Active: true},
	}))
	m = next.(model)
	assert.True(t, m.roster.presenting("device-a"))

	next, _ = m.Update(frame(t, protocol.TypeParticipantLeft, signal.ParticipantEvent{
		Participant: signal.Participant{UserID: "alice", DeviceID: "device-a"},
		Reason:      signal.ReasonTimeout,
	}))
	m = next.(model)
	next, _ = m.Update(frame(t, protocol.TypeScreenShareStopped, screenshare.Event{Reason: screenshare.ReasonPresenterLeft}))
	m = next.(model)
	assert.Len(t, m.roster.participants, 2)
	assert.Nil(t, m.roster.share)

	next, _ = m.Update(frame(t, protocol.TypeSessionStatusChanged, signal.StatusChange{
		Status: session.StatusPaused, Previous: session.StatusLive, Event: session.EventPause,
	}))
	m = next.(model)
	assert.Equal(t, session.StatusPaused, m.roster.session.Status)

	next, _ = m.Update(frame(t, protocol.TypeError, protocol.ErrorPayload{Code: protocol.CodeAlreadySharing, Message: "busy"}))
	m = next.(model)
	assert.Equal(t, "already_sharing: busy", m.lastError)
	assert.NotEmpty(t, m.roster.activity)
	assert.LessOrEqual(t, len(m.roster.activity), maxActivity)
}

func TestControlKeys(t *testing.T) {
	m, conn, _ := registeredModel(t)

	// cursor starts on the teacher's own device
	m, _ = press(m, "l")
	assert.Empty(t, conn.frames)
	assert.Contains(t, m.lastError, "student")

	m, _ = press(m, "down")
	m, _ = press(m, "l")
	require.Len(t, conn.frames, 1)
	assert.Equal(t, protocol.TypeDeviceControl, conn.frames[0].t)
	assert.Equal(t, "device-a", conn.frames[0].data["targetDeviceId"])
	assert.Equal(t, "lock_screen", conn.frames[0].data["action"])

	m, _ = press(m, "U")
	_, hasTarget := conn.frames[1].data["targetDeviceId"]
	assert.False(t, hasTarget, "bulk commands carry no target")

	next, _ := m.Update(frame(t, protocol.TypeControlAck, signal.ControlAck{
		Action:  control.ActionLockScreen,
		Results: []control.Result{{DeviceID: "device-a", Status: control.StatusDelivered}},
	}))
	m = next.(model)
	assert.True(t, m.roster.locked["device-a"])

	m, _ = press(m, "f")
	last := conn.frames[len(conn.frames)-1]
	assert.Equal(t, protocol.TypeScreenShareStart, last.t)
	assert.Equal(t, true, last.data["force"])
	assert.Equal(t, "high", last.data["quality"])

	conn.err = errors.New("connection lost")
	m, _ = press(m, "S")
	assert.Contains(t, m.lastError, "connection lost")

	_, cmd := press(m, "q")
	assert.True(t, conn.left)
	require.NotNil(t, cmd)
}

func TestLifecycleKeys(t *testing.T) {
	m, _, lc := registeredModel(t)

	_, cmd := press(m, "p")
	require.NotNil(t, cmd)
	cmd()

	m.roster.session.Status = session.StatusPaused
	_, cmd = press(m, "p")
	cmd()
	_, cmd = press(m, "e")
	cmd()

	assert.Equal(t, []session.Event{session.EventPause, session.EventResume, session.EventEnd}, lc.events)
}

func TestStateAndDone(t *testing.T) {
	m, _, _ := registeredModel(t)
	next, _ := m.Update(stateMsg(client.StateBackoff))
	m = next.(model)
	assert.Contains(t, m.View(), "RECONNECTING")

	next, _ = m.Update(runDoneMsg{err: errors.New("gave up")})
	m = next.(model)
	assert.True(t, m.finished)
	assert.Contains(t, m.View(), "gave up")
}
