package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/liveclass/pkg/analytics"
	"github.com/tomaslejdung/liveclass/pkg/control"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
	"github.com/tomaslejdung/liveclass/pkg/session"
)

type trackerFunc func(analytics.Event)

func (f trackerFunc) Track(ev analytics.Event) { f(ev) }

type tracked struct {
	mu     sync.Mutex
	events []analytics.Event
}

func (tr *tracked) Track(ev analytics.Event) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, ev)
}

func (tr *tracked) named(name string) []analytics.Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []analytics.Event
	for _, ev := range tr.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestHubReportsAnalytics(t *testing.T) {
	tr := &tracked{}
	h := newTrackedHub(t, tr)
	h.createSession(t, "class-1")
	_, err := h.sessions.Transition("class-1", session.EventStart)
	require.NoError(t, err)

	teacher := h.dial(t)
	teacher.register("class-1", "teacher", "teacher-laptop", true)
	student := h.dial(t)
	student.register("class-1", "alice", "device-a", true)

	student.frame(protocol.TypeScreenShareStart, "class-1", protocol.ScreenShareStart{})
	teacher.expect(protocol.TypeScreenShareStarted)
	student.frame(protocol.TypeScreenShareStop, "class-1", nil)
	teacher.expect(protocol.TypeScreenShareStopped)

	teacher.frame(protocol.TypeDeviceControl, "class-1", protocol.DeviceControl{Action: "unlock_screen"})
	teacher.expect(protocol.TypeControlAck)

	student.frame(protocol.TypeLeave, "class-1", nil)
	teacher.expect(protocol.TypeParticipantLeft)

	assert.Len(t, tr.named(analytics.ParticipantJoined), 2)
	left := tr.named(analytics.ParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "device-a", left[0].DeviceID)
	assert.Equal(t, ReasonLeave, left[0].Attrs["reason"])

	require.Len(t, tr.named(analytics.ScreenShareStarted), 1)
	require.Len(t, tr.named(analytics.ScreenShareStopped), 1)

	cmds := tr.named(analytics.ControlDispatched)
	require.Len(t, cmds, 1)
	assert.Equal(t, "unlock_screen", cmds[0].Attrs["action"])
	assert.Equal(t, 1, cmds[0].Attrs["delivered"])
}

func TestCommandUnreachableTarget(t *testing.T) {
	var names []string
	h := newTrackedHub(t, trackerFunc(func(ev analytics.Event) { names = append(names, ev.Name) }))
	h.createSession(t, "class-1")

	cmd, err := control.NewCommand("class-1", "ghost", "unlock_screen", nil, "teacher")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results, err := h.hub.Command(ctx, cmd)
	assert.ErrorIs(t, err, control.ErrDeviceUnreachable)
	require.Len(t, results, 1)
	assert.Equal(t, control.StatusUnreachable, results[0].Status)
	assert.Equal(t, []string{analytics.ControlDispatched}, names)
}
