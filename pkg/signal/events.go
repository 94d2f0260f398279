package signal

import (
	"context"

	"github.com/tomaslejdung/liveclass/pkg/analytics"
	"github.com/tomaslejdung/liveclass/pkg/control"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
	"github.com/tomaslejdung/liveclass/pkg/screenshare"
)

// Announce publishes a session event to every connection of the session
// and forwards participant and share events to analytics
func (s *Server) Announce(sessionID string, t protocol.MessageType, payload any) {
	defer s.broadcaster.Announce(sessionID, t, payload)

	ev := analytics.Event{SessionID: sessionID}
	switch p := payload.(type) {
	case ParticipantEvent:
		ev.DeviceID = p.Participant.DeviceID
		ev.UserID = p.Participant.UserID
		ev.Attrs = map[string]any{"role": string(p.Participant.Role)}
		if t == protocol.TypeParticipantLeft {
			ev.Name = analytics.ParticipantLeft
			ev.Attrs["reason"] = p.Reason
		} else {
			ev.Name = analytics.ParticipantJoined
		}
	case screenshare.Event:
		ev.DeviceID = p.PresenterDeviceID
		ev.Attrs = map[string]any{"share": p.ID, "quality": p.Quality}
		if t == protocol.TypeScreenShareStopped {
			ev.Name = analytics.ScreenShareStopped
			ev.Attrs["reason"] = p.Reason
			ev.Attrs["viewers"] = len(p.Viewers)
		} else {
			ev.Name = analytics.ScreenShareStarted
			ev.Attrs["forced"] = p.Forced
		}
	default:
		return
	}
	s.analytics.Track(ev)
}

// Command delivers a control command to its target, or to every bulk
// target when it has none. A single unreachable target returns its
// result together with control.ErrDeviceUnreachable.
func (s *Server) Command(ctx context.Context, cmd control.Command) ([]control.Result, error) {
	var (
		results []control.Result
		err     error
	)
	if cmd.TargetDeviceID == "" {
		results = s.dispatcher.DispatchAll(ctx, cmd)
	} else {
		var res control.Result
		res, err = s.dispatcher.Dispatch(ctx, cmd)
		results = []control.Result{res}
	}

	delivered := 0
	for _, r := range results {
		if r.Status == control.StatusDelivered {
			delivered++
		}
	}
	s.analytics.Track(analytics.Event{
		Name:      analytics.ControlDispatched,
		SessionID: cmd.SessionID,
		DeviceID:  cmd.TargetDeviceID,
		UserID:    cmd.IssuedBy,
		Attrs: map[string]any{
			"action":    string(cmd.Action),
			"targets":   len(results),
			"delivered": delivered,
		},
	})
	return results, err
}
