package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tomaslejdung/liveclass/pkg/control"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
	"github.com/tomaslejdung/liveclass/pkg/screenshare"
	"github.com/tomaslejdung/liveclass/pkg/session"
	"github.com/tomaslejdung/liveclass/pkg/signal"
)

const maxActivity = 8

// roster is the console's view of the session, rebuilt from hub events
type roster struct {
	self         signal.Participant
	session      session.LiveSession
	participants map[string]signal.Participant
	share        *screenshare.Share
	locked       map[string]bool
	activity     []string
}

func newRoster() *roster {
	return &roster{
		participants: make(map[string]signal.Participant),
		locked:       make(map[string]bool),
	}
}

func (r *roster) note(format string, args ...any) {
	line := time.Now().Format("15:04:05") + "  " + fmt.Sprintf(format, args...)
	r.activity = append(r.activity, line)
	if len(r.activity) > maxActivity {
		r.activity = r.activity[len(r.activity)-maxActivity:]
	}
}

// apply folds one frame into the roster. It returns the message of an
// error frame, if that is what env was.
func (r *roster) apply(env protocol.Envelope) (string, error) {
	switch env.Type {
	case protocol.TypeRegistered:
		var reg signal.Registered
		if err := json.Unmarshal(env.Data, &reg); err != nil {
			return "", err
		}
		r.self = reg.Participant
		r.session = reg.Session
		r.share = reg.ActiveShare
		r.participants = make(map[string]signal.Participant, len(reg.Participants)+1)
		for _, p := range reg.Participants {
			r.participants[p.DeviceID] = p
		}
		r.participants[reg.Participant.DeviceID] = reg.Participant
		r.note("joined %s as %s", reg.Session.ID, reg.Participant.Role)

	case protocol.TypeParticipantJoined, protocol.TypeParticipantLeft:
		var ev signal.ParticipantEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return "", err
		}
		p := ev.Participant
		if env.Type == protocol.TypeParticipantJoined {
			r.participants[p.DeviceID] = p
			r.note("%s joined (%s)", p.UserID, p.DeviceID)
		} else {
			delete(r.participants, p.DeviceID)
			delete(r.locked, p.DeviceID)
			r.note("%s left: %s", p.UserID, ev.Reason)
		}

	case protocol.TypeScreenShareStarted:
		var ev screenshare.Event
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return "", err
		}
		share := ev.Share
		r.share = &share
		r.note("%s is presenting (%s)", ev.PresenterDeviceID, ev.Quality)

	case protocol.TypeScreenShareStopped:
		var ev screenshare.Event
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return "", err
		}
		r.share = nil
		r.note("presentation stopped: %s", ev.Reason)

	case protocol.TypeSessionStatusChanged:
		var ev signal.StatusChange
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return "", err
		}
		r.session.Status = ev.Status
		r.session.StartedAt = ev.StartedAt
		r.session.EndedAt = ev.EndedAt
		r.note("session %s -> %s", ev.Previous, ev.Status)

	case protocol.TypeControlAck:
		var ack signal.ControlAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return "", err
		}
		delivered := 0
		for _, res := range ack.Results {
			if res.Status != control.StatusDelivered {
				continue
			}
			delivered++
			switch ack.Action {
			case control.ActionLockScreen:
				r.locked[res.DeviceID] = true
			case control.ActionUnlockScreen:
				delete(r.locked, res.DeviceID)
			}
		}
		r.note("%s delivered to %d/%d", ack.Action, delivered, len(ack.Results))

	case protocol.TypeDeviceControl:
		var cmd control.Command
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return "", err
		}
		r.note("received %s from %s", cmd.Action, cmd.IssuedBy)

	case protocol.TypeError:
		var e protocol.ErrorPayload
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return "", err
		}
		r.note("error: %s", e.Code)
		return fmt.Sprintf("%s: %s", e.Code, e.Message), nil
	}
	return "", nil
}

// list returns participants with the teacher first, then by device
func (r *roster) list() []signal.Participant {
	out := make([]signal.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role == signal.RoleTeacher
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

func (r *roster) presenting(deviceID string) bool {
	return r.share != nil && r.share.PresenterDeviceID == deviceID
}
