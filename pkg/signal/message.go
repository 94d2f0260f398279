package signal

import (
	"time"

	"github.com/tomaslejdung/liveclass/pkg/control"
	"github.com/tomaslejdung/liveclass/pkg/device"
	"github.com/tomaslejdung/liveclass/pkg/screenshare"
	"github.com/tomaslejdung/liveclass/pkg/session"
)

// Role of a participant within a session
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Release reasons, carried in participant_left and the releases metric
const (
	ReasonLeave         = "leave"
	ReasonTransport     = "transport_closed"
	ReasonTimeout       = "heartbeat_timeout"
	ReasonSlowConsumer  = "slow_consumer"
	ReasonProtocol      = "protocol_error"
	ReasonSessionEnded  = "session_ended"
	ReasonReplaced      = "replaced"
	ReasonServerStopped = "server_stopped"
)

// MediaState is a participant's reported media state
type MediaState struct {
	AudioMuted    bool `json:"audioMuted"`
	VideoMuted    bool `json:"videoMuted"`
	ScreenSharing bool `json:"screenSharing"`
}

// Participant is the session-level view of one connected device
type Participant struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	DeviceID          string     `json:"deviceId"`
	Role              Role       `json:"role"`
	MediaState        MediaState `json:"mediaState"`
	ConnectionQuality string     `json:"connectionQuality"`
	LastActivityAt    time.Time  `json:"lastActivityAt"`
}

// Registered is sent directly to a device once its handshake succeeds.
// Participants lists the other devices already in the session.
type Registered struct {
	Participant         Participant         `json:"participant"`
	Session             session.LiveSession `json:"session"`
	Participants        []Participant       `json:"participants"`
	ActiveShare         *screenshare.Share  `json:"activeShare,omitempty"`
	HeartbeatIntervalMs int64               `json:"heartbeatIntervalMs"`
	TimeoutMs           int64               `json:"timeoutMs"`
}

// ParticipantEvent is the payload of participant_joined and participant_left
type ParticipantEvent struct {
	Participant Participant  `json:"participant"`
	Device      *device.Info `json:"deviceInfo,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// StatusChange is the payload of session_status_changed
type StatusChange struct {
	Status    session.Status `json:"status"`
	Previous  session.Status `json:"previous"`
	Event     session.Event  `json:"event"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
}

// ControlAck reports per-device delivery of a device_control request
type ControlAck struct {
	Action  control.Action   `json:"action"`
	Results []control.Result `json:"results"`
}
