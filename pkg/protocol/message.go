package protocol

import (
	"encoding/json"
	"time"
)

// MessageType names a frame on the duplex connection
type MessageType string

// Client → server
const (
	TypeRegister               MessageType = "register"
	TypeHeartbeat              MessageType = "heartbeat"
	TypeScreenShareStart       MessageType = "screen_share_start"
	TypeScreenShareStop        MessageType = "screen_share_stop"
	TypeScreenShareSubscribe   MessageType = "screen_share_subscribe"
	TypeScreenShareUnsubscribe MessageType = "screen_share_unsubscribe"
	TypeDeviceControl          MessageType = "device_control"
	TypeMediaState             MessageType = "media_state"
	TypeLeave                  MessageType = "leave"
)

// Server → client
const (
	TypeRegistered           MessageType = "registered"
	TypeParticipantJoined    MessageType = "participant_joined"
	TypeParticipantLeft      MessageType = "participant_left"
	TypeScreenShareStarted   MessageType = "screen_share_started"
	TypeScreenShareStopped   MessageType = "screen_share_stopped"
	TypeSessionStatusChanged MessageType = "session_status_changed"
	TypeControlAck           MessageType = "control_ack"
	TypeError                MessageType = "error"
)

// Envelope is the JSON frame exchanged in both directions.
// Timestamp is unix milliseconds.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	DeviceID  string          `json:"deviceId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Message is one of the closed set of client → server variants.
// Only Decode produces values of this type.
type Message interface {
	Type() MessageType
}

// Capabilities advertised by a device at registration
type Capabilities struct {
	Camera        bool `json:"camera"`
	Microphone    bool `json:"microphone"`
	ScreenShare   bool `json:"screenShare"`
	RemoteControl bool `json:"remoteControl"`
}

// DeviceInfo describes the connecting endpoint
type DeviceInfo struct {
	Type         string       `json:"type"`     // desktop, tablet, phone
	Platform     string       `json:"platform"` // windows, macos, ios, android, chromeos, linux
	Capabilities Capabilities `json:"capabilities"`
}

// Register is the mandatory first frame of every connection
type Register struct {
	SessionID  string     `json:"-"`
	UserID     string     `json:"-"`
	DeviceID   string     `json:"-"`
	TenantID   string     `json:"tenantId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// Heartbeat keeps a device alive
type Heartbeat struct{}

// ScreenShareStart requests presenter rights. Force preempts the
// current presenter and is honored only for the session's teacher.
type ScreenShareStart struct {
	Quality string `json:"quality"`
	Force   bool   `json:"force"`
}

// ScreenShareStop ends the active share of the session
type ScreenShareStop struct{}

// ScreenShareSubscribe adds the sender to the viewer set
type ScreenShareSubscribe struct{}

// ScreenShareUnsubscribe removes the sender from the viewer set
type ScreenShareUnsubscribe struct{}

// DeviceControl asks the server to deliver a control action.
// An empty TargetDeviceID applies the action to every connected device.
type DeviceControl struct {
	TargetDeviceID string          `json:"targetDeviceId,omitempty"`
	Action         string          `json:"action"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// MediaState reports the sender's microphone/camera state
type MediaState struct {
	AudioMuted        bool   `json:"audioMuted"`
	VideoMuted        bool   `json:"videoMuted"`
	ConnectionQuality string `json:"connectionQuality,omitempty"`
}

// Leave is an explicit disconnect
type Leave struct{}

func (Register) Type() MessageType               { return TypeRegister }
func (Heartbeat) Type() MessageType              { return TypeHeartbeat }
func (ScreenShareStart) Type() MessageType       { return TypeScreenShareStart }
func (ScreenShareStop) Type() MessageType        { return TypeScreenShareStop }
func (ScreenShareSubscribe) Type() MessageType   { return TypeScreenShareSubscribe }
func (ScreenShareUnsubscribe) Type() MessageType { return TypeScreenShareUnsubscribe }
func (DeviceControl) Type() MessageType          { return TypeDeviceControl }
func (MediaState) Type() MessageType             { return TypeMediaState }
func (Leave) Type() MessageType                  { return TypeLeave }

// ErrorPayload is the data of an error frame
type ErrorPayload struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Request MessageType `json:"request,omitempty"`
}

// Error codes carried in ErrorPayload.Code
const (
	CodeProtocol               = "protocol_error"
	CodeInvalidStateTransition = "invalid_state_transition"
	CodeDeviceUnreachable      = "device_unreachable"
	CodeAlreadySharing         = "already_sharing"
	CodeNotFound               = "not_found"
	CodeForbidden              = "forbidden"
	CodeInvalidAction          = "invalid_action"
	CodeNotCapable             = "not_capable"
	CodeScreenShareDisabled    = "screen_share_disabled"
	CodeSessionEnded           = "session_ended"
	CodeInternal               = "internal_error"
)

// NewEnvelope builds an outbound frame with data marshaled to JSON.
func NewEnvelope(t MessageType, sessionID string, data any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, err
	}
	env.Data = raw
	return env, nil
}

// Encode serializes an envelope for the wire
func Encode(env Envelope) ([]byte, error) {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(env)
}
