package device

import (
	"errors"
	"time"
)

var (
	// ErrDeviceNotFound is returned for unknown device IDs
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceDisconnected is returned when a disconnected device sends a heartbeat
	ErrDeviceDisconnected = errors.New("device disconnected")
)

// Status is the liveness state of a device
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusControlled   Status = "controlled"
)

// Capabilities of a device
type Capabilities struct {
	Camera        bool `json:"camera"`
	Microphone    bool `json:"microphone"`
	ScreenShare   bool `json:"screenShare"`
	RemoteControl bool `json:"remoteControl"`
}

// Info describes the endpoint hardware/software
type Info struct {
	Type         string       `json:"type"`
	Platform     string       `json:"platform"`
	Capabilities Capabilities `json:"capabilities"`
}

// Device is one connected client endpoint bound to a user within a session.
// Epoch increases on every registration; a disconnection is only applied
// to the epoch it was observed in.
type Device struct {
	ID              string    `json:"deviceId"`
	SessionID       string    `json:"sessionId"`
	UserID          string    `json:"userId"`
	TenantID        string    `json:"tenantId,omitempty"`
	Info            Info      `json:"deviceInfo"`
	Status          Status    `json:"status"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	ControlledBy    string    `json:"controlledBy,omitempty"`
	Epoch           uint64    `json:"-"`
}

// Online reports whether the device currently counts as connected
func (d Device) Online() bool {
	return d.Status == StatusConnected || d.Status == StatusControlled
}
