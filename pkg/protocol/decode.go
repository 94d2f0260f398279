package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol marks a malformed or unknown frame
var ErrProtocol = errors.New("protocol error")

// MaxIDLength bounds session, user, device and tenant identifiers
const MaxIDLength = 128

// Decode parses one inbound frame into its envelope and typed variant.
// Every failure wraps ErrProtocol.
func Decode(raw []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, nil, fmt.Errorf("%w: invalid envelope: %v", ErrProtocol, err)
	}
	if env.Type == "" {
		return env, nil, fmt.Errorf("%w: missing type", ErrProtocol)
	}

	var msg Message
	var err error
	switch env.Type {
	case TypeRegister:
		msg, err = decodeRegister(env)
	case TypeHeartbeat:
		msg = Heartbeat{}
	case TypeScreenShareStart:
		var m ScreenShareStart
		err = decodeData(env, &m)
		msg = m
	case TypeScreenShareStop:
		msg = ScreenShareStop{}
	case TypeScreenShareSubscribe:
		msg = ScreenShareSubscribe{}
	case TypeScreenShareUnsubscribe:
		msg = ScreenShareUnsubscribe{}
	case TypeDeviceControl:
		var m DeviceControl
		if err = decodeData(env, &m); err == nil && strings.TrimSpace(m.Action) == "" {
			err = fmt.Errorf("%w: device_control requires an action", ErrProtocol)
		}
		msg = m
	case TypeMediaState:
		var m MediaState
		err = decodeData(env, &m)
		msg = m
	case TypeLeave:
		msg = Leave{}
	default:
		return env, nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, env.Type)
	}
	if err != nil {
		return env, nil, err
	}
	return env, msg, nil
}

func decodeRegister(env Envelope) (Register, error) {
	var reg Register
	if err := decodeData(env, &reg); err != nil {
		return reg, err
	}
	reg.SessionID = strings.TrimSpace(env.SessionID)
	reg.UserID = strings.TrimSpace(env.UserID)
	reg.DeviceID = strings.TrimSpace(env.DeviceID)
	reg.TenantID = strings.TrimSpace(reg.TenantID)

	for name, v := range map[string]string{
		"sessionId":       reg.SessionID,
		"userId":          reg.UserID,
		"deviceId":        reg.DeviceID,
		"tenantId":        reg.TenantID,
		"deviceInfo.type": reg.DeviceInfo.Type,
	} {
		if v == "" {
			return reg, fmt.Errorf("%w: register requires %s", ErrProtocol, name)
		}
		if len(v) > MaxIDLength {
			return reg, fmt.Errorf("%w: %s too long", ErrProtocol, name)
		}
	}
	return reg, nil
}

// decodeData unmarshals env.Data into v; absent data leaves v zeroed
func decodeData(env Envelope, v any) error {
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		if env.Type == TypeRegister {
			return fmt.Errorf("%w: register requires data", ErrProtocol)
		}
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: invalid %s data: %v", ErrProtocol, env.Type, err)
	}
	return nil
}
