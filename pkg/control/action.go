package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAction is returned for unknown actions or malformed action data
var ErrInvalidAction = errors.New("invalid control action")

// Action is one of the fixed control actions
type Action string

const (
	ActionLockScreen          Action = "lock_screen"
	ActionUnlockScreen        Action = "unlock_screen"
	ActionRestrictApps        Action = "restrict_apps"
	ActionAllowApps           Action = "allow_apps"
	ActionSendMessage         Action = "send_message"
	ActionEnableRemoteControl Action = "enable_remote_control"
)

// MaxMessageLength bounds send_message bodies and lock banners
const MaxMessageLength = 2000

// LockScreen blanks the device, optionally showing a banner
type LockScreen struct {
	Message string `json:"message,omitempty"`
}

// UnlockScreen releases a lock
type UnlockScreen struct{}

// AppList names applications for restrict_apps / allow_apps
type AppList struct {
	Apps []string `json:"apps"`
}

// SendMessage pops a message on the device
type SendMessage struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

// RemoteControl toggles remote control of the device
type RemoteControl struct {
	Enabled bool `json:"enabled"`
}

// ParseAction validates the action name and decodes its data into the
// action's own type
func ParseAction(name string, data json.RawMessage) (Action, any, error) {
	a := Action(strings.TrimSpace(name))
	raw := bytes.TrimSpace(data)
	empty := len(raw) == 0 || bytes.Equal(raw, []byte("null"))

	switch a {
	case ActionLockScreen:
		var v LockScreen
		if err := decode(a, raw, empty, &v); err != nil {
			return a, nil, err
		}
		if len(v.Message) > MaxMessageLength {
			return a, nil, fmt.Errorf("%w: %s message too long", ErrInvalidAction, a)
		}
		return a, v, nil
	case ActionUnlockScreen:
		return a, UnlockScreen{}, nil
	case ActionRestrictApps, ActionAllowApps:
		var v AppList
		if err := decode(a, raw, empty, &v); err != nil {
			return a, nil, err
		}
		apps := v.Apps[:0]
		for _, app := range v.Apps {
			if app = strings.TrimSpace(app); app != "" {
				apps = append(apps, app)
			}
		}
		if len(apps) == 0 {
			return a, nil, fmt.Errorf("%w: %s requires at least one app", ErrInvalidAction, a)
		}
		v.Apps = apps
		return a, v, nil
	case ActionSendMessage:
		var v SendMessage
		if err := decode(a, raw, empty, &v); err != nil {
			return a, nil, err
		}
		if strings.TrimSpace(v.Body) == "" {
			return a, nil, fmt.Errorf("%w: %s requires a body", ErrInvalidAction, a)
		}
		if len(v.Body) > MaxMessageLength {
			return a, nil, fmt.Errorf("%w: %s body too long", ErrInvalidAction, a)
		}
		return a, v, nil
	case ActionEnableRemoteControl:
		if empty {
			return a, nil, fmt.Errorf("%w: %s requires enabled", ErrInvalidAction, a)
		}
		var v RemoteControl
		if err := decode(a, raw, empty, &v); err != nil {
			return a, nil, err
		}
		return a, v, nil
	}
	return a, nil, fmt.Errorf("%w: unknown action %q", ErrInvalidAction, name)
}

func decode(a Action, raw []byte, empty bool, v any) error {
	if empty {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidAction, a, err)
	}
	return nil
}
