package signal

import (
	"errors"

	"github.com/tomaslejdung/liveclass/pkg/control"
	"github.com/tomaslejdung/liveclass/pkg/device"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
	"github.com/tomaslejdung/liveclass/pkg/screenshare"
	"github.com/tomaslejdung/liveclass/pkg/session"
)

// ErrorCode maps an operation error to the code carried in an error frame
// and in REST error bodies
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrProtocol):
		return protocol.CodeProtocol
	case errors.Is(err, session.ErrInvalidStateTransition),
		errors.Is(err, screenshare.ErrSessionNotLive):
		return protocol.CodeInvalidStateTransition
	case errors.Is(err, control.ErrDeviceUnreachable):
		return protocol.CodeDeviceUnreachable
	case errors.Is(err, screenshare.ErrAlreadySharing):
		return protocol.CodeAlreadySharing
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, device.ErrDeviceDisconnected),
		errors.Is(err, screenshare.ErrNoActiveShare):
		return protocol.CodeNotFound
	case errors.Is(err, ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, control.ErrInvalidAction):
		return protocol.CodeInvalidAction
	case errors.Is(err, screenshare.ErrNotCapable):
		return protocol.CodeNotCapable
	case errors.Is(err, screenshare.ErrScreenShareDisabled):
		return protocol.CodeScreenShareDisabled
	case errors.Is(err, ErrSessionEnded):
		return protocol.CodeSessionEnded
	}
	return protocol.CodeInternal
}
