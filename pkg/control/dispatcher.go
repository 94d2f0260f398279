package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tomaslejdung/liveclass/pkg/metrics"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
)

// ErrDeviceUnreachable is returned when the target has no live connection
var ErrDeviceUnreachable = errors.New("device unreachable")

// DeliveryStatus is the outcome of one dispatch
type DeliveryStatus string

const (
	StatusDelivered   DeliveryStatus = "delivered"
	StatusUnreachable DeliveryStatus = "unreachable"
)

// Conn is a live connection able to take an outbound frame
type Conn interface {
	Send(env protocol.Envelope) error
}

// Router resolves devices to their live connections
type Router interface {
	// Lookup returns the connection currently owned by the device within the session
	Lookup(sessionID, deviceID string) (Conn, bool)
	// BulkTargets returns the session's currently connected devices that
	// bulk commands apply to. The session teacher's own devices are excluded.
	BulkTargets(sessionID string) []string
}

// ControlState records which devices are under control
type ControlState interface {
	SetControlled(deviceID, by string) error
	ReleaseControl(deviceID string) error
}

// Command is an ephemeral, fire-and-forget instruction
type Command struct {
	SessionID      string    `json:"sessionId"`
	TargetDeviceID string    `json:"targetDeviceId,omitempty"`
	Action         Action    `json:"action"`
	Data           any       `json:"data,omitempty"`
	IssuedBy       string    `json:"issuedBy"`
	IssuedAt       time.Time `json:"issuedAt"`
}

// Result is the per-device delivery outcome
type Result struct {
	DeviceID string         `json:"deviceId"`
	Status   DeliveryStatus `json:"status"`
	Error    string         `json:"error,omitempty"`
}

// NewCommand validates the action and builds a command
func NewCommand(sessionID, target, action string, data json.RawMessage, issuedBy string) (Command, error) {
	a, payload, err := ParseAction(action, data)
	if err != nil {
		return Command{}, err
	}
	return Command{
		SessionID:      sessionID,
		TargetDeviceID: strings.TrimSpace(target),
		Action:         a,
		Data:           payload,
		IssuedBy:       issuedBy,
		IssuedAt:       time.Now(),
	}, nil
}

// Dispatcher routes control commands to the connection owned by a device.
// Nothing is retried or queued.
type Dispatcher struct {
	router Router
	state  ControlState
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(router Router, state ControlState, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{router: router, state: state, logger: logger}
}

// Dispatch sends cmd to cmd.TargetDeviceID
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	res := d.deliver(ctx, cmd, cmd.TargetDeviceID)
	if res.Status != StatusDelivered {
		return res, fmt.Errorf("device %s: %w", cmd.TargetDeviceID, ErrDeviceUnreachable)
	}
	return res, nil
}

// DispatchAll sends cmd independently to every bulk target of the
// session. A failed device never affects the others.
func (d *Dispatcher) DispatchAll(ctx context.Context, cmd Command) []Result {
	targets := d.router.BulkTargets(cmd.SessionID)
	results := make([]Result, 0, len(targets))
	for _, id := range targets {
		results = append(results, d.deliver(ctx, cmd, id))
	}
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, cmd Command, deviceID string) (res Result) {
	res = Result{DeviceID: deviceID, Status: StatusUnreachable}
	defer func() {
		metrics.Commands.WithLabelValues(string(cmd.Action), string(res.Status)).Inc()
	}()

	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res
	}
	if deviceID == "" {
		res.Error = "no target device"
		return res
	}
	conn, ok := d.router.Lookup(cmd.SessionID, deviceID)
	if !ok {
		res.Error = ErrDeviceUnreachable.Error()
		return res
	}

	target := cmd
	target.TargetDeviceID = deviceID
	env, err := protocol.NewEnvelope(protocol.TypeDeviceControl, cmd.SessionID, target)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	env.DeviceID = deviceID

	if err := conn.Send(env); err != nil {
		d.logger.Debug("control send failed", "device", deviceID, "action", cmd.Action, "error", err)
		res.Error = ErrDeviceUnreachable.Error()
		return res
	}

	res.Status = StatusDelivered
	d.applyControlState(cmd, deviceID)
	d.logger.Info("control command delivered",
		"session", cmd.SessionID, "device", deviceID, "action", cmd.Action, "issued_by", cmd.IssuedBy)
	return res
}

// applyControlState mirrors lock/remote-control actions into the device registry
func (d *Dispatcher) applyControlState(cmd Command, deviceID string) {
	if d.state == nil {
		return
	}
	var err error
	switch cmd.Action {
	case ActionLockScreen:
		err = d.state.SetControlled(deviceID, cmd.IssuedBy)
	case ActionUnlockScreen:
		err = d.state.ReleaseControl(deviceID)
	case ActionEnableRemoteControl:
		if rc, ok := cmd.Data.(RemoteControl); ok && rc.Enabled {
			err = d.state.SetControlled(deviceID, cmd.IssuedBy)
		} else {
			err = d.state.ReleaseControl(deviceID)
		}
	}
	if err != nil {
		d.logger.Warn("control state update failed", "device", deviceID, "action", cmd.Action, "error", err)
	}
}
