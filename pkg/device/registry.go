package device

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Defaults for the heartbeat protocol
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultTimeout           = 45 * time.Second
)

// Config tunes heartbeat handling
type Config struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	Timeout           time.Duration
}

// DefaultConfig returns 15s beats, a 5s sweep and a 45s timeout
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		SweepInterval:     DefaultSweepInterval,
		Timeout:           DefaultTimeout,
	}
}

// ExpiryFunc receives devices the sweep marked disconnected
type ExpiryFunc func(Device)

// Registry tracks liveness and capabilities of every registered device
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	cfg      Config
	onExpire ExpiryFunc
	logger   *slog.Logger
	timeNow  func() time.Time
}

// NewRegistry creates a registry. Zero config fields take defaults.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * cfg.HeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		devices: make(map[string]*Device),
		cfg:     cfg,
		logger:  logger,
		timeNow: time.Now,
	}
}

// Config returns the effective heartbeat configuration
func (r *Registry) Config() Config {
	return r.cfg
}

// OnExpire sets the callback run for every device the sweep times out
func (r *Registry) OnExpire(fn ExpiryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = fn
}

// Register creates or refreshes a device entry, starting a new epoch
func (r *Registry) Register(d Device) Device {
	claimed, _ := r.Claim(d)
	dev, _ := r.Activate(claimed.ID, claimed.Epoch)
	return dev
}

// Claim starts a new epoch for the device in StatusConnecting. It returns
// the new record and the one it replaced, whose ID is empty for a device
// seen for the first time.
func (r *Registry) Claim(d Device) (Device, Device) {
	now := r.timeNow()

	r.mu.Lock()
	defer r.mu.Unlock()

	var prev Device
	if existing, ok := r.devices[d.ID]; ok {
		prev = *existing
	}
	d.Epoch = prev.Epoch + 1
	d.Status = StatusConnecting
	d.ControlledBy = ""
	d.ConnectedAt = now
	d.LastHeartbeatAt = now
	r.devices[d.ID] = &d
	return d, prev
}

// Activate moves a connecting device to connected once its connection is
// bound. A newer epoch or an earlier disconnect leaves it untouched.
func (r *Registry) Activate(id string, epoch uint64) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok || d.Epoch != epoch || d.Status != StatusConnecting {
		return Device{}, false
	}
	d.Status = StatusConnected
	d.LastHeartbeatAt = r.timeNow()
	return *d, true
}

// Heartbeat records a liveness signal
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrDeviceNotFound)
	}
	if !d.Online() {
		return fmt.Errorf("device %s: %w", id, ErrDeviceDisconnected)
	}
	d.LastHeartbeatAt = r.timeNow()
	return nil
}

// MarkDisconnected transitions the device to disconnected if it is still
// in the given epoch and not already disconnected. It reports whether it
// changed anything, so each disconnection episode is applied once.
func (r *Registry) MarkDisconnected(id string, epoch uint64) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok || d.Epoch != epoch || d.Status == StatusDisconnected {
		return Device{}, false
	}
	d.Status = StatusDisconnected
	d.ControlledBy = ""
	return *d, true
}

// SetControlled marks an online device as controlled by the issuer
func (r *Registry) SetControlled(id, by string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrDeviceNotFound)
	}
	if !d.Online() {
		return fmt.Errorf("device %s: %w", id, ErrDeviceDisconnected)
	}
	d.Status = StatusControlled
	d.ControlledBy = by
	return nil
}

// ReleaseControl returns a controlled device to connected
func (r *Registry) ReleaseControl(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrDeviceNotFound)
	}
	if d.Status == StatusControlled {
		d.Status = StatusConnected
		d.ControlledBy = ""
	}
	return nil
}

// Get returns a copy of the device
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// ListBySession returns the session's devices ordered by connection time
func (r *Registry) ListBySession(sessionID string) []Device {
	r.mu.RLock()
	out := make([]Device, 0)
	for _, d := range r.devices {
		if d.SessionID == sessionID {
			out = append(out, *d)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Forget drops every device of an archived session
func (r *Registry) Forget(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, d := range r.devices {
		if d.SessionID == sessionID {
			delete(r.devices, id)
			n++
		}
	}
	return n
}

// Sweep marks every online device whose last heartbeat is older than the
// timeout as disconnected and returns them
func (r *Registry) Sweep(now time.Time) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Device
	for _, d := range r.devices {
		if !d.Online() {
			continue
		}
		if now.Sub(d.LastHeartbeatAt) > r.cfg.Timeout {
			d.Status = StatusDisconnected
			d.ControlledBy = ""
			expired = append(expired, *d)
		}
	}
	return expired
}

// Run sweeps on a fixed period until ctx is done
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	r.Check(r.timeNow())
}

// Check sweeps as of now and hands every newly expired device to the
// expiry callback
func (r *Registry) Check(now time.Time) []Device {
	expired := r.Sweep(now)
	if len(expired) == 0 {
		return nil
	}

	r.mu.RLock()
	onExpire := r.onExpire
	r.mu.RUnlock()

	for _, d := range expired {
		r.logger.Info("device heartbeat timeout",
			"device", d.ID, "session", d.SessionID, "last_heartbeat", d.LastHeartbeatAt)
		if onExpire != nil {
			onExpire(d)
		}
	}
	return expired
}
