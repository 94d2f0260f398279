// Package analytics forwards lifecycle events to an external sink
// without ever slowing down the live path.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tomaslejdung/liveclass/pkg/metrics"
	"github.com/tomaslejdung/liveclass/pkg/session"
)

// Event names
const (
	SessionTransition  = "session_transition"
	ParticipantJoined  = "participant_joined"
	ParticipantLeft    = "participant_left"
	ScreenShareStarted = "screen_share_started"
	ScreenShareStopped = "screen_share_stopped"
	ControlDispatched  = "control_dispatched"
)

// Event is one analytics record
type Event struct {
	Name      string
	SessionID string
	TenantID  string
	DeviceID  string
	UserID    string
	Attrs     map[string]any
	At        time.Time
}

// Tracker accepts events. Track must return immediately.
type Tracker interface {
	Track(Event)
}

// Nop discards every event
type Nop struct{}

// Track does nothing
func (Nop) Track(Event) {}

// Sink receives events on the tracker's goroutine
type Sink func(context.Context, Event) error

// LogSink writes each event as a structured log line
func LogSink(logger *slog.Logger) Sink {
	return func(ctx context.Context, ev Event) error {
		args := []any{
			"event", ev.Name,
			"session", ev.SessionID,
			"at", ev.At,
		}
		if ev.TenantID != "" {
			args = append(args, "tenant", ev.TenantID)
		}
		if ev.DeviceID != "" {
			args = append(args, "device", ev.DeviceID)
		}
		if ev.UserID != "" {
			args = append(args, "user", ev.UserID)
		}
		for k, v := range ev.Attrs {
			args = append(args, k, v)
		}
		logger.InfoContext(ctx, "analytics", args...)
		return nil
	}
}

// Async buffers events and hands them to a sink from one goroutine.
// A full buffer drops the event.
type Async struct {
	events  chan Event
	sink    Sink
	logger  *slog.Logger
	timeNow func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the delivery goroutine
func NewAsync(buffer int, sink Sink, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		events:  make(chan Event, buffer),
		sink:    sink,
		logger:  logger.With("component", "analytics"),
		timeNow: time.Now,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Track enqueues ev without blocking
func (a *Async) Track(ev Event) {
	if ev.At.IsZero() {
		ev.At = a.timeNow()
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		metrics.AnalyticsDropped.Inc()
	}
}

// SessionChanged tracks every lifecycle transition
func (a *Async) SessionChanged(ch session.Change) {
	a.Track(Event{
		Name:      SessionTransition,
		SessionID: ch.Session.ID,
		TenantID:  ch.Session.TenantID,
		UserID:    ch.Session.TeacherID,
		Attrs: map[string]any{
			"from":   string(ch.From),
			"to":     string(ch.Session.Status),
			"action": string(ch.Event),
		},
	})
}

// Close stops accepting events and waits for queued ones to drain
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.events {
		a.deliver(ev)
	}
}

func (a *Async) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("analytics sink panicked", "event", ev.Name, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sink(ctx, ev); err != nil {
		a.logger.Warn("analytics sink failed", "event", ev.Name, "error", err)
	}
}
