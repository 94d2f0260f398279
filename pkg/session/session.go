package session

import (
	"errors"
	"time"
)

var (
	// ErrInvalidStateTransition is returned for any lifecycle move outside the allowed table
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrSessionNotFound is returned for unknown session IDs
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose ID is taken
	ErrSessionExists = errors.New("session already exists")
)

// Status is the lifecycle state of a live session
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusPaused    Status = "paused"
	StatusEnded     Status = "ended"
)

// Event requests a lifecycle transition
type Event string

const (
	EventStart  Event = "start"
	EventPause  Event = "pause"
	EventResume Event = "resume"
	EventEnd    Event = "end"
)

// transitions lists every legal move. End is accepted from any
// non-terminal state (teacher force-end).
var transitions = map[Status]map[Event]Status{
	StatusScheduled: {EventStart: StatusLive, EventEnd: StatusEnded},
	StatusLive:      {EventPause: StatusPaused, EventEnd: StatusEnded},
	StatusPaused:    {EventResume: StatusLive, EventEnd: StatusEnded},
}

// Next returns the status reached from s by ev
func Next(s Status, ev Event) (Status, bool) {
	to, ok := transitions[s][ev]
	return to, ok
}

// EventFor maps a target status to the event that reaches it from s.
// Used by callers that patch status directly.
func EventFor(from, to Status) (Event, bool) {
	for ev, target := range transitions[from] {
		if target == to {
			return ev, true
		}
	}
	return "", false
}

// Settings toggles per-session features
type Settings struct {
	AllowVideo       bool `json:"allowVideo"`
	AllowAudio       bool `json:"allowAudio"`
	AllowScreenShare bool `json:"allowScreenShare"`
	Record           bool `json:"record"`
}

// DefaultSettings enables everything except recording
func DefaultSettings() Settings {
	return Settings{
		AllowVideo:       true,
		AllowAudio:       true,
		AllowScreenShare: true,
	}
}

// LiveSession is a scheduled or running class period
type LiveSession struct {
	ID           string     `json:"id"`
	TeacherID    string     `json:"teacherId"`
	ClassID      string     `json:"classId"`
	TenantID     string     `json:"tenantId,omitempty"`
	Title        string     `json:"title,omitempty"`
	Status       Status     `json:"status"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Settings     Settings   `json:"settings"`
}

// Change describes one successful transition
type Change struct {
	Session LiveSession
	From    Status
	Event   Event
}

// Observer is notified after every successful transition.
// Implementations must not block and must not call back into the
// registry for the same session.
type Observer interface {
	SessionChanged(Change)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Change)

// SessionChanged calls f(c)
func (f ObserverFunc) SessionChanged(c Change) { f(c) }
