package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry serializes all writers of one session
type entry struct {
	mu      sync.Mutex
	session LiveSession
}

// Registry owns the authoritative lifecycle state of every live session.
// The map lock only guards lookup and insert; transitions lock the
// session's own entry so unrelated sessions never contend.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	observers []Observer
	timeNow   func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(observers ...Observer) *Registry {
	return &Registry{
		sessions:  make(map[string]*entry),
		observers: observers,
		timeNow:   time.Now,
	}
}

// AddObserver registers an observer. Call before serving traffic.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Create registers a session. Empty IDs get a UUID and an empty status
// becomes scheduled. Restoring a persisted session keeps its status.
func (r *Registry) Create(s LiveSession) (LiveSession, error) {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if strings.TrimSpace(s.TeacherID) == "" {
		return LiveSession{}, fmt.Errorf("session: teacher id is required")
	}
	if s.Status == "" {
		s.Status = StatusScheduled
	}
	if s.Status == StatusEnded {
		return LiveSession{}, fmt.Errorf("session %s: %w: cannot create an ended session", s.ID, ErrInvalidStateTransition)
	}
	if s.ScheduledFor.IsZero() {
		s.ScheduledFor = r.timeNow()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return LiveSession{}, fmt.Errorf("session %s: %w", s.ID, ErrSessionExists)
	}
	r.sessions[s.ID] = &entry{session: s}
	return s, nil
}

// Get returns a copy of the session
func (r *Registry) Get(id string) (LiveSession, error) {
	e, err := r.lookup(id)
	if err != nil {
		return LiveSession{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, nil
}

// List returns a snapshot of all sessions ordered by schedule time
func (r *Registry) List() []LiveSession {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]LiveSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	return out
}

// Transition applies ev to the session and returns the new status.
// Illegal moves return ErrInvalidStateTransition and leave state unchanged.
func (r *Registry) Transition(id string, ev Event) (Status, error) {
	e, err := r.lookup(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.session.Status
	to, ok := Next(from, ev)
	if !ok {
		return from, fmt.Errorf("session %s: %w: %s from %s", id, ErrInvalidStateTransition, ev, from)
	}

	now := r.timeNow()
	e.session.Status = to
	switch {
	case to == StatusLive && e.session.StartedAt == nil:
		e.session.StartedAt = &now
	case to == StatusEnded:
		e.session.EndedAt = &now
	}

	// Observers run under the entry lock so they see changes in order
	change := Change{Session: e.session, From: from, Event: ev}
	for _, o := range r.snapshotObservers() {
		o.SessionChanged(change)
	}
	return to, nil
}

// Archive drops an ended session from the live registry
func (r *Registry) Archive(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	status := e.session.Status
	e.mu.Unlock()
	if status != StatusEnded {
		return fmt.Errorf("session %s: %w: archive requires ended, is %s", id, ErrInvalidStateTransition, status)
	}

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return e, nil
}

func (r *Registry) snapshotObservers() []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.observers
}
