package signal

import (
	"sort"
	"sync"
)

// Room holds the connected clients of one session, keyed by device ID
type Room struct {
	sessionID    string
	clients      map[string]*Client
	participants map[string]*Participant
	closed       bool
	mu           sync.Mutex
}

func newRoom(sessionID string) *Room {
	return &Room{
		sessionID:    sessionID,
		clients:      make(map[string]*Client),
		participants: make(map[string]*Participant),
	}
}

// bind makes c the connection of its device. onBound runs under the room
// lock with the participants that were already present, so anything it
// queues on c reaches the device before any event announced afterwards.
// A previous connection of the same device is returned for release.
func (r *Room) bind(c *Client, p Participant, onBound func(others []Participant)) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrSessionEnded
	}

	others := make([]Participant, 0, len(r.participants))
	for id, existing := range r.participants {
		if id != c.deviceID {
			others = append(others, *existing)
		}
	}
	sortParticipants(others)

	prev := r.clients[c.deviceID]
	r.clients[c.deviceID] = c
	r.participants[c.deviceID] = &p
	c.room = r

	if onBound != nil {
		onBound(others)
	}
	return prev, nil
}

// unbind removes c if it is still the device's bound connection
func (r *Room) unbind(c *Client) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clients[c.deviceID] != c {
		return Participant{}, false
	}
	p := r.participants[c.deviceID]
	delete(r.clients, c.deviceID)
	delete(r.participants, c.deviceID)
	return *p, true
}

// close stops further registrations
func (r *Room) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Room) client(deviceID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[deviceID]
	return c, ok
}

// recipients snapshots the bound clients
func (r *Room) recipients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// update applies fn to the device's participant record
func (r *Room) update(deviceID string, fn func(p *Participant)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[deviceID]
	if !ok {
		return false
	}
	fn(p)
	return true
}

func (r *Room) snapshot() []Participant {
	r.mu.Lock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	r.mu.Unlock()
	sortParticipants(out)
	return out
}

func (r *Room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func sortParticipants(ps []Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Role != ps[j].Role {
			return ps[i].Role == RoleTeacher
		}
		return ps[i].DeviceID < ps[j].DeviceID
	})
}
