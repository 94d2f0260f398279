package signal

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/liveclass/pkg/protocol"
)

type staticRoster struct {
	mu      sync.Mutex
	clients map[string][]*Client
}

func (r *staticRoster) recipients(sessionID string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Client(nil), r.clients[sessionID]...)
}

func (r *staticRoster) set(sessionID string, clients ...*Client) {
	r.mu.Lock()
	r.clients[sessionID] = clients
	r.mu.Unlock()
}

func bufferedClient(n int) *Client {
	return &Client{send: make(chan []byte, n)}
}

type seq struct {
	N int `json:"n"`
}

func received(t *testing.T, c *Client, n int) []int {
	t.Helper()
	out := make([]int, 0, n)
	for len(out) < n {
		select {
		case raw := <-c.send:
			var env protocol.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			var s seq
			require.NoError(t, json.Unmarshal(env.Data, &s))
			out = append(out, s.N)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d events", len(out), n)
		}
	}
	return out
}

func TestAnnounceOrderPerSession(t *testing.T) {
	roster := &staticRoster{clients: map[string][]*Client{}}
	a, b := bufferedClient(512), bufferedClient(512)
	roster.set("s1", a, b)
	other := bufferedClient(512)
	roster.set("s2", other)

	bc := NewBroadcaster(roster, nil)
	defer bc.Close()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			bc.Announce("s2", protocol.TypeParticipantJoined, seq{N: i})
		}
	}()
	for i := 0; i < n; i++ {
		bc.Announce("s1", protocol.TypeParticipantJoined, seq{N: i})
	}
	wg.Wait()

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, received(t, a, n))
	assert.Equal(t, want, received(t, b, n))
	assert.Equal(t, want, received(t, other, n))
}

func TestRecipientsFixedAtAnnounce(t *testing.T) {
	roster := &staticRoster{clients: map[string][]*Client{}}
	early, late := bufferedClient(8), bufferedClient(8)
	roster.set("s1", early)

	bc := NewBroadcaster(roster, nil)
	defer bc.Close()

	bc.Announce("s1", protocol.TypeParticipantJoined, seq{N: 1})
	roster.set("s1", early, late)
	bc.Announce("s1", protocol.TypeParticipantJoined, seq{N: 2})

	assert.Equal(t, []int{1, 2}, received(t, early, 2))
	assert.Equal(t, []int{2}, received(t, late, 1))
}

func TestFlushRunsAfterPriorEvents(t *testing.T) {
	roster := &staticRoster{clients: map[string][]*Client{}}
	c := bufferedClient(64)
	roster.set("s1", c)

	bc := NewBroadcaster(roster, nil)
	defer bc.Close()

	for i := 0; i < 10; i++ {
		bc.Announce("s1", protocol.TypeParticipantJoined, seq{N: i})
	}
	done := make(chan int, 1)
	bc.Flush("s1", func() { done <- len(c.send) })

	select {
	case queued := <-done:
		assert.Equal(t, 10, queued)
	case <-time.After(2 * time.Second):
		t.Fatal("flush never ran")
	}
}

func TestFlushSurvivesPanic(t *testing.T) {
	roster := &staticRoster{clients: map[string][]*Client{}}
	c := bufferedClient(4)
	roster.set("s1", c)

	bc := NewBroadcaster(roster, nil)
	defer bc.Close()

	bc.Flush("s1", func() { panic("boom") })
	bc.Announce("s1", protocol.TypeParticipantJoined, seq{N: 7})
	assert.Equal(t, []int{7}, received(t, c, 1))
}

func TestAnnounceWithoutRecipientsIsDropped(t *testing.T) {
	roster := &staticRoster{clients: map[string][]*Client{}}
	bc := NewBroadcaster(roster, nil)

	bc.Announce("empty", protocol.TypeParticipantLeft, seq{N: 1})
	bc.mu.Lock()
	_, hasQueue := bc.queues["empty"]
	bc.mu.Unlock()
	assert.False(t, hasQueue)

	bc.Close()
	// announcing after close is a no-op
	roster.set("s1", bufferedClient(1))
	bc.Announce("s1", protocol.TypeParticipantLeft, seq{N: 1})
}
