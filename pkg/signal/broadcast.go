package signal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tomaslejdung/liveclass/pkg/metrics"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
)

// roster resolves the connections an event is delivered to
type roster interface {
	recipients(sessionID string) []*Client
}

type queued struct {
	data       []byte
	recipients []*Client
	fn         func()
	at         time.Time
}

type sessionQueue struct {
	mu      sync.Mutex
	items   []queued
	closing bool
	wake    chan struct{}
}

// Broadcaster delivers session events to every connection of a session.
// Each session has one queue drained by one worker, so events reach every
// recipient in the order they were announced.
type Broadcaster struct {
	mu     sync.Mutex
	queues map[string]*sessionQueue
	roster roster
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster over the given roster
func NewBroadcaster(r roster, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		queues: make(map[string]*sessionQueue),
		roster: r,
		logger: logger,
	}
}

// Announce queues an event for every connection currently in the session.
// Recipients are fixed now; a device joining later does not see it.
func (b *Broadcaster) Announce(sessionID string, t protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(t, sessionID, payload)
	if err != nil {
		b.logger.Error("encode event", "type", t, "session", sessionID, "error", err)
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		b.logger.Error("encode event", "type", t, "session", sessionID, "error", err)
		return
	}
	metrics.Broadcasts.WithLabelValues(string(t)).Inc()

	recipients := b.roster.recipients(sessionID)
	if len(recipients) == 0 {
		return
	}
	b.push(sessionID, queued{data: data, recipients: recipients, at: time.Now()})
}

// Flush runs fn on the session's ordered path once every event announced
// before it has been handed to its recipients
func (b *Broadcaster) Flush(sessionID string, fn func()) {
	b.push(sessionID, queued{fn: fn})
}

// closeSession stops the session's worker after it drains
func (b *Broadcaster) closeSession(sessionID string) {
	b.mu.Lock()
	q, ok := b.queues[sessionID]
	delete(b.queues, sessionID)
	b.mu.Unlock()
	if ok {
		q.close()
	}
}

// Close drains and stops every worker
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	queues := b.queues
	b.queues = make(map[string]*sessionQueue)
	b.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	b.wg.Wait()
}

func (b *Broadcaster) push(sessionID string, item queued) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	q, ok := b.queues[sessionID]
	if !ok {
		q = &sessionQueue{wake: make(chan struct{}, 1)}
		b.queues[sessionID] = q
		b.wg.Add(1)
		go b.work(sessionID, q)
	}
	// appended under the broadcaster lock so a concurrent closeSession
	// cannot strand the item in a queue nobody drains
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	b.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (b *Broadcaster) work(sessionID string, q *sessionQueue) {
	defer b.wg.Done()

	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closing := q.closing
		q.mu.Unlock()

		for _, item := range items {
			b.deliver(sessionID, item)
		}
		if len(items) > 0 {
			continue
		}
		if closing {
			return
		}
		<-q.wake
	}
}

func (b *Broadcaster) deliver(sessionID string, item queued) {
	if item.fn != nil {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("flush callback panicked", "session", sessionID, "panic", r)
			}
		}()
		item.fn()
		return
	}
	for _, c := range item.recipients {
		// a full buffer releases the client; see Client.enqueue
		_ = c.enqueue(item.data)
	}
	metrics.BroadcastLatency.Observe(time.Since(item.at).Seconds())
}

func (q *sessionQueue) close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
