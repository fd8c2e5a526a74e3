package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/metrics"
)

const defaultRingCapacity = 256

// Manager provides in-memory pub/sub for session lifecycle events.
//
// Each subscriber owns an unbounded FIFO buffer drained by its own pump
// goroutine, so publishing never blocks on a slow consumer and the terminal
// event is never dropped. A per-session ring buffer retains recent events
// for Last-Event-ID replay.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]struct{}
	history     map[string]*ring
	capacity    int
	mirror      *RedisMirror // optional cross-node mirror
	logger      *zap.Logger
}

// NewManager creates a streaming manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		subscribers: make(map[string]map[*Subscription]struct{}),
		history:     make(map[string]*ring),
		capacity:    defaultRingCapacity,
		logger:      logger,
	}
}

// Configure sets the replay ring capacity for sessions created afterwards.
func (m *Manager) Configure(capacity int) {
	if capacity <= 0 {
		return
	}
	m.mu.Lock()
	m.capacity = capacity
	m.mu.Unlock()
}

// SetMirror attaches a Redis Streams mirror; every published event is also
// appended there so detached clients on other nodes can replay.
func (m *Manager) SetMirror(mirror *RedisMirror) {
	m.mu.Lock()
	m.mirror = mirror
	m.mu.Unlock()
}

// Subscribe registers a subscriber for a session's events. The caller must
// drain the channel returned by C and call Unsubscribe when done. The
// channel is closed after the terminal event has been delivered or after
// Unsubscribe.
func (m *Manager) Subscribe(sessionID string) *Subscription {
	sub := newSubscription()
	m.mu.Lock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[sub] = struct{}{}
	m.mu.Unlock()
	metrics.StreamSubscribers.Inc()
	return sub
}

// Unsubscribe removes the subscriber and releases its pump.
func (m *Manager) Unsubscribe(sessionID string, sub *Subscription) {
	m.mu.Lock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, present := subs[sub]; present {
			delete(subs, sub)
			metrics.StreamSubscribers.Dec()
		}
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
	m.mu.Unlock()
	sub.stop()
}

// Publish appends an event to the session's sequence and delivers it to all
// subscribers. Seq and Timestamp are assigned here.
func (m *Manager) Publish(sessionID string, evt Event) {
	evt.SessionID = sessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	subs := make([]*Subscription, 0, len(m.subscribers[sessionID]))
	for s := range m.subscribers[sessionID] {
		subs = append(subs, s)
	}
	mirror := m.mirror
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	for _, s := range subs {
		s.push(evt)
	}
	if evt.Type.Terminal() {
		// No further events follow; let subscriber channels close once
		// their buffers drain.
		for _, s := range subs {
			s.finish()
		}
	}
	if mirror != nil {
		mirror.Append(evt)
	}
}

// ReplaySince returns events with Seq > since, best-effort within the ring
// capacity.
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[sessionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Replay returns events with Seq > since, preferring the local ring and
// falling back to the redis mirror when this process holds no history for
// the session (the session ran on another node, or its ring was already
// released). Mirror failures degrade to an empty replay.
func (m *Manager) Replay(ctx context.Context, sessionID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[sessionID]
	mirror := m.mirror
	var out []Event
	if rg != nil {
		out = rg.since(since)
	}
	m.mu.RUnlock()

	if rg != nil || mirror == nil {
		return out
	}
	events, err := mirror.Replay(ctx, sessionID, since)
	if err != nil {
		m.logger.Warn("Mirror replay failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil
	}
	return events
}

// DropHistory releases the replay ring for a finished session.
func (m *Manager) DropHistory(sessionID string) {
	m.mu.Lock()
	delete(m.history, sessionID)
	m.mu.Unlock()
}

// Subscription is one subscriber's view of a session's event sequence.
type Subscription struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	finished bool // no more pushes will arrive
	stopped  bool // consumer gave up

	out  chan Event
	done chan struct{}
}

func newSubscription() *Subscription {
	s := &Subscription{
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan Event { return s.out }

func (s *Subscription) push(evt Event) {
	s.mu.Lock()
	if !s.finished && !s.stopped {
		s.queue = append(s.queue, evt)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// finish marks the sequence complete; the pump closes out once the buffer
// is drained.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.cond.Signal()
	s.mu.Unlock()
}

// stop abandons delivery immediately. Idempotent.
func (s *Subscription) stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.queue = nil
		close(s.done)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// pump forwards buffered events to the consumer. Only the pump blocks on a
// slow consumer; producers append to the buffer and move on.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.finished && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped || (len(s.queue) == 0 && s.finished) {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
