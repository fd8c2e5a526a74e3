package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublishOrderingAndSeq(t *testing.T) {
	m := NewManager(zap.NewNop())
	sub := m.Subscribe("s1")
	defer m.Unsubscribe("s1", sub)

	m.Publish("s1", Event{Type: EventStarted})
	m.Publish("s1", Event{Type: EventStageEntered, Stage: "planning"})
	m.Publish("s1", Event{Type: EventStageExited, Stage: "planning"})

	events := collect(t, sub, 3)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, EventStageEntered, events[1].Type)
	assert.Equal(t, EventStageExited, events[2].Type)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, "s1", e.SessionID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestTerminalClosesSubscription(t *testing.T) {
	m := NewManager(zap.NewNop())
	sub := m.Subscribe("s1")
	defer m.Unsubscribe("s1", sub)

	m.Publish("s1", Event{Type: EventStarted})
	m.Publish("s1", Event{Type: EventCompleted, Report: "done"})

	events := collect(t, sub, 2)
	assert.Equal(t, EventCompleted, events[1].Type)

	// The channel closes after the terminal event drains.
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after terminal event")
	}
}

func TestSlowConsumerReceivesTerminal(t *testing.T) {
	m := NewManager(zap.NewNop())
	sub := m.Subscribe("s1")
	defer m.Unsubscribe("s1", sub)

	// Publish a burst, terminal last, before the consumer reads anything.
	// Nothing may be dropped: the subscriber buffer is unbounded.
	const burst = 500
	for i := 0; i < burst; i++ {
		m.Publish("s1", Event{Type: EventToken, Content: "x"})
	}
	m.Publish("s1", Event{Type: EventCompleted})

	events := collect(t, sub, burst+1)
	require.Len(t, events, burst+1)
	assert.Equal(t, EventCompleted, events[burst].Type)
	assert.Equal(t, uint64(burst+1), events[burst].Seq)
}

func TestMultipleSubscribersSeeSameSequence(t *testing.T) {
	m := NewManager(zap.NewNop())
	a := m.Subscribe("s1")
	b := m.Subscribe("s1")
	defer m.Unsubscribe("s1", a)
	defer m.Unsubscribe("s1", b)

	m.Publish("s1", Event{Type: EventStarted})
	m.Publish("s1", Event{Type: EventCompleted})

	ea := collect(t, a, 2)
	eb := collect(t, b, 2)
	require.Len(t, ea, 2)
	require.Len(t, eb, 2)
	assert.Equal(t, ea[0].Seq, eb[0].Seq)
	assert.Equal(t, ea[1].Seq, eb[1].Seq)
}

func TestSessionIsolation(t *testing.T) {
	m := NewManager(zap.NewNop())
	a := m.Subscribe("s1")
	defer m.Unsubscribe("s1", a)

	m.Publish("s2", Event{Type: EventStarted})
	m.Publish("s1", Event{Type: EventStarted})

	events := collect(t, a, 1)
	assert.Equal(t, "s1", events[0].SessionID)
	// Seq is per session: both sessions start at 1.
	assert.Equal(t, uint64(1), events[0].Seq)
}

func TestReplaySince(t *testing.T) {
	m := NewManager(zap.NewNop())

	for i := 0; i < 5; i++ {
		m.Publish("s1", Event{Type: EventToken, Content: "x"})
	}

	replay := m.ReplaySince("s1", 2)
	require.Len(t, replay, 3)
	assert.Equal(t, uint64(3), replay[0].Seq)
	assert.Equal(t, uint64(5), replay[2].Seq)

	assert.Empty(t, m.ReplaySince("s1", 5))
	assert.Empty(t, m.ReplaySince("unknown", 0))
}

func TestReplayRingRollover(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Configure(4)

	for i := 0; i < 10; i++ {
		m.Publish("s1", Event{Type: EventToken})
	}

	// Only the newest capacity-many events survive.
	replay := m.ReplaySince("s1", 0)
	require.Len(t, replay, 4)
	assert.Equal(t, uint64(7), replay[0].Seq)
	assert.Equal(t, uint64(10), replay[3].Seq)
}

func TestUnsubscribeWithoutConsuming(t *testing.T) {
	m := NewManager(zap.NewNop())
	sub := m.Subscribe("s1")

	for i := 0; i < 100; i++ {
		m.Publish("s1", Event{Type: EventToken})
	}
	// No reads at all; Unsubscribe must not hang on the pump.
	done := make(chan struct{})
	go func() {
		m.Unsubscribe("s1", sub)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unsubscribe blocked on an unconsumed subscription")
	}
}

func TestDropHistory(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Publish("s1", Event{Type: EventStarted})
	require.NotEmpty(t, m.ReplaySince("s1", 0))

	m.DropHistory("s1")
	assert.Empty(t, m.ReplaySince("s1", 0))
}
