package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisMirror(client, time.Hour, zap.NewNop()), mr
}

func TestMirrorAppendAndReplay(t *testing.T) {
	mirror, _ := newMirror(t)

	mirror.Append(Event{SessionID: "s1", Type: EventStarted, Seq: 1, Timestamp: time.Now()})
	mirror.Append(Event{SessionID: "s1", Type: EventToken, Content: "x", Seq: 2, Timestamp: time.Now()})
	mirror.Append(Event{SessionID: "s1", Type: EventCompleted, Report: "done", Seq: 3, Timestamp: time.Now()})

	events, err := mirror.Replay(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, "done", events[2].Report)

	// since filters on Seq, not stream position.
	events, err = mirror.Replay(context.Background(), "s1", 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Seq)
}

func TestMirrorSessionIsolation(t *testing.T) {
	mirror, _ := newMirror(t)

	mirror.Append(Event{SessionID: "s1", Type: EventStarted, Seq: 1, Timestamp: time.Now()})
	mirror.Append(Event{SessionID: "s2", Type: EventStarted, Seq: 1, Timestamp: time.Now()})

	events, err := mirror.Replay(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "s1", events[0].SessionID)
}

func TestManagerPublishesToMirror(t *testing.T) {
	mirror, _ := newMirror(t)
	m := NewManager(zap.NewNop())
	m.SetMirror(mirror)

	m.Publish("s1", Event{Type: EventStarted})
	m.Publish("s1", Event{Type: EventCompleted})

	events, err := mirror.Replay(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, EventCompleted, events[1].Type)
}

func TestManagerReplayFallsBackToMirror(t *testing.T) {
	mirror, _ := newMirror(t)
	m := NewManager(zap.NewNop())
	m.SetMirror(mirror)

	m.Publish("s1", Event{Type: EventStarted})
	m.Publish("s1", Event{Type: EventCompleted, Report: "done"})

	// Local ring is preferred while it exists.
	events := m.Replay(context.Background(), "s1", 0)
	require.Len(t, events, 2)

	// Once the ring is released (or the session ran on another node), the
	// mirror serves the replay.
	m.DropHistory("s1")
	events = m.Replay(context.Background(), "s1", 0)
	require.Len(t, events, 2)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, "done", events[1].Report)

	// since filtering applies to mirrored replays too.
	events = m.Replay(context.Background(), "s1", 1)
	require.Len(t, events, 1)
	assert.Equal(t, EventCompleted, events[0].Type)
}

func TestManagerReplayWithoutMirrorOrRing(t *testing.T) {
	m := NewManager(zap.NewNop())
	assert.Empty(t, m.Replay(context.Background(), "unknown", 0))
}
