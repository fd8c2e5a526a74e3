package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	mirrorMaxLen       = 1000
	mirrorAppendWindow = 5 * time.Second
)

// RedisMirror appends every published event to a per-session Redis Stream so
// a client attached to another node (or reattaching after the in-memory ring
// rolled over) can still replay the sequence. Writes are best-effort; a
// mirror failure never affects in-process delivery.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisMirror creates a mirror on the given client.
func NewRedisMirror(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisMirror{client: client, ttl: ttl, logger: logger}
}

func (rm *RedisMirror) key(sessionID string) string {
	return fmt.Sprintf("events:%s", sessionID)
}

// Append writes one event to the session's stream.
func (rm *RedisMirror) Append(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorAppendWindow)
	defer cancel()

	key := rm.key(evt.SessionID)
	err := rm.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: mirrorMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":  evt.Seq,
			"type": string(evt.Type),
			"data": string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		rm.logger.Warn("Event mirror append failed",
			zap.String("session_id", evt.SessionID),
			zap.Error(err),
		)
		return
	}
	// Refresh retention on every append; streams for dead sessions age out.
	rm.client.Expire(ctx, key, rm.ttl)
}

// Replay returns mirrored events with Seq > since, oldest first.
func (rm *RedisMirror) Replay(ctx context.Context, sessionID string, since uint64) ([]Event, error) {
	entries, err := rm.client.XRange(ctx, rm.key(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("mirror replay: %w", err)
	}

	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		data, ok := entry.Values["data"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			rm.logger.Warn("Skipping malformed mirrored event",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			continue
		}
		if evt.Seq > since {
			events = append(events, evt)
		}
	}
	return events, nil
}
