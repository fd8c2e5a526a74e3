package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/models"
)

// ErrNotFound is returned when no checkpoint exists for a session.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists session snapshots to Redis. One snapshot per session,
// overwritten after every applied stage update, retained for a finite TTL.
// Snapshots are for inspection and post-mortem debugging; the engine never
// reads them back mid-run.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewStore creates a checkpoint store.
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{client: client, ttl: ttl, logger: logger}
}

func (s *Store) key(sessionID string) string {
	return fmt.Sprintf("checkpoint:%s", sessionID)
}

// Save overwrites the session's snapshot.
func (s *Store) Save(ctx context.Context, sess *models.ResearchSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Load returns the session's last snapshot.
func (s *Store) Load(ctx context.Context, sessionID string) (*models.ResearchSession, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var sess models.ResearchSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &sess, nil
}

// Delete removes the session's snapshot.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
