package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/metrics"
	"github.com/loomworks/deepresearch/internal/models"
)

// ErrTaskNotFound is returned when no record exists for a task id.
var ErrTaskNotFound = errors.New("task not found")

// Store persists task records in Redis under task:{id} with a finite
// retention TTL. Records are written synchronously by the runner driving the
// task and read by polling clients.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewStore creates a task record store.
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{client: client, ttl: ttl, logger: logger}
}

func (s *Store) key(taskID string) string {
	return fmt.Sprintf("task:%s", taskID)
}

// Put writes the record, refusing status regressions. The read-check-write
// is not atomic, but only the single runner goroutine driving a task ever
// writes its record.
func (s *Store) Put(ctx context.Context, rec *models.TaskRecord) error {
	if existing, err := s.Get(ctx, rec.TaskID); err == nil {
		if existing.Status != rec.Status && !existing.Status.CanTransition(rec.Status) {
			return fmt.Errorf("illegal status transition %s -> %s for task %s",
				existing.Status, rec.Status, rec.TaskID)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.TaskID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write task record: %w", err)
	}

	metrics.TaskRecordWrites.WithLabelValues(string(rec.Status)).Inc()
	s.logger.Debug("Task record written",
		zap.String("task_id", rec.TaskID),
		zap.String("status", string(rec.Status)),
	)
	return nil
}

// Get reads the record for a task id.
func (s *Store) Get(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	data, err := s.client.Get(ctx, s.key(taskID)).Bytes()
	if err == redis.Nil {
		return nil, ErrTaskNotFound
	} else if err != nil {
		return nil, fmt.Errorf("read task record: %w", err)
	}

	var rec models.TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal task record: %w", err)
	}
	return &rec, nil
}
