package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, time.Hour, zap.NewNop()), mr
}

func TestStorePutGetRoundtrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec := &models.TaskRecord{
		TaskID:    "t1",
		SessionID: "s1",
		Query:     "query",
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, models.TaskStatusPending, got.Status)
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStoreRejectsStatusRegression(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec := &models.TaskRecord{TaskID: "t1", Status: models.TaskStatusCompleted, CreatedAt: time.Now()}
	require.NoError(t, store.Put(ctx, rec))

	rec.Status = models.TaskStatusProcessing
	err := store.Put(ctx, rec)
	require.Error(t, err)

	// The stored record is untouched.
	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
}

func TestStoreAllowsForwardTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec := &models.TaskRecord{TaskID: "t1", Status: models.TaskStatusPending, CreatedAt: time.Now()}
	require.NoError(t, store.Put(ctx, rec))

	rec.Status = models.TaskStatusProcessing
	require.NoError(t, store.Put(ctx, rec))

	now := time.Now()
	rec.Status = models.TaskStatusCancelled
	rec.CompletedAt = &now
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestStoreRecordsExpire(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	rec := &models.TaskRecord{TaskID: "t1", Status: models.TaskStatusCompleted, CreatedAt: time.Now()}
	require.NoError(t, store.Put(ctx, rec))

	mr.FastForward(2 * time.Hour)
	_, err := store.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
