package checkpoint

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

func TestSaveLoadRoundtrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := models.NewSession("s1", "what is raft", models.DepthDeep, 3)
	sess.IterationCount = 2
	sess.Synthesis = &models.SynthesisResult{Report: "draft"}
	require.NoError(t, store.Save(ctx, sess))

	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "what is raft", got.OriginalQuery)
	assert.Equal(t, models.DepthDeep, got.Depth)
	assert.Equal(t, 2, got.IterationCount)
	require.NotNil(t, got.Synthesis)
	assert.Equal(t, "draft", got.Synthesis.Report)
}

func TestSaveOverwrites(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := models.NewSession("s1", "q", models.DepthModerate, 2)
	require.NoError(t, store.Save(ctx, sess))

	sess.IterationCount = 1
	require.NoError(t, store.Save(ctx, sess))

	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.IterationCount)
}

func TestLoadMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := models.NewSession("s1", "q", models.DepthModerate, 2)
	require.NoError(t, store.Save(ctx, sess))
	require.NoError(t, store.Delete(ctx, "s1"))

	_, err := store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotsExpire(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	sess := models.NewSession("s1", "q", models.DepthModerate, 2)
	require.NoError(t, store.Save(ctx, sess))

	mr.FastForward(2 * time.Hour)
	_, err := store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}
