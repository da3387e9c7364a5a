package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupQueue(t *testing.T) *DelayedQueue {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: redis not reachable at %s: %v", addr, err)
	}
	require.NoError(t, rdb.FlushDB(ctx).Err())
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zap.NewNop())
}

func TestEnqueueIdempotentByJobID(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	job := Job{ID: "dedupe-1", EmailID: "email-1"}

	added, err := q.Enqueue(ctx, job, time.Hour)
	require.NoError(t, err)
	assert.True(t, added)

	// Same id again is a silent no-op, not an error.
	added, err = q.Enqueue(ctx, job, time.Hour)
	require.NoError(t, err)
	assert.False(t, added)

	delayed, err := q.rdb.ZCard(ctx, delayedKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

func TestEnqueueDueGoesStraightToReady(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, Job{ID: "j1", EmailID: "e1"}, 0)
	require.NoError(t, err)
	assert.True(t, added)

	got, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, "e1", got.EmailID)
}

func TestMoveDueRespectsReadyTime(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	now := time.Now()

	_, err := q.Enqueue(ctx, Job{ID: "j1", EmailID: "e1"}, time.Hour)
	require.NoError(t, err)

	// Not due yet: nothing moves, the job stays invisible to workers.
	moved, err := q.MoveDue(ctx, now, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	_, ok, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	// Two hours later it is due.
	moved, err = q.MoveDue(ctx, now.Add(2*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j1", got.ID)
}

func TestFinishReleasesJobID(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	job := Job{ID: "j1", EmailID: "e1"}

	_, err := q.Enqueue(ctx, job, 0)
	require.NoError(t, err)

	_, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Still registered while running: a replayed enqueue is a no-op.
	added, err := q.Enqueue(ctx, job, 0)
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, q.Finish(ctx, job, false))

	// Released: the same id can be enqueued fresh (deferral path).
	added, err = q.Enqueue(ctx, job, time.Minute)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestFinishRetention(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Finish(ctx, Job{ID: "ok", EmailID: "e1"}, false))
	require.NoError(t, q.Finish(ctx, Job{ID: "bad", EmailID: "e2"}, true))

	done, err := q.rdb.LLen(ctx, doneKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), done)

	dead, err := q.rdb.LLen(ctx, deadKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestDequeueTimesOutEmpty(t *testing.T) {
	q := setupQueue(t)

	_, ok, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}
