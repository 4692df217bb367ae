package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kbcore/kbcore/kberr"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, Config{VisibilityTimeout: 50 * time.Millisecond, MaxRetries: 2})
}

func TestEnqueueDequeueAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Task{Kind: KindProcessDocument, DocumentID: "doc-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "doc-1", task.DocumentID)

	require.NoError(t, q.Ack(ctx, task.ID, map[string]any{"chunk_count": 3}))

	var result map[string]any
	found, err := q.Result(ctx, task.ID, &result)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 3, result["chunk_count"])
}

func TestDequeueEmptyReturnsQueueEmpty(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, kberr.ErrQueueEmpty)
}

func TestNackRedeliversUntilMaxRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Task{Kind: KindProcessDocument, DocumentID: "doc-2"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		task, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.Equal(t, id, task.ID)
		require.NoError(t, q.Nack(ctx, task.ID))
	}

	// Third delivery exceeds MaxRetries=2 and is dead-lettered, not requeued.
	task, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, task.ID))

	_, err = q.Dequeue(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, kberr.ErrQueueEmpty)
}

func TestReclaimExpiredRedeliversLostLease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Task{Kind: KindProcessDocument, DocumentID: "doc-3"})
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	// Simulate a worker that died without Ack/Nack: wait past the
	// visibility timeout, then the reclaimer should requeue it.
	time.Sleep(100 * time.Millisecond)

	n, err := q.ReclaimExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "doc-3", task.DocumentID)
}
