// Package queue implements the durable at-least-once task queue (C9)
// over Redis: a ready list for pending work, a processing sorted set
// keyed by visibility deadline for in-flight leases, and a short-lived
// result hash — the same go-redis client the search cache (C12) reuses
// under a different key namespace.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kbcore/kbcore/kberr"
)

// Kind is a task's dispatch key.
type Kind string

const (
	KindProcessDocument       Kind = "process_document"
	KindProcessBatch          Kind = "process_batch"
	KindReprocessFailed       Kind = "reprocess_failed"
	KindProcessPending        Kind = "process_pending"
	KindDeleteDocumentVectors Kind = "delete_document_vectors"
)

// Task is one unit of dispatched work.
type Task struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	DocumentID  string         `json:"document_id,omitempty"`
	DocumentIDs []string       `json:"document_ids,omitempty"`
	KBID        string         `json:"kb_id,omitempty"`
	Force       bool           `json:"force,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	RetryCount  int            `json:"retry_count"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	Extra       map[string]any `json:"extra,omitempty"`
}

const (
	readyListKey  = "kbcore:queue:ready"
	deadLetterKey = "kbcore:queue:dead"
	taskHashFmt   = "kbcore:queue:task:%s"
	processingKey = "kbcore:queue:processing"
	resultHashFmt = "kbcore:queue:result:%s"

	resultTTL = time.Hour
)

// Config controls retry/visibility policy.
type Config struct {
	VisibilityTimeout time.Duration // default 5 minutes
	MaxRetries        int           // default 3
}

// Queue is the Redis-backed task queue.
type Queue struct {
	rdb *redis.Client
	cfg Config
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, cfg Config) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Queue{rdb: rdb, cfg: cfg}
}

// Enqueue pushes a new task, assigning it a UUID, and returns that id.
func (q *Queue) Enqueue(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.EnqueuedAt = time.Now()

	data, err := json.Marshal(t)
	if err != nil {
		return "", kberr.Fatal("queue.Enqueue", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(taskHashFmt, t.ID), data, 0)
	pipe.RPush(ctx, readyListKey, t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", kberr.Transient("queue.Enqueue", err)
	}
	return t.ID, nil
}

// Dequeue blocks up to wait for a ready task, leases it under the
// queue's visibility timeout, and returns it. Returns the sentinel
// kberr.ErrQueueEmpty as its error if nothing became available within
// wait.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Task, error) {
	res, err := q.rdb.BLPop(ctx, wait, readyListKey).Result()
	if err == redis.Nil {
		return nil, kberr.ErrQueueEmpty
	}
	if err != nil {
		return nil, kberr.Transient("queue.Dequeue", err)
	}
	if len(res) < 2 {
		return nil, kberr.ErrQueueEmpty
	}
	taskID := res[1]

	t, err := q.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	deadline := float64(time.Now().Add(q.cfg.VisibilityTimeout).UnixNano())
	if err := q.rdb.ZAdd(ctx, processingKey, redis.Z{Score: deadline, Member: taskID}).Err(); err != nil {
		return nil, kberr.Transient("queue.Dequeue", err)
	}
	return t, nil
}

// ExtendVisibility pushes out taskID's processing deadline — used by a
// worker handling a task that is taking longer than the default
// visibility timeout, without acking or losing the lease.
func (q *Queue) ExtendVisibility(ctx context.Context, taskID string, extra time.Duration) error {
	deadline := float64(time.Now().Add(extra).UnixNano())
	if err := q.rdb.ZAdd(ctx, processingKey, redis.Z{Score: deadline, Member: taskID}).Err(); err != nil {
		return kberr.Transient("queue.ExtendVisibility", err)
	}
	return nil
}

// Ack marks taskID successfully processed: it is removed from the
// processing set and deleted (late-ack — only called on worker success).
func (q *Queue) Ack(ctx context.Context, taskID string, result any) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, processingKey, taskID)
	pipe.Del(ctx, fmt.Sprintf(taskHashFmt, taskID))
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			pipe.Set(ctx, fmt.Sprintf(resultHashFmt, taskID), data, resultTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return kberr.Transient("queue.Ack", err)
	}
	return nil
}

// Nack returns taskID to the ready list for redelivery, incrementing its
// retry count. Once RetryCount exceeds cfg.MaxRetries, the task is moved
// to a dead-letter list instead of being redelivered again.
func (q *Queue) Nack(ctx context.Context, taskID string) error {
	t, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.RetryCount++

	data, err := json.Marshal(t)
	if err != nil {
		return kberr.Fatal("queue.Nack", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, processingKey, taskID)
	pipe.Set(ctx, fmt.Sprintf(taskHashFmt, taskID), data, 0)
	if t.RetryCount > q.cfg.MaxRetries {
		pipe.RPush(ctx, deadLetterKey, taskID)
	} else {
		pipe.RPush(ctx, readyListKey, taskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return kberr.Transient("queue.Nack", err)
	}
	return nil
}

// ReclaimExpired requeues every task whose visibility deadline has
// passed without an Ack — a worker crash or loss leaves it stranded in
// the processing set; this makes redelivery happen instead of a
// silent stall. Intended to run on a periodic ticker.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixNano())
	expired, err := q.rdb.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, kberr.Transient("queue.ReclaimExpired", err)
	}
	for _, taskID := range expired {
		if err := q.Nack(ctx, taskID); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// Result fetches a short-lived (<=1h) task result, opaque to the queue.
func (q *Queue) Result(ctx context.Context, taskID string, out any) (bool, error) {
	data, err := q.rdb.Get(ctx, fmt.Sprintf(resultHashFmt, taskID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, kberr.Transient("queue.Result", err)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return true, kberr.Fatal("queue.Result", err)
		}
	}
	return true, nil
}

func (q *Queue) loadTask(ctx context.Context, taskID string) (*Task, error) {
	data, err := q.rdb.Get(ctx, fmt.Sprintf(taskHashFmt, taskID)).Bytes()
	if err == redis.Nil {
		return nil, kberr.NotFound("queue.loadTask", fmt.Errorf("task %s not found", taskID))
	}
	if err != nil {
		return nil, kberr.Transient("queue.loadTask", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, kberr.Fatal("queue.loadTask", err)
	}
	return &t, nil
}
