// Command worker drains kbcore's task queue (C9), dispatching each
// claimed task to the processing pipeline (C8). Grounded on the pack's
// Redis-polling worker loop, generalized from a single ingest kind onto
// the queue's five dispatch kinds.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kbcore/kbcore"
	"github.com/kbcore/kbcore/config"
	"github.com/kbcore/kbcore/kberr"
	"github.com/kbcore/kbcore/logging"
	"github.com/kbcore/kbcore/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("loading config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	engine, err := kbcore.New(initCtx, cfg, log, nil)
	cancelInit()
	if err != nil {
		log.Errorw("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	workerID := "worker-" + uuid.NewString()[:8]
	log.Infow("worker starting", "worker_id", workerID)

	reclaimTicker := time.NewTicker(time.Duration(cfg.QueueVisibilityTimeoutSeconds) * time.Second)
	defer reclaimTicker.Stop()

	q := engine.Queue()

	for {
		select {
		case <-ctx.Done():
			log.Infow("worker stopping")
			return
		case <-reclaimTicker.C:
			if n, err := q.ReclaimExpired(ctx); err != nil {
				log.Warnw("reclaim expired tasks", "error", err)
			} else if n > 0 {
				log.Infow("reclaimed expired tasks", "count", n)
			}
		default:
		}

		task, err := q.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, kberr.ErrQueueEmpty) {
				continue
			}
			log.Warnw("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		taskLog := log.WithTask(task.ID, string(task.Kind))
		taskLog.Infow("task claimed")

		if err := runTask(ctx, engine, *task); err != nil {
			taskLog.Warnw("task failed", "error", err)
			if nackErr := q.Nack(ctx, task.ID); nackErr != nil {
				taskLog.Errorw("nack failed", "error", nackErr)
			}
			continue
		}
		if err := q.Ack(ctx, task.ID, nil); err != nil {
			taskLog.Errorw("ack failed", "error", err)
		}
	}
}

func runTask(ctx context.Context, engine *kbcore.Engine, task queue.Task) error {
	switch task.Kind {
	case queue.KindProcessDocument:
		_, err := engine.Pipeline().Process(ctx, task.DocumentID, task.Force)
		return err
	case queue.KindProcessBatch, queue.KindReprocessFailed:
		_, err := engine.ReprocessDocuments(ctx, task.DocumentIDs, task.Force)
		return err
	case queue.KindProcessPending:
		limit := task.Limit
		if limit <= 0 {
			limit = 100
		}
		_, err := engine.ProcessPending(ctx, task.KBID, limit)
		return err
	case queue.KindDeleteDocumentVectors:
		return engine.DeleteDocument(ctx, task.DocumentID)
	default:
		return nil
	}
}
