package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const maxAttempts = 5

type job struct {
	ev       Event
	attempts int
}

// WorkerPool drains queued audit events into a Writer, retrying failed
// writes with backoff. The audit trail may lag the business state but must
// not lose events while the process is up.
type WorkerPool struct {
	size   int
	jobs   chan job
	writer Writer
	logger *zap.SugaredLogger
}

// NewWorkerPool creates a pool of the given size.
func NewWorkerPool(size int, writer Writer, logger *zap.SugaredLogger) *WorkerPool {
	return &WorkerPool{
		size:   size,
		jobs:   make(chan job, size*16),
		writer: writer,
		logger: logger,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// Record enqueues an event for asynchronous persistence. It never blocks the
// caller's business transition: when the queue is saturated the write happens
// inline instead.
func (wp *WorkerPool) Record(ctx context.Context, ev Event) error {
	select {
	case wp.jobs <- job{ev: ev}:
		return nil
	default:
		return wp.writer.Record(ctx, ev)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debugf("audit worker %d started", id)
	for {
		select {
		case j := <-wp.jobs:
			wp.process(ctx, j)
		case <-ctx.Done():
			wp.drain(id)
			return
		}
	}
}

// drain flushes whatever is still queued at shutdown, one best-effort pass.
func (wp *WorkerPool) drain(id int) {
	for {
		select {
		case j := <-wp.jobs:
			if err := wp.writer.Record(context.Background(), j.ev); err != nil {
				wp.logger.Errorw("audit event lost at shutdown", "event", j.ev.Type, "entity", j.ev.EntityID, "error", err)
			}
		default:
			wp.logger.Debugf("audit worker %d shut down", id)
			return
		}
	}
}

func (wp *WorkerPool) process(ctx context.Context, j job) {
	err := wp.writer.Record(ctx, j.ev)
	if err == nil {
		return
	}
	j.attempts++
	if j.attempts >= maxAttempts {
		wp.logger.Errorw("audit event dropped after retries", "event", j.ev.Type, "entity", j.ev.EntityID, "error", err)
		return
	}
	wp.logger.Warnw("audit write failed, requeueing", "event", j.ev.Type, "attempt", j.attempts, "error", err)
	// Cheap backoff; the queue is a buffered channel, not a scheduler.
	time.Sleep(time.Duration(j.attempts) * 100 * time.Millisecond)
	select {
	case wp.jobs <- j:
	default:
		if err := wp.writer.Record(ctx, j.ev); err != nil {
			wp.logger.Errorw("audit event dropped, queue full", "event", j.ev.Type, "error", err)
		}
	}
}
