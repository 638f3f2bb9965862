package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrQueueFull   = errors.New("reply queue is full")
	ErrQueueClosed = errors.New("reply queue is closed")
)

// ReplyFunc runs the reply stage for one job.
type ReplyFunc func(ctx context.Context, jobID uuid.UUID) error

// LocalRunner is the in-process queue backend: a buffered channel drained by
// a fixed pool of goroutines.
type LocalRunner struct {
	mu     sync.RWMutex
	jobs   chan uuid.UUID
	closed bool
	wg     sync.WaitGroup
}

func NewLocalRunner(buffer int) *LocalRunner {
	if buffer < 1 {
		buffer = 1
	}
	return &LocalRunner{jobs: make(chan uuid.UUID, buffer)}
}

// Start launches workers goroutines that pass each queued job to fn.
// Handlers run detached from ctx cancellation so that a shutdown lets
// in-flight jobs record their outcome; per-stage timeouts bound them instead.
func (r *LocalRunner) Start(ctx context.Context, workers int, fn ReplyFunc) {
	if workers < 1 {
		workers = 1
	}
	runCtx := context.WithoutCancel(ctx)
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for id := range r.jobs {
				if err := fn(runCtx, id); err != nil {
					slog.Error("reply task failed", "job_id", id, "error", err)
				}
			}
		}()
	}
}

// EnqueueReply never blocks: a full buffer is reported to the caller.
func (r *LocalRunner) EnqueueReply(_ context.Context, jobID uuid.UUID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrQueueClosed
	}
	select {
	case r.jobs <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for the queue to drain, or for ctx
// to expire.
func (r *LocalRunner) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
