package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/voicerelay/internal/queue"
)

// ReplyWorker consumes relay:reply tasks from Redis.
type ReplyWorker struct {
	handle queue.ReplyFunc
}

func NewReplyWorker(handle queue.ReplyFunc) *ReplyWorker {
	return &ReplyWorker{handle: handle}
}

func (w *ReplyWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	jobID, err := queue.ParseReplyPayload(t)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	slog.Info("processing reply", "job_id", jobID)

	if err := w.handle(ctx, jobID); err != nil {
		return fmt.Errorf("reply for job %s: %w", jobID, err)
	}
	return nil
}
