package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/voicerelay/internal/config"
)

// Client enqueues reply tasks onto Redis for cmd/worker to consume.
type Client struct {
	client  *asynq.Client
	timeout time.Duration
}

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewClient creates a Client; timeout bounds a single reply task on the worker.
func NewClient(cfg config.RedisConfig, timeout time.Duration) *Client {
	return &Client{
		client:  asynq.NewClient(RedisOpt(cfg)),
		timeout: timeout,
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueReply schedules the reply stage for a job. The job ID doubles as the
// task ID, so a job is never queued twice. Failures are recorded on the job
// itself, so the task is never retried.
func (c *Client) EnqueueReply(ctx context.Context, jobID uuid.UUID) error {
	task, err := NewReplyTask(jobID)
	if err != nil {
		return err
	}

	opts := []asynq.Option{asynq.MaxRetry(0), asynq.TaskID(jobID.String())}
	if c.timeout > 0 {
		opts = append(opts, asynq.Timeout(c.timeout))
	}

	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", TypeRelayReply, err)
	}
	return nil
}
