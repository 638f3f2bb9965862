package queue

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/hibiken/asynq"
)

// Registry routes worker tasks by type and logs the outcome of each one.
type Registry struct {
	mux   *asynq.ServeMux
	types []string
}

func NewRegistry() *Registry {
	mux := asynq.NewServeMux()
	mux.Use(logTasks)
	return &Registry{mux: mux}
}

func (r *Registry) Register(taskType string, handler asynq.Handler) {
	r.mux.Handle(taskType, handler)
	r.types = append(r.types, taskType)
	sort.Strings(r.types)
}

// Types lists the registered task types.
func (r *Registry) Types() []string {
	return append([]string(nil), r.types...)
}

func (r *Registry) Mux() *asynq.ServeMux {
	return r.mux
}

func logTasks(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		taskID, _ := asynq.GetTaskID(ctx)

		err := next.ProcessTask(ctx, t)

		attrs := []any{"type", t.Type(), "task_id", taskID, "duration_ms", time.Since(start).Milliseconds()}
		if err != nil {
			slog.Error("task failed", append(attrs, "error", err)...)
			return err
		}
		slog.Debug("task done", attrs...)
		return nil
	})
}
