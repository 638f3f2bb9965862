package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoutesByType(t *testing.T) {
	r := NewRegistry()

	var got uuid.UUID
	r.Register(TypeRelayReply, asynq.HandlerFunc(func(_ context.Context, task *asynq.Task) error {
		id, err := ParseReplyPayload(task)
		got = id
		return err
	}))
	assert.Equal(t, []string{TypeRelayReply}, r.Types())

	id := uuid.New()
	task, err := NewReplyTask(id)
	require.NoError(t, err)
	require.NoError(t, r.Mux().ProcessTask(context.Background(), task))
	assert.Equal(t, id, got)

	err = r.Mux().ProcessTask(context.Background(), asynq.NewTask("relay:unknown", nil))
	require.Error(t, err)
}

func TestRegistryPassesHandlerErrorsThrough(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register(TypeRelayReply, asynq.HandlerFunc(func(context.Context, *asynq.Task) error {
		return boom
	}))

	err := r.Mux().ProcessTask(context.Background(), asynq.NewTask(TypeRelayReply, []byte(`{}`)))
	require.ErrorIs(t, err, boom)
}
