package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const TypeRelayReply = "relay:reply"

// ReplyPayload names the job whose transcript should be answered and voiced.
type ReplyPayload struct {
	JobID string `json:"job_id"`
}

func NewReplyTask(jobID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(ReplyPayload{JobID: jobID.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TypeRelayReply, data), nil
}

// ParseReplyPayload extracts the job ID from a relay:reply task.
func ParseReplyPayload(t *asynq.Task) (uuid.UUID, error) {
	var payload ReplyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return uuid.Nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	id, err := uuid.Parse(payload.JobID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse job ID: %w", err)
	}
	return id, nil
}
