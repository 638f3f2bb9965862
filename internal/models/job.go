package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusRecording    JobStatus = "recording"
	JobStatusTranscribing JobStatus = "transcribing"
	JobStatusQueued       JobStatus = "queued"
	JobStatusGenerating   JobStatus = "generating"
	JobStatusSynthesizing JobStatus = "synthesizing"
	JobStatusReady        JobStatus = "ready"
	JobStatusFailed       JobStatus = "failed"
)

// FailureKind names the pipeline stage that ended a failed job.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureRecording     FailureKind = "recording_failed"
	FailureTranscription FailureKind = "transcription_failed"
	FailureQueue         FailureKind = "queue_failed"
	FailureCompletion    FailureKind = "completion_failed"
	FailureSynthesis     FailureKind = "synthesis_failed"
)

// Job tracks one upload through the relay pipeline.
type Job struct {
	ID               uuid.UUID   `json:"id" db:"id"`
	Status           JobStatus   `json:"status" db:"status"`
	Failure          FailureKind `json:"failure,omitempty" db:"failure"`
	Error            string      `json:"error,omitempty" db:"error"`
	RecordingKey     string      `json:"-" db:"recording_key"`
	Transcript       string      `json:"transcript" db:"transcript"`
	Reply            string      `json:"reply,omitempty" db:"reply"`
	AudioKey         string      `json:"-" db:"audio_key"`
	AudioSize        int64       `json:"audio_size,omitempty" db:"audio_size"`
	AudioContentType string      `json:"audio_content_type,omitempty" db:"audio_content_type"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
	ReadyAt          *time.Time  `json:"ready_at,omitempty" db:"ready_at"`
}

func NewJob() *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.New(),
		Status:    JobStatusRecording,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (j *Job) Ready() bool {
	return j.Status == JobStatusReady
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusReady || j.Status == JobStatusFailed
}

func (j *Job) Advance(status JobStatus) {
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	if status == JobStatusReady {
		t := j.UpdatedAt
		j.ReadyAt = &t
	}
}

func (j *Job) Fail(kind FailureKind, err error) {
	j.Failure = kind
	if err != nil {
		j.Error = err.Error()
	}
	j.Advance(JobStatusFailed)
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	c := *j
	if j.ReadyAt != nil {
		t := *j.ReadyAt
		c.ReadyAt = &t
	}
	return &c
}
