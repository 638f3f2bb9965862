// Package relay chains the voice pipeline: an uploaded recording is stored
// and transcribed on the request path, then a queued reply stage asks the
// completion provider for an answer, voices it and marks the job ready.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/voicerelay/internal/jobs"
	"github.com/nikhilbhutani/voicerelay/internal/llm"
	"github.com/nikhilbhutani/voicerelay/internal/metrics"
	"github.com/nikhilbhutani/voicerelay/internal/models"
	"github.com/nikhilbhutani/voicerelay/internal/multimodal/stt"
	"github.com/nikhilbhutani/voicerelay/internal/multimodal/tts"
	"github.com/nikhilbhutani/voicerelay/internal/storage"
)

var (
	ErrRecording     = errors.New("recording failed")
	ErrTranscription = errors.New("transcription failed")
	ErrNotReady      = errors.New("job has no reply audio")
)

// Completer is satisfied by *llm.Gateway.
type Completer interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Enqueuer hands a transcribed job to the reply stage.
type Enqueuer interface {
	EnqueueReply(ctx context.Context, jobID uuid.UUID) error
}

// Notifier is told about every job that reaches a terminal state.
type Notifier interface {
	Notify(job *models.Job)
}

type Deps struct {
	Jobs     jobs.Store
	Storage  storage.Storage
	STT      stt.STTProvider
	LLM      Completer
	TTS      tts.TTSProvider
	Queue    Enqueuer // nil on the worker, which only runs replies
	Notifier Notifier // optional
}

type Options struct {
	Language       string
	MaxReplyTokens int
	PromptRole     string // role the transcript is sent under; default "system"
	Voice          string
	Format         string
	STTTimeout     time.Duration
	LLMTimeout     time.Duration
	TTSTimeout     time.Duration
}

type Service struct {
	jobs     jobs.Store
	storage  storage.Storage
	stt      stt.STTProvider
	llm      Completer
	tts      tts.TTSProvider
	queue    Enqueuer
	notifier Notifier
	opts     Options
}

func NewService(deps Deps, opts Options) *Service {
	if opts.MaxReplyTokens <= 0 {
		opts.MaxReplyTokens = 30
	}
	if opts.PromptRole == "" {
		opts.PromptRole = "system"
	}
	if opts.Format == "" {
		opts.Format = "wav"
	}
	return &Service{
		jobs:     deps.Jobs,
		storage:  deps.Storage,
		stt:      deps.STT,
		llm:      deps.LLM,
		tts:      deps.TTS,
		queue:    deps.Queue,
		notifier: deps.Notifier,
		opts:     opts,
	}
}

// Job returns a job by ID, or the most recently created one when id is nil.
func (s *Service) Job(ctx context.Context, id *uuid.UUID) (*models.Job, error) {
	if id == nil {
		return s.jobs.Latest(ctx)
	}
	return s.jobs.Get(ctx, *id)
}

// Audio opens the reply audio of a job, or of the most recently finished job
// when id is nil. The caller closes the returned object.
func (s *Service) Audio(ctx context.Context, id *uuid.UUID) (*models.Job, *storage.Object, error) {
	var job *models.Job
	var err error
	if id == nil {
		job, err = s.jobs.LatestReady(ctx)
	} else {
		job, err = s.jobs.Get(ctx, *id)
	}
	if err != nil {
		return nil, nil, err
	}
	if !job.Ready() || job.AudioKey == "" {
		return job, nil, ErrNotReady
	}

	obj, err := s.storage.Open(ctx, job.AudioKey)
	if err != nil {
		return job, nil, err
	}
	if obj.ContentType == "" || obj.ContentType == "application/octet-stream" {
		obj.ContentType = job.AudioContentType
	}
	return job, obj, nil
}

// Prune deletes jobs created more than olderThan ago together with their
// recording and reply objects.
func (s *Service) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	removed, err := s.jobs.DeleteBefore(ctx, time.Now().UTC().Add(-olderThan))
	for _, job := range removed {
		for _, key := range []string{job.RecordingKey, job.AudioKey} {
			if key == "" {
				continue
			}
			if derr := s.storage.Delete(ctx, key); derr != nil {
				slog.Warn("failed to delete job object", "job_id", job.ID, "key", key, "error", derr)
			}
		}
	}
	metrics.JobsPruned.Add(float64(len(removed)))
	if err != nil {
		return len(removed), fmt.Errorf("prune jobs: %w", err)
	}
	return len(removed), nil
}

// save persists job state even when the caller's context is already gone,
// so that a disconnected client still leaves an accurate record behind.
func (s *Service) save(ctx context.Context, job *models.Job) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// finish records a terminal state and announces it.
func (s *Service) finish(ctx context.Context, job *models.Job) error {
	err := s.save(ctx, job)

	metrics.JobsFinished.WithLabelValues(string(job.Status), string(job.Failure)).Inc()
	if job.Failure != models.FailureNone {
		slog.Warn("job failed", "job_id", job.ID, "failure", job.Failure, "error", job.Error)
	} else {
		slog.Info("job ready", "job_id", job.ID, "audio_bytes", job.AudioSize)
	}
	if s.notifier != nil {
		s.notifier.Notify(job.Clone())
	}
	return err
}

func observe(stage string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.StageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

var recordingExtensions = map[string]string{
	"audio/wav":    "wav",
	"audio/x-wav":  "wav",
	"audio/wave":   "wav",
	"audio/webm":   "webm",
	"audio/ogg":    "ogg",
	"audio/mpeg":   "mp3",
	"audio/mp4":    "m4a",
	"audio/x-m4a":  "m4a",
	"audio/flac":   "flac",
	"audio/x-flac": "flac",
	"video/webm":   "webm",
}

// recordingExtension picks the file extension the transcription provider
// uses to detect the container. Unknown or missing types are treated as WAV.
func recordingExtension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "wav"
	}
	if ext, ok := recordingExtensions[strings.ToLower(mediaType)]; ok {
		return ext
	}
	return "wav"
}
