package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/voicerelay/internal/llm"
	"github.com/nikhilbhutani/voicerelay/internal/metrics"
	"github.com/nikhilbhutani/voicerelay/internal/models"
	"github.com/nikhilbhutani/voicerelay/internal/multimodal/stt"
	"github.com/nikhilbhutani/voicerelay/internal/multimodal/tts"
)

// Accept stores an uploaded recording under a new job, transcribes it and
// queues the reply stage. The returned job carries the transcript.
//
// A non-nil job is returned whenever one was created, including alongside
// ErrRecording and ErrTranscription. An empty transcript is not an error: the
// job is failed as transcription_failed and nothing is queued.
func (s *Service) Accept(ctx context.Context, body io.Reader, contentType string) (*models.Job, error) {
	job := models.NewJob()
	ext := recordingExtension(contentType)
	job.RecordingKey = path.Join(job.ID.String(), "recording."+ext)

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.UploadsTotal.Inc()
	slog.Info("recording upload", "job_id", job.ID, "content_type", contentType)

	n, err := s.storage.Put(ctx, job.RecordingKey, body, -1, contentType)
	if err != nil {
		job.Fail(models.FailureRecording, err)
		return job, errors.Join(fmt.Errorf("%w: %w", ErrRecording, err), s.finish(ctx, job))
	}
	slog.Debug("recording stored", "job_id", job.ID, "bytes", n)

	job.Advance(models.JobStatusTranscribing)
	if err := s.save(ctx, job); err != nil {
		return job, err
	}

	text, err := s.transcribe(ctx, job, ext)
	if err != nil {
		job.Fail(models.FailureTranscription, err)
		return job, errors.Join(fmt.Errorf("%w: %w", ErrTranscription, err), s.finish(ctx, job))
	}
	job.Transcript = text

	if text == "" {
		job.Fail(models.FailureTranscription, errors.New("empty transcript"))
		return job, s.finish(ctx, job)
	}

	job.Advance(models.JobStatusQueued)
	if err := s.save(ctx, job); err != nil {
		return job, err
	}

	if err := s.enqueue(ctx, job.ID); err != nil {
		job.Fail(models.FailureQueue, err)
		return job, s.finish(ctx, job)
	}
	return job, nil
}

func (s *Service) enqueue(ctx context.Context, id uuid.UUID) error {
	if s.queue == nil {
		return errors.New("no reply queue configured")
	}
	return s.queue.EnqueueReply(ctx, id)
}

func (s *Service) transcribe(ctx context.Context, job *models.Job, ext string) (string, error) {
	obj, err := s.storage.Open(ctx, job.RecordingKey)
	if err != nil {
		return "", fmt.Errorf("open recording: %w", err)
	}
	defer obj.Body.Close()

	ctx, cancel := withTimeout(ctx, s.opts.STTTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.stt.Transcribe(ctx, stt.TranscriptionRequest{
		Audio:    obj.Body,
		FileName: "recording." + ext,
		Language: s.opts.Language,
	})
	observe("transcribe", start, err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// HandleReply runs the reply stage for a queued job: completion, synthesis,
// then the reply audio write. Provider failures end the job as failed and
// are not returned; only job store errors are, since those leave the job's
// recorded state unknown. Jobs already in a terminal state are skipped.
func (s *Service) HandleReply(ctx context.Context, id uuid.UUID) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}
	if job.Terminal() {
		slog.Info("skipping finished job", "job_id", id, "status", job.Status)
		return nil
	}

	job.Advance(models.JobStatusGenerating)
	if err := s.save(ctx, job); err != nil {
		return err
	}

	reply, err := s.complete(ctx, job.Transcript)
	if err != nil {
		job.Fail(models.FailureCompletion, err)
		return s.finish(ctx, job)
	}
	job.Reply = reply

	job.Advance(models.JobStatusSynthesizing)
	if err := s.save(ctx, job); err != nil {
		return err
	}

	audio, err := s.synthesize(ctx, reply)
	if err != nil {
		job.Fail(models.FailureSynthesis, err)
		return s.finish(ctx, job)
	}

	key := path.Join(job.ID.String(), "reply."+audio.Extension)
	n, err := s.storage.Put(ctx, key, bytes.NewReader(audio.Audio), int64(len(audio.Audio)), audio.ContentType)
	if err != nil {
		job.Fail(models.FailureSynthesis, fmt.Errorf("store reply audio: %w", err))
		return s.finish(ctx, job)
	}

	job.AudioKey = key
	job.AudioSize = n
	job.AudioContentType = audio.ContentType
	job.Advance(models.JobStatusReady)
	return s.finish(ctx, job)
}

func (s *Service) complete(ctx context.Context, transcript string) (string, error) {
	ctx, cancel := withTimeout(ctx, s.opts.LLMTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.llm.Chat(ctx, llm.ChatRequest{
		Messages:  llm.Prompt(s.opts.PromptRole, transcript),
		MaxTokens: s.opts.MaxReplyTokens,
	})
	observe("complete", start, err)
	if err != nil {
		return "", err
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", errors.New("empty completion")
	}
	return reply, nil
}

func (s *Service) synthesize(ctx context.Context, text string) (*tts.SynthesisResult, error) {
	ctx, cancel := withTimeout(ctx, s.opts.TTSTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.tts.Synthesize(ctx, tts.SynthesisRequest{
		Input:  text,
		Voice:  s.opts.Voice,
		Format: s.opts.Format,
	})
	observe("synthesize", start, err)
	if err != nil {
		return nil, err
	}
	if len(res.Audio) == 0 {
		return nil, errors.New("synthesis returned no audio")
	}
	if res.Extension == "" {
		res.Extension = s.opts.Format
	}
	if res.ContentType == "" {
		res.ContentType = tts.ContentType(res.Extension)
	}
	return res, nil
}
