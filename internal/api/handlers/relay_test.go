package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/voicerelay/internal/jobs"
	"github.com/nikhilbhutani/voicerelay/internal/models"
	"github.com/nikhilbhutani/voicerelay/internal/relay"
	"github.com/nikhilbhutani/voicerelay/internal/storage"
)

type stubRelay struct {
	acceptJob *models.Job
	acceptErr error
	uploaded  []byte

	jobs  map[uuid.UUID]*models.Job
	audio map[uuid.UUID][]byte

	latest      *models.Job
	latestReady *models.Job
	audioErr    error
}

func (s *stubRelay) Accept(_ context.Context, body io.Reader, _ string) (*models.Job, error) {
	data, err := io.ReadAll(body)
	s.uploaded = data
	if err != nil {
		return s.acceptJob, fmt.Errorf("%w: %w", relay.ErrRecording, err)
	}
	return s.acceptJob, s.acceptErr
}

func (s *stubRelay) Job(_ context.Context, id *uuid.UUID) (*models.Job, error) {
	if id == nil {
		if s.latest == nil {
			return nil, jobs.ErrNotFound
		}
		return s.latest, nil
	}
	if j, ok := s.jobs[*id]; ok {
		return j, nil
	}
	return nil, jobs.ErrNotFound
}

func (s *stubRelay) Audio(_ context.Context, id *uuid.UUID) (*models.Job, *storage.Object, error) {
	if s.audioErr != nil {
		return nil, nil, s.audioErr
	}
	var job *models.Job
	if id == nil {
		job = s.latestReady
	} else {
		job = s.jobs[*id]
	}
	if job == nil {
		return nil, nil, jobs.ErrNotFound
	}
	if !job.Ready() {
		return job, nil, relay.ErrNotReady
	}
	data := s.audio[job.ID]
	return job, &storage.Object{
		Body:        io.NopCloser(strings.NewReader(string(data))),
		Size:        int64(len(data)),
		ContentType: job.AudioContentType,
	}, nil
}

func readyJob(audio string) (*models.Job, []byte) {
	job := models.NewJob()
	job.Transcript = "what is 2+2"
	job.Reply = "4"
	job.AudioContentType = "audio/wav"
	job.AudioSize = int64(len(audio))
	job.Advance(models.JobStatusReady)
	return job, []byte(audio)
}

func newTestServer(s *stubRelay, maxUpload int64) http.Handler {
	h := NewRelayHandler(s, maxUpload)
	r := chi.NewRouter()
	r.Get("/", h.Hello)
	r.Post("/uploadAudio", h.UploadAudio)
	r.Get("/checkVariable", h.CheckVariable)
	r.Get("/broadcastAudio", h.BroadcastAudio)
	r.Get("/jobs/{id}", h.GetJob)
	r.Get("/jobs/{id}/audio", h.JobAudio)
	return r
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHello(t *testing.T) {
	rec := do(t, newTestServer(&stubRelay{}, 0), httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello World", rec.Body.String())
}

func TestUploadAudioReturnsTranscript(t *testing.T) {
	job := models.NewJob()
	job.Transcript = "what is 2+2"
	job.Advance(models.JobStatusQueued)
	s := &stubRelay{acceptJob: job}

	req := httptest.NewRequest("POST", "/uploadAudio", strings.NewReader("RIFF-body"))
	req.Header.Set("Content-Type", "audio/wav")
	rec := do(t, newTestServer(s, 0), req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "what is 2+2", rec.Body.String())
	assert.Equal(t, job.ID.String(), rec.Header().Get("X-Job-ID"))
	assert.Equal(t, "RIFF-body", string(s.uploaded))
}

func TestUploadAudioJSON(t *testing.T) {
	job := models.NewJob()
	job.Transcript = "hello"
	job.Advance(models.JobStatusQueued)

	req := httptest.NewRequest("POST", "/uploadAudio", strings.NewReader("RIFF"))
	req.Header.Set("Accept", "text/html, application/json;q=0.9")
	rec := do(t, newTestServer(&stubRelay{acceptJob: job}, 0), req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, job.ID, body.JobID)
	assert.Equal(t, "hello", body.Transcript)
	assert.Equal(t, models.JobStatusQueued, body.Status)
}

func TestUploadAudioEmptyTranscript(t *testing.T) {
	job := models.NewJob()
	job.Fail(models.FailureTranscription, errors.New("empty transcript"))

	rec := do(t, newTestServer(&stubRelay{acceptJob: job}, 0),
		httptest.NewRequest("POST", "/uploadAudio", strings.NewReader("RIFF")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestUploadAudioTranscriptionError(t *testing.T) {
	job := models.NewJob()
	job.Fail(models.FailureTranscription, errors.New("401"))
	s := &stubRelay{acceptJob: job, acceptErr: fmt.Errorf("%w: 401", relay.ErrTranscription)}

	rec := do(t, newTestServer(s, 0), httptest.NewRequest("POST", "/uploadAudio", strings.NewReader("RIFF")))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, job.ID.String(), rec.Header().Get("X-Job-ID"))
}

func TestUploadAudioStorageError(t *testing.T) {
	s := &stubRelay{acceptErr: errors.New("create job: connection refused")}
	rec := do(t, newTestServer(s, 0), httptest.NewRequest("POST", "/uploadAudio", strings.NewReader("RIFF")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUploadAudioTooLarge(t *testing.T) {
	s := &stubRelay{acceptJob: models.NewJob()}
	rec := do(t, newTestServer(s, 4), httptest.NewRequest("POST", "/uploadAudio", strings.NewReader("RIFF-too-long")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCheckVariable(t *testing.T) {
	t.Run("no uploads yet", func(t *testing.T) {
		rec := do(t, newTestServer(&stubRelay{}, 0), httptest.NewRequest("GET", "/checkVariable", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ready":false}`, rec.Body.String())
	})

	t.Run("latest job in flight", func(t *testing.T) {
		job := models.NewJob()
		job.Advance(models.JobStatusGenerating)
		rec := do(t, newTestServer(&stubRelay{latest: job}, 0), httptest.NewRequest("GET", "/checkVariable", nil))

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, false, body["ready"])
		assert.Equal(t, "generating", body["status"])
		assert.Equal(t, job.ID.String(), body["job_id"])
	})

	t.Run("latest job ready", func(t *testing.T) {
		job, _ := readyJob("x")
		rec := do(t, newTestServer(&stubRelay{latest: job}, 0), httptest.NewRequest("GET", "/checkVariable", nil))

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, true, body["ready"])
	})

	t.Run("failed job reports its failure", func(t *testing.T) {
		job := models.NewJob()
		job.Fail(models.FailureCompletion, errors.New("rate limited"))
		s := &stubRelay{jobs: map[uuid.UUID]*models.Job{job.ID: job}}
		rec := do(t, newTestServer(s, 0), httptest.NewRequest("GET", "/checkVariable?job="+job.ID.String(), nil))

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, false, body["ready"])
		assert.Equal(t, "completion_failed", body["failure"])
		assert.Equal(t, "rate limited", body["error"])
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := do(t, newTestServer(&stubRelay{}, 0), httptest.NewRequest("GET", "/checkVariable?job="+uuid.NewString(), nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed job", func(t *testing.T) {
		rec := do(t, newTestServer(&stubRelay{}, 0), httptest.NewRequest("GET", "/checkVariable?job=nope", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBroadcastAudio(t *testing.T) {
	t.Run("nothing ready", func(t *testing.T) {
		rec := do(t, newTestServer(&stubRelay{}, 0), httptest.NewRequest("GET", "/broadcastAudio", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("streams latest ready audio", func(t *testing.T) {
		job, audio := readyJob("RIFF-reply-bytes")
		s := &stubRelay{latestReady: job, audio: map[uuid.UUID][]byte{job.ID: audio}}
		rec := do(t, newTestServer(s, 0), httptest.NewRequest("GET", "/broadcastAudio", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
		assert.Equal(t, "16", rec.Header().Get("Content-Length"))
		assert.Equal(t, audio, rec.Body.Bytes())
	})

	t.Run("job not ready", func(t *testing.T) {
		job := models.NewJob()
		s := &stubRelay{jobs: map[uuid.UUID]*models.Job{job.ID: job}}
		rec := do(t, newTestServer(s, 0), httptest.NewRequest("GET", "/broadcastAudio?job="+job.ID.String(), nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("object missing", func(t *testing.T) {
		rec := do(t, newTestServer(&stubRelay{audioErr: storage.ErrNotFound}, 0), httptest.NewRequest("GET", "/broadcastAudio", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("storage error", func(t *testing.T) {
		rec := do(t, newTestServer(&stubRelay{audioErr: errors.New("permission denied")}, 0), httptest.NewRequest("GET", "/broadcastAudio", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestJobRoutes(t *testing.T) {
	job, audio := readyJob("RIFF")
	s := &stubRelay{
		jobs:  map[uuid.UUID]*models.Job{job.ID: job},
		audio: map[uuid.UUID][]byte{job.ID: audio},
	}
	srv := newTestServer(s, 0)

	rec := do(t, srv, httptest.NewRequest("GET", "/jobs/"+job.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "4", body["reply"])
	assert.NotContains(t, body, "AudioKey")

	rec = do(t, srv, httptest.NewRequest("GET", "/jobs/"+job.ID.String()+"/audio", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RIFF", rec.Body.String())

	rec = do(t, srv, httptest.NewRequest("GET", "/jobs/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, httptest.NewRequest("GET", "/jobs/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
