package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/voicerelay/internal/jobs"
	"github.com/nikhilbhutani/voicerelay/internal/models"
	"github.com/nikhilbhutani/voicerelay/internal/relay"
	"github.com/nikhilbhutani/voicerelay/internal/storage"
)

// Relay is the part of *relay.Service the HTTP layer needs.
type Relay interface {
	Accept(ctx context.Context, body io.Reader, contentType string) (*models.Job, error)
	Job(ctx context.Context, id *uuid.UUID) (*models.Job, error)
	Audio(ctx context.Context, id *uuid.UUID) (*models.Job, *storage.Object, error)
}

type RelayHandler struct {
	relay          Relay
	maxUploadBytes int64
}

func NewRelayHandler(r Relay, maxUploadBytes int64) *RelayHandler {
	return &RelayHandler{relay: r, maxUploadBytes: maxUploadBytes}
}

type uploadResponse struct {
	JobID      uuid.UUID        `json:"job_id"`
	Transcript string           `json:"transcript"`
	Status     models.JobStatus `json:"status"`
}

type readinessResponse struct {
	Ready   bool               `json:"ready"`
	JobID   *uuid.UUID         `json:"job_id,omitempty"`
	Status  models.JobStatus   `json:"status,omitempty"`
	Failure models.FailureKind `json:"failure,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func (h *RelayHandler) Hello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "Hello World")
}

// UploadAudio stores the raw request body as a new job's recording and
// answers with its transcript. The reply is produced in the background.
func (h *RelayHandler) UploadAudio(w http.ResponseWriter, r *http.Request) {
	body := io.Reader(r.Body)
	if h.maxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	job, err := h.relay.Accept(r.Context(), body, r.Header.Get("Content-Type"))
	if job != nil {
		w.Header().Set("X-Job-ID", job.ID.String())
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "recording exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		case errors.Is(err, relay.ErrTranscription):
			slog.Error("transcription failed", "job_id", job.ID, "error", err)
			writeError(w, http.StatusBadGateway, "transcription failed")
		default:
			slog.Error("upload failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not store recording")
		}
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, uploadResponse{JobID: job.ID, Transcript: job.Transcript, Status: job.Status})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, job.Transcript)
}

// CheckVariable reports whether reply audio is ready, for ?job=<id> or for
// the most recent upload.
func (h *RelayHandler) CheckVariable(w http.ResponseWriter, r *http.Request) {
	id, ok := jobQuery(w, r)
	if !ok {
		return
	}

	job, err := h.relay.Job(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		if id != nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, readinessResponse{Ready: false})
		return
	}
	if err != nil {
		slog.Error("readiness lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, readinessResponse{
		Ready:   job.Ready(),
		JobID:   &job.ID,
		Status:  job.Status,
		Failure: job.Failure,
		Error:   job.Error,
	})
}

// BroadcastAudio streams the reply audio for ?job=<id>, or for the most
// recently finished job.
func (h *RelayHandler) BroadcastAudio(w http.ResponseWriter, r *http.Request) {
	id, ok := jobQuery(w, r)
	if !ok {
		return
	}
	h.serveAudio(w, r, id)
}

func (h *RelayHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobParam(w, r)
	if !ok {
		return
	}

	job, err := h.relay.Job(r.Context(), &id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		slog.Error("job lookup failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *RelayHandler) JobAudio(w http.ResponseWriter, r *http.Request) {
	id, ok := jobParam(w, r)
	if !ok {
		return
	}
	h.serveAudio(w, r, &id)
}

func (h *RelayHandler) serveAudio(w http.ResponseWriter, r *http.Request, id *uuid.UUID) {
	job, obj, err := h.relay.Audio(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) || errors.Is(err, relay.ErrNotReady) || errors.Is(err, storage.ErrNotFound) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("open reply audio failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer obj.Body.Close()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "audio/wav"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("X-Job-ID", job.ID.String())
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	// Headers are gone; a failed copy can only be logged.
	if n, err := io.Copy(w, obj.Body); err != nil {
		slog.Error("streaming reply audio failed", "job_id", job.ID, "sent", n, "error", err)
	}
}

func jobQuery(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get("job")
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return nil, false
	}
	return &id, true
}

func jobParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, false
	}
	return id, true
}

func wantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == "application/json" {
			return true
		}
	}
	return false
}
