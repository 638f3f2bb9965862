package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/voicerelay/internal/jobs"
	"github.com/nikhilbhutani/voicerelay/internal/llm"
	"github.com/nikhilbhutani/voicerelay/internal/models"
	"github.com/nikhilbhutani/voicerelay/internal/multimodal/stt"
	"github.com/nikhilbhutani/voicerelay/internal/multimodal/tts"
	"github.com/nikhilbhutani/voicerelay/internal/queue"
	"github.com/nikhilbhutani/voicerelay/internal/storage"
)

type fakeSTT struct {
	text  string
	err   error
	calls int
	audio []byte
}

func (f *fakeSTT) Name() string { return "fake-stt" }

func (f *fakeSTT) Transcribe(_ context.Context, req stt.TranscriptionRequest) (*stt.TranscriptionResponse, error) {
	f.calls++
	f.audio, _ = io.ReadAll(req.Audio)
	if f.err != nil {
		return nil, f.err
	}
	return &stt.TranscriptionResponse{Text: f.text}, nil
}

type fakeLLM struct {
	reply    string
	err      error
	requests []llm.ChatRequest
}

func (f *fakeLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.reply}, nil
}

type fakeTTS struct {
	audio  []byte
	err    error
	inputs []string
	during func()
}

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) Synthesize(_ context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	f.inputs = append(f.inputs, req.Input)
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &tts.SynthesisResult{Audio: f.audio, ContentType: "audio/wav", Extension: "wav"}, nil
}

type fakeQueue struct {
	err  error
	jobs []uuid.UUID
}

func (f *fakeQueue) EnqueueReply(_ context.Context, id uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, id)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (f *fakeNotifier) Notify(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

type harness struct {
	svc      *Service
	store    *jobs.MemoryStore
	files    *storage.LocalStorage
	root     string
	stt      *fakeSTT
	llm      *fakeLLM
	tts      *fakeTTS
	queue    *fakeQueue
	notifier *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	files, err := storage.NewLocalStorage(root)
	require.NoError(t, err)

	h := &harness{
		store:    jobs.NewMemoryStore(),
		files:    files,
		root:     root,
		stt:      &fakeSTT{text: "what is 2+2"},
		llm:      &fakeLLM{reply: "4"},
		tts:      &fakeTTS{audio: []byte("RIFF-reply-audio")},
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
	}
	h.svc = NewService(Deps{
		Jobs:     h.store,
		Storage:  h.files,
		STT:      h.stt,
		LLM:      h.llm,
		TTS:      h.tts,
		Queue:    h.queue,
		Notifier: h.notifier,
	}, Options{MaxReplyTokens: 30, Voice: "echo", Format: "wav", STTTimeout: time.Second})
	return h
}

// run accepts an upload and drains the queued reply, if any.
func (h *harness) run(t *testing.T, body string) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.svc.Accept(ctx, strings.NewReader(body), "audio/wav")
	require.NoError(t, err)
	for len(h.queue.jobs) > 0 {
		id := h.queue.jobs[0]
		h.queue.jobs = h.queue.jobs[1:]
		require.NoError(t, h.svc.HandleReply(ctx, id))
	}
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	return got
}

func TestFullPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.svc.Accept(ctx, strings.NewReader("RIFF-question"), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "what is 2+2", job.Transcript)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	require.Equal(t, []uuid.UUID{job.ID}, h.queue.jobs)

	recorded, err := os.ReadFile(filepath.Join(h.root, job.ID.String(), "recording.wav"))
	require.NoError(t, err)
	assert.Equal(t, "RIFF-question", string(recorded))
	assert.Equal(t, "RIFF-question", string(h.stt.audio))

	latest, err := h.svc.Job(ctx, nil)
	require.NoError(t, err)
	assert.False(t, latest.Ready())

	_, _, err = h.svc.Audio(ctx, nil)
	require.ErrorIs(t, err, jobs.ErrNotFound)

	require.NoError(t, h.svc.HandleReply(ctx, job.ID))

	require.Len(t, h.llm.requests, 1)
	req := h.llm.requests[0]
	assert.Equal(t, 30, req.MaxTokens)
	assert.Equal(t, []llm.Message{{Role: "system", Content: "what is 2+2"}}, req.Messages)
	assert.Equal(t, []string{"4"}, h.tts.inputs)

	latest, err = h.svc.Job(ctx, nil)
	require.NoError(t, err)
	assert.True(t, latest.Ready())
	assert.Equal(t, "4", latest.Reply)

	got, obj, err := h.svc.Audio(ctx, nil)
	require.NoError(t, err)
	defer obj.Body.Close()
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, int64(len("RIFF-reply-audio")), obj.Size)
	assert.Equal(t, "audio/wav", obj.ContentType)
	body, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, "RIFF-reply-audio", string(body))

	require.Len(t, h.notifier.jobs, 1)
	assert.Equal(t, models.JobStatusReady, h.notifier.jobs[0].Status)
}

func TestNotReadyWhileSynthesizing(t *testing.T) {
	h := newHarness(t)
	h.tts.during = func() {
		latest, err := h.store.Latest(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusSynthesizing, latest.Status)
		assert.False(t, latest.Ready())
	}

	job := h.run(t, "RIFF")
	assert.True(t, job.Ready())
}

func TestSilentRecording(t *testing.T) {
	h := newHarness(t)
	h.stt.text = "  \n"

	job, err := h.svc.Accept(context.Background(), strings.NewReader("RIFF-silence"), "audio/wav")
	require.NoError(t, err)
	assert.Empty(t, job.Transcript)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.FailureTranscription, job.Failure)

	assert.Empty(t, h.queue.jobs)
	assert.Empty(t, h.llm.requests)

	latest, err := h.svc.Job(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, latest.Ready())
}

func TestTranscriptionError(t *testing.T) {
	h := newHarness(t)
	h.stt.err = errors.New("401 unauthorized")

	job, err := h.svc.Accept(context.Background(), strings.NewReader("RIFF"), "audio/wav")
	require.ErrorIs(t, err, ErrTranscription)
	require.NotNil(t, job)
	assert.Equal(t, models.FailureTranscription, job.Failure)
	assert.Contains(t, job.Error, "401")
	assert.Empty(t, h.queue.jobs)
	assert.Empty(t, h.llm.requests)

	require.Len(t, h.notifier.jobs, 1)
	assert.Equal(t, models.JobStatusFailed, h.notifier.jobs[0].Status)
}

func TestCompletionFailureKeepsPreviousAudio(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.run(t, "RIFF-one")
	require.True(t, first.Ready())

	h.llm.err = errors.New("rate limited")
	h.tts.audio = []byte("should never be written")
	second := h.run(t, "RIFF-two")

	assert.Equal(t, models.JobStatusFailed, second.Status)
	assert.Equal(t, models.FailureCompletion, second.Failure)
	assert.Len(t, h.tts.inputs, 1, "synthesis must not run after a completion failure")

	latest, err := h.svc.Job(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.False(t, latest.Ready())

	served, obj, err := h.svc.Audio(ctx, nil)
	require.NoError(t, err)
	defer obj.Body.Close()
	assert.Equal(t, first.ID, served.ID)
	body, _ := io.ReadAll(obj.Body)
	assert.Equal(t, "RIFF-reply-audio", string(body))
}

func TestEmptyCompletion(t *testing.T) {
	h := newHarness(t)
	h.llm.reply = " "

	job := h.run(t, "RIFF")
	assert.Equal(t, models.FailureCompletion, job.Failure)
	assert.Empty(t, h.tts.inputs)
}

func TestSynthesisFailureWritesNoAudio(t *testing.T) {
	h := newHarness(t)
	h.tts.err = errors.New("voice unavailable")

	job := h.run(t, "RIFF")
	assert.Equal(t, models.FailureSynthesis, job.Failure)
	assert.Empty(t, job.AudioKey)

	_, err := os.Stat(filepath.Join(h.root, job.ID.String(), "reply.wav"))
	assert.True(t, os.IsNotExist(err))

	_, _, err = h.svc.Audio(context.Background(), &job.ID)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestQueueFailure(t *testing.T) {
	h := newHarness(t)
	h.queue.err = errors.New("redis down")

	job, err := h.svc.Accept(context.Background(), strings.NewReader("RIFF"), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "what is 2+2", job.Transcript)
	assert.Equal(t, models.FailureQueue, job.Failure)
}

type brokenStorage struct {
	storage.Storage
}

func (brokenStorage) Put(context.Context, string, io.Reader, int64, string) (int64, error) {
	return 0, errors.New("disk full")
}

func TestRecordingFailure(t *testing.T) {
	h := newHarness(t)
	h.svc.storage = brokenStorage{h.files}

	job, err := h.svc.Accept(context.Background(), strings.NewReader("RIFF"), "audio/wav")
	require.ErrorIs(t, err, ErrRecording)
	assert.Equal(t, models.FailureRecording, job.Failure)
	assert.Zero(t, h.stt.calls)
}

func TestHandleReplySkipsFinishedJobs(t *testing.T) {
	h := newHarness(t)
	job := h.run(t, "RIFF")
	require.True(t, job.Ready())

	require.NoError(t, h.svc.HandleReply(context.Background(), job.ID))
	assert.Len(t, h.llm.requests, 1)
}

func TestHandleReplyUnknownJob(t *testing.T) {
	h := newHarness(t)
	err := h.svc.HandleReply(context.Background(), uuid.New())
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestAudioForSpecificJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.run(t, "RIFF-one")
	h.tts.audio = []byte("second reply")
	second := h.run(t, "RIFF-two")

	_, obj, err := h.svc.Audio(ctx, &first.ID)
	require.NoError(t, err)
	body, _ := io.ReadAll(obj.Body)
	obj.Body.Close()
	assert.Equal(t, "RIFF-reply-audio", string(body))

	_, obj, err = h.svc.Audio(ctx, nil)
	require.NoError(t, err)
	body, _ = io.ReadAll(obj.Body)
	obj.Body.Close()
	assert.Equal(t, "second reply", string(body))
	assert.NotEqual(t, first.ID, second.ID)

	missing := uuid.New()
	_, _, err = h.svc.Audio(ctx, &missing)
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestPrune(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.run(t, "RIFF")
	require.True(t, job.Ready())

	n, err := h.svc.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.svc.Prune(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(filepath.Join(h.root, job.ID.String()))
	assert.True(t, os.IsNotExist(err))
	_, err = h.svc.Job(ctx, &job.ID)
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestPromptRoleIsConfigurable(t *testing.T) {
	h := newHarness(t)
	h.svc.opts.PromptRole = "user"

	job := h.run(t, "RIFF")
	require.True(t, job.Ready())
	require.Len(t, h.llm.requests, 1)
	assert.Equal(t, []llm.Message{{Role: "user", Content: "what is 2+2"}}, h.llm.requests[0].Messages)
}

func TestRecordingExtension(t *testing.T) {
	cases := map[string]string{
		"audio/wav":                "wav",
		"audio/webm;codecs=opus":   "webm",
		"audio/mpeg":               "mp3",
		"":                         "wav",
		"application/octet-stream": "wav",
	}
	for ct, want := range cases {
		assert.Equal(t, want, recordingExtension(ct), ct)
	}
}

func TestAcceptUsesUploadExtension(t *testing.T) {
	h := newHarness(t)
	job, err := h.svc.Accept(context.Background(), bytes.NewReader([]byte("OggS")), "audio/webm")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(job.RecordingKey, "/recording.webm"))
}

// Echo providers derive every stage's output from its input, so a job's
// reply audio names the upload it came from.
type echoSTT struct{}

func (echoSTT) Name() string { return "echo-stt" }

func (echoSTT) Transcribe(_ context.Context, req stt.TranscriptionRequest) (*stt.TranscriptionResponse, error) {
	data, err := io.ReadAll(req.Audio)
	if err != nil {
		return nil, err
	}
	return &stt.TranscriptionResponse{Text: string(data)}, nil
}

type echoLLM struct{}

func (echoLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "re:" + req.Messages[len(req.Messages)-1].Content}, nil
}

type echoTTS struct{}

func (echoTTS) Name() string { return "echo-tts" }

func (echoTTS) Synthesize(_ context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	return &tts.SynthesisResult{Audio: []byte("AUD:" + req.Input), ContentType: "audio/wav", Extension: "wav"}, nil
}

func TestConcurrentUploadsStayIsolated(t *testing.T) {
	const uploads = 50

	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	runner := queue.NewLocalRunner(uploads)
	svc := NewService(Deps{
		Jobs:    jobs.NewMemoryStore(),
		Storage: files,
		STT:     echoSTT{},
		LLM:     echoLLM{},
		TTS:     echoTTS{},
		Queue:   runner,
	}, Options{Format: "wav"})
	runner.Start(context.Background(), 4, svc.HandleReply)

	ids := make([]uuid.UUID, uploads)
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf("upload-%d", i)
			job, err := svc.Accept(context.Background(), strings.NewReader(body), "audio/wav")
			if assert.NoError(t, err) {
				assert.Equal(t, body, job.Transcript)
				ids[i] = job.ID
			}
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, runner.Close(ctx))

	seen := map[uuid.UUID]bool{}
	for i, id := range ids {
		want := fmt.Sprintf("upload-%d", i)
		seen[id] = true

		job, obj, err := svc.Audio(context.Background(), &id)
		require.NoError(t, err, want)
		body, err := io.ReadAll(obj.Body)
		obj.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, want, job.Transcript)
		assert.Equal(t, "re:"+want, job.Reply)
		assert.Equal(t, "AUD:re:"+want, string(body))
		assert.Equal(t, int64(len(body)), obj.Size)
	}
	assert.Len(t, seen, uploads)
}
