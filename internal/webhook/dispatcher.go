package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nikhilbhutani/voicerelay/internal/models"
)

const (
	EventJobReady  = "job.ready"
	EventJobFailed = "job.failed"
)

// Dispatcher posts terminal job states to a single configured URL. Delivery
// is best effort: failures are logged and never retried.
type Dispatcher struct {
	url        string
	secret     string
	httpClient *http.Client
	deliveries chan delivery
	done       chan struct{}

	mu     sync.RWMutex
	closed bool
}

type delivery struct {
	event   string
	jobID   string
	payload []byte
}

func NewDispatcher(url, secret string) *Dispatcher {
	d := &Dispatcher{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		deliveries: make(chan delivery, 1000),
		done:       make(chan struct{}),
	}
	go d.processLoop()
	return d
}

// Notify queues a delivery for a job that reached ready or failed. Jobs in
// any other state are ignored.
func (d *Dispatcher) Notify(job *models.Job) {
	var event string
	switch job.Status {
	case models.JobStatusReady:
		event = EventJobReady
	case models.JobStatusFailed:
		event = EventJobFailed
	default:
		return
	}

	payload, err := json.Marshal(job)
	if err != nil {
		slog.Error("webhook payload marshal failed", "job_id", job.ID, "error", err)
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		slog.Warn("webhook dispatcher closed, dropping", "job_id", job.ID, "event", event)
		return
	}
	select {
	case d.deliveries <- delivery{event: event, jobID: job.ID.String(), payload: payload}:
	default:
		slog.Warn("webhook delivery queue full, dropping", "job_id", job.ID, "event", event)
	}
}

// Close flushes queued deliveries. Jobs notified afterwards are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.deliveries)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) processLoop() {
	defer close(d.done)
	for req := range d.deliveries {
		d.deliver(req)
	}
}

func (d *Dispatcher) deliver(req delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", d.url, bytes.NewReader(req.payload))
	if err != nil {
		slog.Error("webhook request creation failed", "error", err)
		return
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Webhook-Event", req.event)
	httpReq.Header.Set("X-Job-ID", req.jobID)
	if d.secret != "" {
		httpReq.Header.Set("X-Webhook-Signature", Sign(req.payload, d.secret))
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("webhook delivery failed", "error", err, "job_id", req.jobID)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("webhook received non-success response", "status", resp.StatusCode, "job_id", req.jobID)
		return
	}
	slog.Debug("webhook delivered", "event", req.event, "job_id", req.jobID)
}

// Sign returns the X-Webhook-Signature value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}
