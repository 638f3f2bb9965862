// Package jobs records the state of every relay job. It replaces the single
// process-wide readiness flag: each upload gets its own entry, and the
// "latest" and "latest ready" views give the legacy endpoints something
// stable to read.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/voicerelay/internal/models"
)

var ErrNotFound = errors.New("job not found")

type Store interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Update(ctx context.Context, job *models.Job) error

	// Latest returns the most recently created job.
	Latest(ctx context.Context) (*models.Job, error)
	// LatestReady returns the job that most recently reached the ready state.
	LatestReady(ctx context.Context) (*models.Job, error)

	// DeleteBefore removes jobs created before cutoff and returns them so the
	// caller can release their stored audio.
	DeleteBefore(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
}
