package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/voicerelay/internal/models"
)

const jobColumns = `id, status, failure, error, recording_key, transcript, reply,
	audio_key, audio_size, audio_content_type, created_at, updated_at, ready_at`

// PostgresStore persists jobs in the relay_jobs table.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Status, &j.Failure, &j.Error, &j.RecordingKey, &j.Transcript, &j.Reply,
		&j.AudioKey, &j.AudioSize, &j.AudioContentType, &j.CreatedAt, &j.UpdatedAt, &j.ReadyAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) Create(ctx context.Context, job *models.Job) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO relay_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.Status, job.Failure, job.Error, job.RecordingKey, job.Transcript, job.Reply,
		job.AudioKey, job.AudioSize, job.AudioContentType, job.CreatedAt, job.UpdatedAt, job.ReadyAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM relay_jobs WHERE id = $1`, id))
}

func (s *PostgresStore) Update(ctx context.Context, job *models.Job) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE relay_jobs SET status = $2, failure = $3, error = $4, recording_key = $5, transcript = $6,
		 reply = $7, audio_key = $8, audio_size = $9, audio_content_type = $10, updated_at = $11, ready_at = $12
		 WHERE id = $1`,
		job.ID, job.Status, job.Failure, job.Error, job.RecordingKey, job.Transcript,
		job.Reply, job.AudioKey, job.AudioSize, job.AudioContentType, job.UpdatedAt, job.ReadyAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context) (*models.Job, error) {
	return scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM relay_jobs ORDER BY created_at DESC LIMIT 1`))
}

func (s *PostgresStore) LatestReady(ctx context.Context) (*models.Job, error) {
	return scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM relay_jobs
		 WHERE status = $1 AND ready_at IS NOT NULL
		 ORDER BY ready_at DESC LIMIT 1`, models.JobStatusReady))
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx,
		`DELETE FROM relay_jobs WHERE created_at < $1 RETURNING `+jobColumns, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete jobs: %w", err)
	}
	defer rows.Close()

	var removed []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return removed, err
		}
		removed = append(removed, job)
	}
	return removed, rows.Err()
}
