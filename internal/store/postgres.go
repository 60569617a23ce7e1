package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"scribe-pipeline/internal/models"
)

// Store wraps pgxpool for the job-status registry. The queue and blob store
// carry the pipeline; this registry only answers "where is my job" for the
// status API and keeps an audit trail of stage transitions.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Job is one registry row.
type Job struct {
	RequestID   string    `json:"request_id"`
	ReqType     string    `json:"req_type"`
	APIType     string    `json:"api_type"`
	FileURL     string    `json:"file_url,omitempty"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	State       string    `json:"state"`
	Status      string    `json:"status"`
	FailedState *string   `json:"failed_state,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateJob inserts a registry row for a newly submitted request. Reruns with
// the same request_id are a no-op so redelivered Init messages cannot clone
// rows.
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (request_id, req_type, api_type, file_url, webhook_url, state, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (request_id) DO NOTHING
	`, job.RequestID, job.ReqType, job.APIType, job.FileURL, job.WebhookURL, string(models.StateInit), models.StatusInprogress, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a registry row by request id.
func (s *Store) GetJob(ctx context.Context, requestID string) (Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT request_id, req_type, api_type, file_url, webhook_url, state, status, failed_state, created_at, updated_at
		FROM jobs WHERE request_id = $1
	`, requestID)

	var job Job
	var failed pgtype.Text
	err := row.Scan(&job.RequestID, &job.ReqType, &job.APIType, &job.FileURL, &job.WebhookURL,
		&job.State, &job.Status, &failed, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s not found: %w", requestID, err)
	}
	if err != nil {
		return Job{}, fmt.Errorf("scan job: %w", err)
	}
	if failed.Valid {
		job.FailedState = &failed.String
	}
	return job, nil
}

// UpdateState records the stage a job has advanced to.
func (s *Store) UpdateState(ctx context.Context, requestID string, state models.State) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, updated_at = NOW() WHERE request_id = $1
	`, requestID, string(state))
	return err
}

// MarkCompleted transitions a job to its successful terminal status.
func (s *Store) MarkCompleted(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, state = $3, failed_state = NULL, updated_at = NOW() WHERE request_id = $1
	`, requestID, models.StatusCompleted, string(models.StateFinal))
	return err
}

// MarkFailed records the terminal failure and which stage gave up.
func (s *Store) MarkFailed(ctx context.Context, requestID string, failed models.State) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, state = $3, failed_state = $4, updated_at = NOW() WHERE request_id = $1
	`, requestID, models.StatusFailed, string(models.StateFinal), string(failed))
	return err
}

// AppendEvent adds an audit row; used for stage transitions and live-session
// lifecycle events.
func (s *Store) AppendEvent(ctx context.Context, requestID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (request_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, requestID, event, detail)
	return err
}
