package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/survey-platform/internal/population"
)

var (
	// ErrPopulationBusy is returned when a population already has a
	// queued or in-flight job. Exactly one active job may own a
	// population at a time; admission control enforces it here.
	ErrPopulationBusy = errors.New("population already has an active job")

	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobActive is returned when removing a job that a worker has
	// already claimed. In-flight jobs run to completion or failure;
	// cancellation is deliberately unsupported.
	ErrJobActive = errors.New("job already claimed by a worker")
)

// Status is a job's queue state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one durable unit of pipeline work. Payload carries the
// type-specific wire format including the resume checkpoint.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	Type           Type            `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	BackoffSeconds int             `json:"backoff_seconds"`
	Progress       int             `json:"progress"`
	WorkerID       string          `json:"worker_id,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EnqueueOptions tunes retry behavior per job.
type EnqueueOptions struct {
	MaxAttempts int           // default 3
	Backoff     time.Duration // initial retry delay, default 30s; doubles per attempt
}

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 30 * time.Second

	// progressTTL bounds how long a finished job's cached progress
	// lingers in Redis.
	progressTTL = 24 * time.Hour
)

// NonRetryableError marks a pipeline failure that retrying cannot fix
// (unreadable file, malformed header). Fail treats it as terminal
// regardless of the remaining attempt budget.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so the queue fails the job immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err carries a NonRetryableError.
func IsNonRetryable(err error) bool {
	var nr *NonRetryableError
	return errors.As(err, &nr)
}

// Queue is the durable job queue. Postgres is the source of truth;
// Redis only caches progress snapshots for cheap status polls and may
// be nil in tests that don't exercise that path.
type Queue struct {
	db    *sql.DB
	redis *redis.Client
}

// NewQueue creates a queue over the given database and Redis client.
func NewQueue(db *sql.DB, redisClient *redis.Client) *Queue {
	return &Queue{db: db, redis: redisClient}
}

// EnqueueUpload admits and persists an upload job for the payload's
// population.
func (q *Queue) EnqueueUpload(ctx context.Context, p UploadPayload, opts EnqueueOptions) (*Job, error) {
	return q.enqueue(ctx, TypeUpload, p.PopulationID, p, opts)
}

// EnqueueSegmentation admits and persists a segmentation job for the
// destination population.
func (q *Queue) EnqueueSegmentation(ctx context.Context, p SegmentationPayload, opts EnqueueOptions) (*Job, error) {
	return q.enqueue(ctx, TypeSegmentation, p.ToPopulationID, p, opts)
}

// enqueue inserts a job and binds it to its population in one
// transaction. Admission control: a population whose status is queued
// or working under an existing job rejects new work before any worker
// can dequeue it. A freshly created population (job_id still null) is
// always admitted.
func (q *Queue) enqueue(ctx context.Context, t Type, populationID uuid.UUID, payload any, opts EnqueueOptions) (*Job, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	txn, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer txn.Rollback()

	var status population.Status
	var jobID uuid.NullUUID
	err = txn.QueryRowContext(ctx, `
		SELECT status, job_id FROM survey_populations WHERE id = $1 FOR UPDATE
	`, populationID).Scan(&status, &jobID)
	if err == sql.ErrNoRows {
		return nil, population.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock population: %w", err)
	}
	if jobID.Valid && (status == population.StatusQueued || status == population.StatusWorking) {
		return nil, ErrPopulationBusy
	}

	job := &Job{
		ID:             uuid.New(),
		Type:           t,
		Payload:        data,
		Status:         StatusQueued,
		MaxAttempts:    opts.MaxAttempts,
		BackoffSeconds: int(opts.Backoff / time.Second),
	}
	err = txn.QueryRowContext(ctx, `
		INSERT INTO survey_jobs (id, job_type, payload, status, attempts, max_attempts, backoff_seconds, progress, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', 0, $4, $5, 0, NOW(), NOW(), NOW())
		RETURNING scheduled_at, created_at, updated_at
	`, job.ID, job.Type, job.Payload, job.MaxAttempts, job.BackoffSeconds).Scan(&job.ScheduledAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	_, err = txn.ExecContext(ctx, `
		UPDATE survey_populations SET status = 'queued', job_id = $2, updated_at = NOW() WHERE id = $1
	`, populationID, job.ID)
	if err != nil {
		return nil, fmt.Errorf("bind job to population: %w", err)
	}

	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return job, nil
}

// Claim atomically dequeues the oldest runnable job of the given type.
// Returns (nil, nil) when the queue is empty. The claim increments the
// attempt counter; FOR UPDATE SKIP LOCKED keeps concurrent workers off
// each other's rows.
func (q *Queue) Claim(ctx context.Context, workerID string, t Type) (*Job, error) {
	job := &Job{}
	err := q.db.QueryRowContext(ctx, `
		UPDATE survey_jobs
		SET status = 'claimed',
		    worker_id = $1,
		    claimed_at = NOW(),
		    heartbeat_at = NOW(),
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM survey_jobs
			WHERE job_type = $2 AND status = 'queued' AND scheduled_at <= NOW()
			ORDER BY scheduled_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, payload, status, attempts, max_attempts, backoff_seconds, progress, scheduled_at, created_at, updated_at
	`, workerID, t).Scan(
		&job.ID, &job.Type, &job.Payload, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.BackoffSeconds, &job.Progress, &job.ScheduledAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	job.WorkerID = workerID
	return job, nil
}

// Heartbeat refreshes a claimed job's liveness marker so the recovery
// scanner can tell a slow worker from a dead one.
func (q *Queue) Heartbeat(ctx context.Context, jobID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE survey_jobs SET heartbeat_at = NOW() WHERE id = $1 AND status = 'claimed'
	`, jobID)
	return err
}

// UpdateData persists the job's payload — the checkpoint write. The
// pipeline passes its whole payload back so checkpoint fields can only
// move forward with the rows/pages already written.
func (q *Queue) UpdateData(ctx context.Context, jobID uuid.UUID, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE survey_jobs SET payload = $2, updated_at = NOW() WHERE id = $1
	`, jobID, data)
	if err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

// UpdateProgress records the job's 0-100 progress. The Redis write is
// best effort; status polls fall back to Postgres when the snapshot is
// missing.
func (q *Queue) UpdateProgress(ctx context.Context, jobID uuid.UUID, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE survey_jobs SET progress = $2, updated_at = NOW() WHERE id = $1
	`, jobID, percent)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if q.redis != nil {
		q.redis.Set(ctx, progressKey(jobID), percent, progressTTL)
	}
	return nil
}

// Progress returns the job's last reported progress, preferring the
// Redis snapshot over a database read.
func (q *Queue) Progress(ctx context.Context, jobID uuid.UUID) (int, error) {
	if q.redis != nil {
		if val, err := q.redis.Get(ctx, progressKey(jobID)).Result(); err == nil {
			if pct, convErr := strconv.Atoi(val); convErr == nil {
				return pct, nil
			}
		}
	}
	var pct int
	err := q.db.QueryRowContext(ctx, `SELECT progress FROM survey_jobs WHERE id = $1`, jobID).Scan(&pct)
	if err == sql.ErrNoRows {
		return 0, ErrJobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read progress: %w", err)
	}
	return pct, nil
}

// Complete marks the job finished with progress 100.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE survey_jobs
		SET status = 'completed', progress = 100, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if q.redis != nil {
		q.redis.Set(ctx, progressKey(jobID), 100, progressTTL)
	}
	return nil
}

// Fail records a pipeline failure. Jobs with remaining attempts are
// requeued with exponential backoff and keep their last persisted
// checkpoint, so retries are incremental rather than from scratch.
// Returns true when the job was requeued, false when the failure is
// terminal (budget exhausted or the error is non-retryable).
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) (bool, error) {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	if job.Attempts >= job.MaxAttempts || IsNonRetryable(jobErr) {
		_, err := q.db.ExecContext(ctx, `
			UPDATE survey_jobs
			SET status = 'failed', worker_id = NULL, claimed_at = NULL, last_error = $2, updated_at = NOW()
			WHERE id = $1
		`, job.ID, msg)
		if err != nil {
			return false, fmt.Errorf("fail job: %w", err)
		}
		return false, nil
	}

	delay := backoffDelay(job.BackoffSeconds, job.Attempts)
	_, err := q.db.ExecContext(ctx, `
		UPDATE survey_jobs
		SET status = 'queued', worker_id = NULL, claimed_at = NULL, heartbeat_at = NULL,
		    last_error = $2, scheduled_at = NOW() + $3 * INTERVAL '1 second', updated_at = NOW()
		WHERE id = $1
	`, job.ID, msg, int(delay/time.Second))
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	return true, nil
}

// backoffDelay doubles the base delay per completed attempt:
// 30s, 60s, 120s, ... for the default settings.
func backoffDelay(baseSeconds, attempts int) time.Duration {
	delay := time.Duration(baseSeconds) * time.Second
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// GetJob fetches a job by id.
func (q *Queue) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	job := &Job{}
	var workerID, lastErr sql.NullString
	err := q.db.QueryRowContext(ctx, `
		SELECT id, job_type, payload, status, attempts, max_attempts, backoff_seconds, progress,
		       worker_id, last_error, scheduled_at, created_at, updated_at
		FROM survey_jobs
		WHERE id = $1
	`, jobID).Scan(
		&job.ID, &job.Type, &job.Payload, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.BackoffSeconds, &job.Progress, &workerID, &lastErr,
		&job.ScheduledAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	job.WorkerID = workerID.String
	job.LastError = lastErr.String
	return job, nil
}

// Remove hard-deletes a job that no worker has started. Claimed jobs
// cannot be cancelled; they run to completion or failure.
func (q *Queue) Remove(ctx context.Context, jobID uuid.UUID) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM survey_jobs WHERE id = $1 AND status = 'queued'
	`, jobID)
	if err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status Status
	err = q.db.QueryRowContext(ctx, `SELECT status FROM survey_jobs WHERE id = $1`, jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect job: %w", err)
	}
	return ErrJobActive
}

func progressKey(jobID uuid.UUID) string {
	return fmt.Sprintf("jobs:progress:%s", jobID)
}
