package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Job states. Waiting and delayed jobs are claimable; active jobs are
// owned by exactly one worker; completed and failed are terminal.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Priorities follow the convention that lower sorts first.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
)

const defaultMaxAttempts = 3

// GenerationPayload is the job body enqueued for a generation request.
// It carries the full original parameters so a recovery re-queue can
// reconstruct the job without touching the request layer.
type GenerationPayload struct {
	GenerationID       uuid.UUID `json:"generation_id"`
	UserID             uuid.UUID `json:"user_id"`
	AvatarID           uuid.UUID `json:"avatar_id"`
	SelectedPoseIDs    []string  `json:"selected_pose_ids"`
	Prompt             string    `json:"prompt"`
	TotalExpectedItems int       `json:"total_expected_items"`
	CreditCharged      int       `json:"credit_charged"`
	IsRecovery         bool      `json:"is_recovery,omitempty"`
}

// GenerationJobID is the id used for the initial enqueue of a
// generation. Recovery never reuses it; it generates fresh ids so a new
// job cannot collide with one the queue already marked terminal.
func GenerationJobID(generationID uuid.UUID) string {
	return fmt.Sprintf("gen-%s", generationID)
}

// RecoveryJobID returns a unique id for a recovery re-queue.
func RecoveryJobID(generationID uuid.UUID) string {
	return fmt.Sprintf("recovery-%s-%d", generationID, time.Now().UnixMilli())
}

type Job struct {
	ID          string
	Payload     json.RawMessage
	State       string
	Priority    int
	Attempts    int
	MaxAttempts int
	LastError   sql.NullString
	NextRunAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  sql.NullTime
}

// IsActive reports whether the job is currently owned by a worker.
func (j *Job) IsActive() bool {
	return j.State == StateActive
}

// GenerationPayload decodes the job body.
func (j *Job) GenerationPayload() (*GenerationPayload, error) {
	var payload GenerationPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	return &payload, nil
}

type EnqueueOptions struct {
	Priority int
}

// Metrics is a per-state snapshot of the queue, for monitoring.
type Metrics struct {
	Waiting   int
	Active    int
	Delayed   int
	Completed int
	Failed    int
}

func (m Metrics) Total() int {
	return m.Waiting + m.Active + m.Delayed + m.Completed + m.Failed
}

// Queue is a durable, at-least-once job queue backed by Postgres.
// Workers claim jobs with FOR UPDATE SKIP LOCKED; failed handlers are
// retried with exponential backoff until attempts are exhausted.
type Queue struct {
	db *sql.DB
}

func New(connectionString string) (*Queue, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

const jobColumns = `id, payload, state, priority, attempts, max_attempts,
	last_error, next_run_at, created_at, updated_at, finished_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var job Job
	var payload []byte
	err := row.Scan(
		&job.ID, &payload, &job.State, &job.Priority, &job.Attempts,
		&job.MaxAttempts, &job.LastError, &job.NextRunAt, &job.CreatedAt,
		&job.UpdatedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	return &job, nil
}

// Enqueue inserts a waiting job under the given id. Enqueueing an id
// that already exists is a no-op returning the existing job, so the
// initial enqueue of a generation cannot produce duplicates.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload GenerationPayload, opts EnqueueOptions) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	priority := opts.Priority
	if priority == 0 {
		priority = PriorityNormal
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, payload, state, priority, max_attempts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, jobID, body, StateWaiting, priority, defaultMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return q.GetJob(ctx, jobID)
}

// GetJob returns the job with the given id, or nil when it is unknown.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// RemoveJob deletes a job outright, whatever its state. Used by the
// recovery service to kill a stale active job before re-queueing.
func (q *Queue) RemoveJob(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return nil
}

// ListJobs returns jobs in any of the given states, oldest first.
func (q *Queue) ListJobs(ctx context.Context, states ...string) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM queue_jobs
		WHERE state = ANY($1)
		ORDER BY created_at ASC
	`, pq.Array(states))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically claims the highest-priority runnable job and
// marks it active. Returns nil when no job is due. SKIP LOCKED keeps
// concurrent workers from blocking on (or double-claiming) a job.
func (q *Queue) ClaimNext(ctx context.Context) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET state = $1, attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE state IN ($2, $3) AND next_run_at <= NOW()
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		StateActive, StateWaiting, StateDelayed)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// CompleteJob marks a job completed.
func (q *Queue) CompleteJob(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET state = $1, finished_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`, StateCompleted, jobID)
	return err
}

// FailJob marks a job terminally failed, skipping any remaining retries.
func (q *Queue) FailJob(ctx context.Context, jobID string, jobErr error) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET state = $1, last_error = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $3
	`, StateFailed, jobErr.Error(), jobID)
	return err
}

// RetryJob reschedules a failed attempt with exponential backoff
// (2s, 4s, 8s). The consumer fails the job instead of calling this once
// attempts are exhausted.
func (q *Queue) RetryJob(ctx context.Context, job *Job, jobErr error) error {
	backoff := retryBackoff(job.Attempts)
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET state = $1, last_error = $2, next_run_at = NOW() + $3 * INTERVAL '1 millisecond',
			updated_at = NOW()
		WHERE id = $4
	`, StateDelayed, jobErr.Error(), backoff.Milliseconds(), job.ID)
	return err
}

func retryBackoff(attempt int) time.Duration {
	backoff := 2 * time.Second
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > 8*time.Second {
		backoff = 8 * time.Second
	}
	return backoff
}

// Purge deletes up to limit terminal jobs in the given state finished
// before now-olderThan. Garbage collection of queue entries only; it
// never touches generation records.
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration, limit int, state string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_jobs
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE state = $1 AND finished_at < NOW() - $2 * INTERVAL '1 millisecond'
			ORDER BY finished_at ASC
			LIMIT $3
		)
	`, state, olderThan.Milliseconds(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return res.RowsAffected()
}

// QueueMetrics counts jobs per state.
func (q *Queue) QueueMetrics(ctx context.Context) (*Metrics, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM queue_jobs GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue metrics: %w", err)
	}
	defer rows.Close()

	var metrics Metrics
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue metrics: %w", err)
		}
		switch state {
		case StateWaiting:
			metrics.Waiting = count
		case StateActive:
			metrics.Active = count
		case StateDelayed:
			metrics.Delayed = count
		case StateCompleted:
			metrics.Completed = count
		case StateFailed:
			metrics.Failed = count
		}
	}
	return &metrics, rows.Err()
}
