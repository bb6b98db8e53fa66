package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/types"
)

// Queue is the durable job queue over PostgreSQL. All coordination happens
// through the jobs table; LISTEN/NOTIFY is a best-effort wakeup on top.
type Queue struct {
	pool        *pgxpool.Pool
	logger      zerolog.Logger
	maxAttempts int
}

// New creates a queue sharing the given pool
func New(pool *pgxpool.Pool, defaultMaxAttempts int) *Queue {
	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = 3
	}
	return &Queue{
		pool:        pool,
		logger:      log.WithComponent("queue"),
		maxAttempts: defaultMaxAttempts,
	}
}

type enqueueOptions struct {
	priority    int
	maxAttempts int
	delay       time.Duration
	dedupeField string
	dedupeValue string
}

// Option customizes one Enqueue call
type Option func(*enqueueOptions)

// WithPriority sets the job priority; higher claims first
func WithPriority(p int) Option {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithMaxAttempts overrides the queue default attempt budget
func WithMaxAttempts(n int) Option {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// WithDelay makes the job eligible only after d has elapsed
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithDedupe suppresses the insert when a pending job of the same type
// already has payload->>field equal to value. Used by the quiet-period
// forward trigger so one delayed job covers a whole burst of instances.
func WithDedupe(field, value string) Option {
	return func(o *enqueueOptions) {
		o.dedupeField = field
		o.dedupeValue = value
	}
}

// Enqueue inserts one pending job and posts best-effort notifications on
// job_queue_{job_type} and job_queue_all. Returns uuid.Nil without error
// when a dedupe option suppressed the insert.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...Option) (uuid.UUID, error) {
	o := enqueueOptions{maxAttempts: q.maxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	id := uuid.New()
	if o.dedupeField != "" {
		res, err := q.pool.Exec(ctx, `
			INSERT INTO jobs (id, job_type, payload, status, priority, max_attempts, available_at)
			SELECT $1, $2, $3, 'pending', $4, $5, now() + make_interval(secs => $6)
			WHERE NOT EXISTS (
				SELECT 1 FROM jobs
				WHERE job_type = $2 AND status = 'pending' AND payload->>$7 = $8
			)`,
			id, jobType, body, o.priority, o.maxAttempts, o.delay.Seconds(), o.dedupeField, o.dedupeValue)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
		}
		if res.RowsAffected() == 0 {
			return uuid.Nil, nil
		}
	} else {
		if _, err := q.pool.Exec(ctx, `
			INSERT INTO jobs (id, job_type, payload, status, priority, max_attempts, available_at)
			VALUES ($1, $2, $3, 'pending', $4, $5, now() + make_interval(secs => $6))`,
			id, jobType, body, o.priority, o.maxAttempts, o.delay.Seconds()); err != nil {
			return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
		}
	}

	q.notify(ctx, jobType)
	return id, nil
}

// notify posts the job_available marker; failures are logged and ignored
func (q *Queue) notify(ctx context.Context, jobType string) {
	for _, channel := range []string{ChannelFor(jobType), ChannelAll} {
		if _, err := q.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, NotifyPayload); err != nil {
			q.logger.Debug().Err(err).Str("channel", channel).Msg("notify failed")
		}
	}
}

// Claim atomically takes ownership of up to limit eligible jobs for
// workerID. jobType "" claims any type. Rows locked by concurrent workers
// are skipped; attempts increments as part of the claim.
func (q *Queue) Claim(ctx context.Context, workerID, jobType string, limit int) ([]*types.Job, error) {
	rows, err := q.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND available_at <= now()
			  AND ($2 = '' OR job_type = $2)
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET
			status = 'processing',
			started_at = now(),
			locked_at = now(),
			worker_id = $1,
			attempts = attempts + 1
		WHERE id IN (SELECT id FROM picked)
		RETURNING id, job_type, payload, status, priority, attempts, max_attempts,
			available_at, started_at, completed_at, worker_id, locked_at,
			COALESCE(error_message, ''), result, retry_after, created_at`,
		workerID, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// Complete finishes a job successfully, storing the optional result
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, result any) error {
	var body []byte
	if result != nil {
		var err error
		body, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal job result: %w", err)
		}
	}

	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'completed',
			completed_at = now(),
			result = $2,
			worker_id = NULL,
			locked_at = NULL
		WHERE id = $1`, id, body)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Fail records a failed attempt. With budget remaining the job returns to
// pending after Backoff(attempts); otherwise it dead-letters. A retried
// job is re-notified so sleeping workers wake for it.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	var status, jobType string
	err := q.pool.QueryRow(ctx, `
		UPDATE jobs SET
			error_message = $2,
			status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'dead_letter' END,
			available_at = CASE WHEN attempts < max_attempts
				THEN now() + make_interval(secs => power(2, attempts - 1))
				ELSE available_at END,
			retry_after = CASE WHEN attempts < max_attempts
				THEN now() + make_interval(secs => power(2, attempts - 1))
				ELSE NULL END,
			completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END,
			worker_id = NULL,
			locked_at = NULL
		WHERE id = $1
		RETURNING status, job_type`, id, errMsg).Scan(&status, &jobType)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	if types.JobStatus(status) == types.JobStatusPending {
		q.notify(ctx, jobType)
	}
	return nil
}

// Release returns this worker's unfinished claims to pending without
// counting a failure. Called when the shutdown grace period expires.
func (q *Queue) Release(ctx context.Context, workerID string) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'pending', worker_id = NULL, locked_at = NULL, started_at = NULL
		WHERE status = 'processing' AND worker_id = $1`, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to release jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SweepStale resets processing jobs whose lock is older than threshold.
// Attempts are deliberately not decremented.
func (q *Queue) SweepStale(ctx context.Context, threshold time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET
			status = 'pending', worker_id = NULL, locked_at = NULL
		WHERE status = 'processing' AND locked_at < now() - make_interval(secs => $1)`,
		threshold.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns per-status counts, optionally restricted to one job type
func (q *Queue) Stats(ctx context.Context, jobType string) (*types.QueueStats, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT status, count(*) FROM jobs
		WHERE $1 = '' OR job_type = $1
		GROUP BY status`, jobType)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	var stats types.QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch types.JobStatus(status) {
		case types.JobStatusPending:
			stats.Pending = count
		case types.JobStatusProcessing:
			stats.Processing = count
		case types.JobStatusCompleted:
			stats.Completed = count
		case types.JobStatusFailed:
			stats.Failed = count
		case types.JobStatusDeadLetter:
			stats.DeadLetter = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue stats: %w", err)
	}
	return &stats, nil
}

// ListDeadLetter returns dead-lettered jobs for inspection
func (q *Queue) ListDeadLetter(ctx context.Context, limit int) ([]*types.Job, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, job_type, payload, status, priority, attempts, max_attempts,
			available_at, started_at, completed_at, worker_id, locked_at,
			COALESCE(error_message, ''), result, retry_after, created_at
		FROM jobs WHERE status = 'dead_letter'
		ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// Replay resets a dead-lettered job to pending with a fresh attempt budget
func (q *Queue) Replay(ctx context.Context, id uuid.UUID) error {
	var jobType string
	err := q.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status = 'pending', attempts = 0, available_at = now(),
			completed_at = NULL, error_message = NULL, retry_after = NULL,
			worker_id = NULL, locked_at = NULL
		WHERE id = $1 AND status = 'dead_letter'
		RETURNING job_type`, id).Scan(&jobType)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("dead-letter job %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to replay job: %w", err)
	}

	q.notify(ctx, jobType)
	return nil
}

func collectJobs(rows pgx.Rows) ([]*types.Job, error) {
	var out []*types.Job
	for rows.Next() {
		var j types.Job
		if err := rows.Scan(
			&j.ID, &j.JobType, &j.Payload, &j.Status, &j.Priority, &j.Attempts,
			&j.MaxAttempts, &j.AvailableAt, &j.StartedAt, &j.CompletedAt,
			&j.WorkerID, &j.LockedAt, &j.ErrorMessage, &j.Result, &j.RetryAfter,
			&j.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return out, nil
}
