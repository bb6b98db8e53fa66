package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medwire/dicomgw/pkg/types"
)

// ForwardJobChannel is the LISTEN/NOTIFY channel forward workers wake on
const ForwardJobChannel = "job_queue_forward"

const forwardJobSelect = `
	SELECT id, study_id, destination_id, status, priority, attempts,
		max_attempts, instances_sent, instances_failed, available_at,
		started_at, completed_at, worker_id, locked_at,
		COALESCE(error_message, ''), created_at
	FROM forward_jobs`

// CreateForwardJob inserts one pending (study, destination) job unless an
// active one for the pair already exists. Returns true when a row was
// actually inserted.
func (s *Store) CreateForwardJob(ctx context.Context, studyID, destinationID uuid.UUID, priority, maxAttempts int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO forward_jobs (id, study_id, destination_id, status, priority, max_attempts)
		SELECT $1, $2, $3, 'pending', $4, $5
		WHERE NOT EXISTS (
			SELECT 1 FROM forward_jobs
			WHERE study_id = $2 AND destination_id = $3
			  AND status IN ('pending', 'processing')
		)`,
		uuid.New(), studyID, destinationID, priority, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to create forward job: %w", err)
	}
	inserted := tag.RowsAffected() == 1

	if inserted {
		// Best-effort wakeup; the forwarder's poll ticker covers a miss
		if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, 'job_available')`, ForwardJobChannel); err != nil {
			s.logger.Debug().Err(err).Msg("forward job notify failed")
		}
	}
	return inserted, nil
}

// ClaimForwardJobs atomically claims up to limit eligible forward jobs for
// workerID. Rows locked by other workers are skipped; jobs whose
// destination is disabled are not eligible. Claiming increments attempts.
func (s *Store) ClaimForwardJobs(ctx context.Context, workerID string, limit int) ([]*types.ForwardJob, error) {
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT fj.id
			FROM forward_jobs fj
			JOIN destinations d ON d.id = fj.destination_id
			WHERE fj.status = 'pending'
			  AND fj.available_at <= now()
			  AND d.enabled
			ORDER BY fj.priority DESC, fj.created_at ASC
			LIMIT $2
			FOR UPDATE OF fj SKIP LOCKED
		)
		UPDATE forward_jobs SET
			status = 'processing',
			started_at = now(),
			locked_at = now(),
			worker_id = $1,
			attempts = attempts + 1
		WHERE id IN (SELECT id FROM picked)
		RETURNING id, study_id, destination_id, status, priority, attempts,
			max_attempts, instances_sent, instances_failed, available_at,
			started_at, completed_at, worker_id, locked_at,
			COALESCE(error_message, ''), created_at`,
		workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim forward jobs: %w", err)
	}
	defer rows.Close()

	return collectForwardJobs(rows)
}

// CompleteForwardJob finishes a fully successful job: records counts,
// marks the study forwarded, and resets the destination failure streak.
// All three writes commit together.
func (s *Store) CompleteForwardJob(ctx context.Context, job *types.ForwardJob, instancesSent int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE forward_jobs SET
			status = 'completed',
			completed_at = now(),
			instances_sent = $2,
			instances_failed = 0,
			worker_id = NULL,
			locked_at = NULL
		WHERE id = $1`, job.ID, instancesSent); err != nil {
		return fmt.Errorf("failed to complete forward job: %w", err)
	}

	if err := markStudyForwarded(ctx, tx, job.StudyID); err != nil {
		return err
	}

	if err := recordDestinationSuccess(ctx, tx, job.DestinationID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit forward completion: %w", err)
	}
	return nil
}

// FailForwardJob records a failed attempt. With attempts remaining the job
// goes back to pending after exponential backoff (1s, 2s, 4s, ...);
// exhausted jobs dead-letter. The destination failure streak is bumped
// either way.
func (s *Store) FailForwardJob(ctx context.Context, job *types.ForwardJob, instancesSent, instancesFailed int, errMsg string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE forward_jobs SET
			status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'dead_letter' END,
			available_at = CASE WHEN attempts < max_attempts
				THEN now() + make_interval(secs => power(2, attempts - 1))
				ELSE available_at END,
			completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END,
			instances_sent = $2,
			instances_failed = $3,
			error_message = $4,
			worker_id = NULL,
			locked_at = NULL
		WHERE id = $1`, job.ID, instancesSent, instancesFailed, errMsg); err != nil {
		return fmt.Errorf("failed to fail forward job: %w", err)
	}

	if err := recordDestinationFailure(ctx, tx, job.DestinationID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit forward failure: %w", err)
	}
	return nil
}

// ReleaseForwardJobs returns this worker's unfinished claims to pending.
// Called when the shutdown grace period expires so the jobs become
// immediately eligible instead of waiting for the stale sweep.
func (s *Store) ReleaseForwardJobs(ctx context.Context, workerID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forward_jobs SET
			status = 'pending', worker_id = NULL, locked_at = NULL, started_at = NULL
		WHERE status = 'processing' AND worker_id = $1`, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to release forward jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SweepStaleForwardJobs resets processing rows whose lock is older than
// threshold. Attempts are not decremented; the prior worker may have
// produced observable side effects.
func (s *Store) SweepStaleForwardJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forward_jobs SET
			status = 'pending', worker_id = NULL, locked_at = NULL
		WHERE status = 'processing' AND locked_at < now() - make_interval(secs => $1)`,
		threshold.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale forward jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ForwardQueueStats returns per-status counts for the forward queue
func (s *Store) ForwardQueueStats(ctx context.Context) (*types.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*) FROM forward_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query forward queue stats: %w", err)
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

// ListDeadLetterForwardJobs returns dead-lettered jobs for inspection
func (s *Store) ListDeadLetterForwardJobs(ctx context.Context, limit int) ([]*types.ForwardJob, error) {
	rows, err := s.pool.Query(ctx,
		forwardJobSelect+` WHERE status = 'dead_letter' ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter forward jobs: %w", err)
	}
	defer rows.Close()

	return collectForwardJobs(rows)
}

// ReplayForwardJob re-inserts a dead-lettered job as pending with a fresh
// attempt budget
func (s *Store) ReplayForwardJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE forward_jobs SET
			status = 'pending', attempts = 0, available_at = now(),
			completed_at = NULL, error_message = NULL,
			worker_id = NULL, locked_at = NULL
		WHERE id = $1 AND status = 'dead_letter'`, id)
	if err != nil {
		return fmt.Errorf("failed to replay forward job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectForwardJobs(rows pgx.Rows) ([]*types.ForwardJob, error) {
	var out []*types.ForwardJob
	for rows.Next() {
		var j types.ForwardJob
		if err := rows.Scan(
			&j.ID, &j.StudyID, &j.DestinationID, &j.Status, &j.Priority, &j.Attempts,
			&j.MaxAttempts, &j.InstancesSent, &j.InstancesFailed, &j.AvailableAt,
			&j.StartedAt, &j.CompletedAt, &j.WorkerID, &j.LockedAt,
			&j.ErrorMessage, &j.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan forward job: %w", err)
		}
		out = append(out, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate forward jobs: %w", err)
	}
	return out, nil
}
