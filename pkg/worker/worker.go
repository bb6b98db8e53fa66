package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/config"
	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/types"
)

// Handler processes one claimed job. The returned value is stored as the
// job result on success; a non-nil error fails the attempt and the queue
// decides between retry and dead-letter.
type Handler func(ctx context.Context, job *types.Job) (any, error)

// JobQueue is the queue surface a worker drives
type JobQueue interface {
	Claim(ctx context.Context, workerID, jobType string, limit int) ([]*types.Job, error)
	Complete(ctx context.Context, id uuid.UUID, result any) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error
	Release(ctx context.Context, workerID string) (int64, error)
}

// NewWorkerID builds a claim owner id that is unique per process and
// readable in the jobs table
func NewWorkerID(role string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	short := strings.SplitN(uuid.New().String(), "-", 2)[0]
	return fmt.Sprintf("%s-%s-%d-%s", role, host, os.Getpid(), short)
}

// JobWorker claims jobs from the generic queue and dispatches them to
// registered handlers. Jobs within a batch run sequentially; concurrency
// comes from running more worker instances.
type JobWorker struct {
	id           string
	queue        JobQueue
	wake         <-chan struct{}
	handlers     map[string]Handler
	batchSize    int
	pollInterval time.Duration
	gracePeriod  time.Duration
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

// NewJobWorker creates a worker. wake may be nil when no LISTEN subscription
// is available; the poll ticker alone then drives claiming.
func NewJobWorker(id string, q JobQueue, wake <-chan struct{}, qcfg config.QueueConfig, grace time.Duration, m *metrics.Metrics) *JobWorker {
	return &JobWorker{
		id:           id,
		queue:        q,
		wake:         wake,
		handlers:     make(map[string]Handler),
		batchSize:    qcfg.BatchSize,
		pollInterval: qcfg.PollInterval,
		gracePeriod:  grace,
		metrics:      m,
		logger:       log.WithWorkerID("worker", id),
	}
}

// Register installs the handler for one job type
func (w *JobWorker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// ID returns the claim owner id
func (w *JobWorker) ID() string {
	return w.id
}

// Run claims and processes jobs until ctx is cancelled. Cancellation stops
// further claiming; the job in flight gets the grace period to finish, and
// any claims still held afterwards are released back to pending.
func (w *JobWorker) Run(ctx context.Context) error {
	// Handlers run on a context that survives shutdown for the grace
	// period so an in-flight job can finish cleanly
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(w.gracePeriod, cancelWork)
	})
	defer stop()

	w.logger.Info().Int("batch_size", w.batchSize).Dur("poll_interval", w.pollInterval).Msg("worker started")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx, workCtx)

		select {
		case <-ctx.Done():
			return w.shutdown()
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// drain claims batches until the queue is empty or shutdown begins
func (w *JobWorker) drain(ctx, workCtx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobs, err := w.queue.Claim(workCtx, w.id, "", w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to claim jobs")
			return
		}
		if len(jobs) == 0 {
			return
		}
		for _, job := range jobs {
			w.process(workCtx, job)
		}
	}
}

func (w *JobWorker) process(ctx context.Context, job *types.Job) {
	logger := w.logger.With().
		Str("job_id", job.ID.String()).
		Str("job_type", job.JobType).
		Int("attempt", job.Attempts).
		Logger()

	h, ok := w.handlers[job.JobType]
	if !ok {
		logger.Error().Msg("no handler registered for job type")
		if err := w.queue.Fail(ctx, job.ID, fmt.Sprintf("no handler for job type %q", job.JobType)); err != nil {
			logger.Error().Err(err).Msg("failed to record job failure")
		}
		w.metrics.JobsProcessed.WithLabelValues(job.JobType, "failed").Inc()
		return
	}

	start := time.Now()
	result, err := h(ctx, job)
	if err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
		if failErr := w.queue.Fail(ctx, job.ID, err.Error()); failErr != nil {
			logger.Error().Err(failErr).Msg("failed to record job failure")
		}
		w.metrics.JobsProcessed.WithLabelValues(job.JobType, "failed").Inc()
		return
	}

	if err := w.queue.Complete(ctx, job.ID, result); err != nil {
		logger.Error().Err(err).Msg("failed to record job completion")
		return
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("job completed")
	w.metrics.JobsProcessed.WithLabelValues(job.JobType, "completed").Inc()
}

// shutdown releases unfinished claims so another worker picks them up
// immediately instead of waiting for the stale sweep
func (w *JobWorker) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	released, err := w.queue.Release(ctx, w.id)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to release claims on shutdown")
		return err
	}
	if released > 0 {
		w.logger.Warn().Int64("released", released).Msg("released unfinished claims on shutdown")
	}
	w.logger.Info().Msg("worker stopped")
	return nil
}
