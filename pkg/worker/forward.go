package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/config"
	"github.com/medwire/dicomgw/pkg/dicomio"
	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/scu"
	"github.com/medwire/dicomgw/pkg/types"
)

// ForwardStore is the forward queue surface the forwarder drives
type ForwardStore interface {
	ClaimForwardJobs(ctx context.Context, workerID string, limit int) ([]*types.ForwardJob, error)
	CompleteForwardJob(ctx context.Context, job *types.ForwardJob, instancesSent int) error
	FailForwardJob(ctx context.Context, job *types.ForwardJob, instancesSent, instancesFailed int, errMsg string) error
	ReleaseForwardJobs(ctx context.Context, workerID string) (int64, error)
	GetStudy(ctx context.Context, id uuid.UUID) (*types.Study, error)
	GetDestination(ctx context.Context, id uuid.UUID) (*types.Destination, error)
}

// StudySender pushes one study's files to a destination
type StudySender interface {
	ForwardStudy(ctx context.Context, dest *types.Destination, files []string) (*scu.Result, error)
}

// EventSink receives throughput events without blocking the send path
type EventSink interface {
	Add(ev *types.IngestEvent)
}

// Forwarder claims forward jobs and executes them with the SCU. One job is
// one study to one destination over one association.
type Forwarder struct {
	id           string
	store        ForwardStore
	sender       StudySender
	wake         <-chan struct{}
	storageRoot  string
	batchSize    int
	pollInterval time.Duration
	gracePeriod  time.Duration
	metrics      *metrics.Metrics
	events       EventSink
	logger       zerolog.Logger
}

// NewForwarder creates a forwarder. wake may be nil; the poll ticker then
// drives claiming alone.
func NewForwarder(id string, st ForwardStore, sender StudySender, wake <-chan struct{}, storageRoot string, qcfg config.QueueConfig, grace time.Duration, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		id:           id,
		store:        st,
		sender:       sender,
		wake:         wake,
		storageRoot:  storageRoot,
		batchSize:    qcfg.BatchSize,
		pollInterval: qcfg.PollInterval,
		gracePeriod:  grace,
		metrics:      m,
		logger:       log.WithWorkerID("forwarder", id),
	}
}

// WithEventSink attaches an optional sink for study_forwarded events
func (f *Forwarder) WithEventSink(sink EventSink) *Forwarder {
	f.events = sink
	return f
}

// ID returns the claim owner id
func (f *Forwarder) ID() string {
	return f.id
}

// Run claims and executes forward jobs until ctx is cancelled, with the
// same shutdown discipline as the generic worker: stop claiming, give the
// in-flight job the grace period, release the rest.
func (f *Forwarder) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(f.gracePeriod, cancelWork)
	})
	defer stop()

	f.logger.Info().Int("batch_size", f.batchSize).Dur("poll_interval", f.pollInterval).Msg("forwarder started")

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		f.drain(ctx, workCtx)

		select {
		case <-ctx.Done():
			return f.shutdown()
		case <-f.wake:
		case <-ticker.C:
		}
	}
}

func (f *Forwarder) drain(ctx, workCtx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobs, err := f.store.ClaimForwardJobs(workCtx, f.id, f.batchSize)
		if err != nil {
			f.logger.Error().Err(err).Msg("failed to claim forward jobs")
			return
		}
		if len(jobs) == 0 {
			return
		}
		for _, job := range jobs {
			f.process(workCtx, job)
		}
	}
}

// process executes one forward job. Any instance failure fails the whole
// attempt so the retry re-sends the complete study; the destination's
// duplicate handling makes that safe.
func (f *Forwarder) process(ctx context.Context, job *types.ForwardJob) {
	logger := f.logger.With().
		Str("job_id", job.ID.String()).
		Int("attempt", job.Attempts).
		Logger()

	study, err := f.store.GetStudy(ctx, job.StudyID)
	if err != nil {
		f.fail(ctx, logger, job, 0, 0, fmt.Sprintf("failed to load study: %v", err))
		return
	}
	dest, err := f.store.GetDestination(ctx, job.DestinationID)
	if err != nil {
		f.fail(ctx, logger, job, 0, 0, fmt.Sprintf("failed to load destination: %v", err))
		return
	}

	logger = logger.With().Str("study_uid", study.StudyInstanceUID).Str("destination", dest.Name).Logger()

	files, err := dicomio.ListStudyFiles(f.storageRoot, study.StudyInstanceUID)
	if err != nil {
		f.fail(ctx, logger, job, 0, 0, fmt.Sprintf("failed to list study files: %v", err))
		return
	}
	if len(files) == 0 {
		f.fail(ctx, logger, job, 0, 0, "no stored instances for study")
		return
	}

	res, err := f.sender.ForwardStudy(ctx, dest, files)
	if err != nil {
		f.fail(ctx, logger, job, 0, 0, err.Error())
		return
	}
	if res.Failed() {
		f.fail(ctx, logger, job, res.InstancesSent, res.InstancesFailed, res.FirstError)
		return
	}

	if err := f.store.CompleteForwardJob(ctx, job, res.InstancesSent); err != nil {
		logger.Error().Err(err).Msg("failed to record forward completion")
		return
	}
	logger.Info().
		Int("instances_sent", res.InstancesSent).
		Int64("bytes_sent", res.BytesSent).
		Dur("duration", res.Duration).
		Msg("study forwarded")
	f.metrics.JobsProcessed.WithLabelValues("forward", "completed").Inc()

	if f.events != nil {
		f.events.Add(&types.IngestEvent{
			StudyID:       &study.ID,
			EventType:     "study_forwarded",
			CalledAETitle: dest.AETitle,
			Status:        types.IngestStatusSuccess,
			FileSizeBytes: res.BytesSent,
		})
	}
}

func (f *Forwarder) fail(ctx context.Context, logger zerolog.Logger, job *types.ForwardJob, sent, failed int, errMsg string) {
	logger.Warn().
		Int("instances_sent", sent).
		Int("instances_failed", failed).
		Str("error", errMsg).
		Msg("forward attempt failed")
	if err := f.store.FailForwardJob(ctx, job, sent, failed, errMsg); err != nil {
		logger.Error().Err(err).Msg("failed to record forward failure")
	}
	f.metrics.JobsProcessed.WithLabelValues("forward", "failed").Inc()
}

func (f *Forwarder) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	released, err := f.store.ReleaseForwardJobs(ctx, f.id)
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to release forward claims on shutdown")
		return err
	}
	if released > 0 {
		f.logger.Warn().Int64("released", released).Msg("released unfinished forward claims on shutdown")
	}
	f.logger.Info().Msg("forwarder stopped")
	return nil
}
