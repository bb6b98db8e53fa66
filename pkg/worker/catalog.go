package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/config"
	"github.com/medwire/dicomgw/pkg/dicomio"
	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/queue"
	"github.com/medwire/dicomgw/pkg/rules"
	"github.com/medwire/dicomgw/pkg/store"
	"github.com/medwire/dicomgw/pkg/types"
)

// CatalogStore is the catalog surface the handlers need
type CatalogStore interface {
	IngestInstance(ctx context.Context, desc *dicomio.Descriptor, meta store.IngestMeta) (*store.IngestResult, error)
	InsertIngestEvent(ctx context.Context, ev *types.IngestEvent) error
	GetStudyByUID(ctx context.Context, studyInstanceUID string) (*types.Study, error)
	StudyModalities(ctx context.Context, studyID uuid.UUID) ([]string, error)
	LatestCallingAETitle(ctx context.Context, studyID uuid.UUID) (string, error)
	ListDestinations(ctx context.Context, enabledOnly bool) ([]*types.Destination, error)
	ListDestinationsByIDs(ctx context.Context, ids []uuid.UUID) ([]*types.Destination, error)
	CreateForwardJob(ctx context.Context, studyID, destinationID uuid.UUID, priority, maxAttempts int) (bool, error)
}

// Enqueuer is the queue surface used to schedule follow-up jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...queue.Option) (uuid.UUID, error)
}

// Catalog implements the handlers for the generic job queue: parsing
// received files into the catalog and planning forward jobs for studies.
type Catalog struct {
	store      CatalogStore
	queue      Enqueuer
	forwarding config.ForwardingConfig
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewCatalog creates the catalog handler set
func NewCatalog(st CatalogStore, q Enqueuer, fwd config.ForwardingConfig, m *metrics.Metrics) *Catalog {
	return &Catalog{
		store:      st,
		queue:      q,
		forwarding: fwd,
		metrics:    m,
		logger:     log.WithComponent("catalog"),
	}
}

// RegisterHandlers installs all catalog handlers on the worker.
// extract_metadata is an older name for process_received_file that may
// still sit in the queue across an upgrade, so both map to the same
// handler.
func (c *Catalog) RegisterHandlers(w *JobWorker) {
	w.Register(types.JobTypeProcessReceivedFile, c.HandleProcessReceivedFile)
	w.Register(types.JobTypeExtractMetadata, c.HandleProcessReceivedFile)
	w.Register(types.JobTypeTriggerForward, c.HandleTriggerForward)
}

// HandleProcessReceivedFile parses a stored object and catalogs it. A file
// that cannot be parsed stays on disk; the failure is recorded as an
// ingest event and the error returned so the queue retries within budget.
// After a successful catalog a trigger_forward job is scheduled for the
// study, delayed by the quiet period unless eager forwarding is on.
func (c *Catalog) HandleProcessReceivedFile(ctx context.Context, job *types.Job) (any, error) {
	var p types.ReceivedFilePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	desc, err := dicomio.ParseFileDescriptor(p.FilePath)
	if err != nil {
		c.metrics.CatalogErrors.Inc()
		ev := &types.IngestEvent{
			SOPInstanceUID: p.SOPInstanceUID,
			EventType:      "instance_failed",
			CallingAETitle: p.CallingAETitle,
			CalledAETitle:  p.CalledAETitle,
			SourceIP:       p.SourceIP,
			Status:         types.IngestStatusFailed,
			ErrorMessage:   err.Error(),
			FileSizeBytes:  p.FileSizeBytes,
		}
		if evErr := c.store.InsertIngestEvent(ctx, ev); evErr != nil {
			c.logger.Error().Err(evErr).Msg("failed to record parse failure event")
		}
		return nil, fmt.Errorf("failed to parse %s: %w", p.FilePath, err)
	}

	res, err := c.store.IngestInstance(ctx, desc, store.IngestMeta{
		FilePath:          p.FilePath,
		FileSizeBytes:     p.FileSizeBytes,
		HasPreamble:       true,
		CallingAETitle:    p.CallingAETitle,
		CalledAETitle:     p.CalledAETitle,
		SourceIP:          p.SourceIP,
		ReceiveDurationMs: p.ReceiveDurationMs,
		StorageDurationMs: p.StorageDurationMs,
		ReceivedAt:        p.ReceivedAt,
	})
	if err != nil {
		c.metrics.CatalogErrors.Inc()
		return nil, fmt.Errorf("failed to catalog %s: %w", p.SOPInstanceUID, err)
	}
	c.metrics.InstancesCataloged.Inc()

	c.logger.Debug().
		Str("study_uid", desc.StudyInstanceUID).
		Str("sop_instance_uid", desc.SOPInstanceUID).
		Bool("new_instance", res.NewInstance).
		Msg("instance cataloged")

	if err := c.scheduleTrigger(ctx, desc.StudyInstanceUID); err != nil {
		// The catalog transaction committed; retrying this job re-runs the
		// idempotent ingest and gets another shot at the trigger
		return nil, err
	}

	return map[string]any{
		"study_id":     res.StudyID,
		"series_id":    res.SeriesID,
		"new_instance": res.NewInstance,
	}, nil
}

// scheduleTrigger enqueues the study's trigger_forward job. Deduplication
// on the study UID means a burst of instances produces a single pending
// trigger; with the quiet period the trigger only becomes eligible after
// the study has had time to complete.
func (c *Catalog) scheduleTrigger(ctx context.Context, studyInstanceUID string) error {
	if !c.forwarding.Eager && c.forwarding.QuietPeriod <= 0 {
		// Forwarding is externally triggered
		return nil
	}

	opts := []queue.Option{queue.WithDedupe("study_instance_uid", studyInstanceUID)}
	if !c.forwarding.Eager {
		opts = append(opts, queue.WithDelay(c.forwarding.QuietPeriod))
	}

	id, err := c.queue.Enqueue(ctx, types.JobTypeTriggerForward,
		types.TriggerForwardPayload{StudyInstanceUID: studyInstanceUID}, opts...)
	if err != nil {
		return fmt.Errorf("failed to schedule forward trigger: %w", err)
	}
	if id != uuid.Nil {
		c.logger.Debug().Str("study_uid", studyInstanceUID).Str("job_id", id.String()).Msg("forward trigger scheduled")
	}
	return nil
}

// HandleTriggerForward plans forwarding for one study: it evaluates every
// candidate destination's rules against the study and creates a forward
// job per match. Pairs that already have an active job are skipped by the
// store, so re-triggering a study is safe.
func (c *Catalog) HandleTriggerForward(ctx context.Context, job *types.Job) (any, error) {
	var p types.TriggerForwardPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	study, err := c.store.GetStudyByUID(ctx, p.StudyInstanceUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load study %s: %w", p.StudyInstanceUID, err)
	}

	modalities, err := c.store.StudyModalities(ctx, study.ID)
	if err != nil {
		return nil, err
	}
	callingAE, err := c.store.LatestCallingAETitle(ctx, study.ID)
	if err != nil {
		return nil, err
	}

	var dests []*types.Destination
	if len(p.DestinationIDs) > 0 {
		dests, err = c.store.ListDestinationsByIDs(ctx, p.DestinationIDs)
	} else {
		dests, err = c.store.ListDestinations(ctx, true)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}

	in := rules.Input{
		Modalities:     modalities,
		CallingAETitle: callingAE,
		Now:            time.Now(),
	}

	created := 0
	for _, d := range dests {
		if !d.Enabled {
			continue
		}
		if !rules.Matches(d.ForwardingRules, in) {
			c.logger.Debug().
				Str("study_uid", study.StudyInstanceUID).
				Str("destination", d.Name).
				Msg("destination rules did not match study")
			continue
		}
		inserted, err := c.store.CreateForwardJob(ctx, study.ID, d.ID, p.Priority, c.forwarding.MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("failed to create forward job for %s: %w", d.Name, err)
		}
		if inserted {
			created++
			c.logger.Info().
				Str("study_uid", study.StudyInstanceUID).
				Str("destination", d.Name).
				Msg("forward job created")
		}
	}

	return map[string]int{"forward_jobs_created": created}, nil
}
