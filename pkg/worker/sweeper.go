package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/types"
)

// SweepQueue is the generic queue surface the sweeper maintains
type SweepQueue interface {
	SweepStale(ctx context.Context, threshold time.Duration) (int64, error)
	Stats(ctx context.Context, jobType string) (*types.QueueStats, error)
}

// SweepStore is the forward queue surface the sweeper maintains
type SweepStore interface {
	SweepStaleForwardJobs(ctx context.Context, threshold time.Duration) (int64, error)
	ForwardQueueStats(ctx context.Context) (*types.QueueStats, error)
	RollupMetrics(ctx context.Context) error
}

// Sweeper periodically reclaims jobs abandoned by crashed workers,
// refreshes the queue depth gauges, and rolls hourly throughput buckets.
// Exactly one sweeper should run per deployment; running more is harmless
// but redundant.
type Sweeper struct {
	queue     SweepQueue
	store     SweepStore
	interval  time.Duration
	threshold time.Duration
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewSweeper creates a sweeper over both queues
func NewSweeper(q SweepQueue, st SweepStore, interval, threshold time.Duration, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		queue:     q,
		store:     st,
		interval:  interval,
		threshold: threshold,
		metrics:   m,
		logger:    log.WithComponent("sweeper"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Dur("threshold", s.threshold).Msg("sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if n, err := s.queue.SweepStale(ctx, s.threshold); err != nil {
		s.logger.Error().Err(err).Msg("failed to sweep stale jobs")
	} else if n > 0 {
		s.logger.Warn().Int64("reclaimed", n).Msg("reclaimed stale jobs")
		s.metrics.StaleReclaims.Add(float64(n))
	}

	if n, err := s.store.SweepStaleForwardJobs(ctx, s.threshold); err != nil {
		s.logger.Error().Err(err).Msg("failed to sweep stale forward jobs")
	} else if n > 0 {
		s.logger.Warn().Int64("reclaimed", n).Msg("reclaimed stale forward jobs")
		s.metrics.StaleReclaims.Add(float64(n))
	}

	if stats, err := s.queue.Stats(ctx, ""); err != nil {
		s.logger.Error().Err(err).Msg("failed to read queue stats")
	} else {
		s.gauge("jobs", stats)
	}
	if stats, err := s.store.ForwardQueueStats(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to read forward queue stats")
	} else {
		s.gauge("forward_jobs", stats)
	}

	if err := s.store.RollupMetrics(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to roll up throughput metrics")
	}
}

func (s *Sweeper) gauge(queueName string, stats *types.QueueStats) {
	s.metrics.QueueDepth.WithLabelValues(queueName, "pending").Set(float64(stats.Pending))
	s.metrics.QueueDepth.WithLabelValues(queueName, "processing").Set(float64(stats.Processing))
	s.metrics.QueueDepth.WithLabelValues(queueName, "dead_letter").Set(float64(stats.DeadLetter))
}
