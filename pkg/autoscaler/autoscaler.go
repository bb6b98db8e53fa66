package autoscaler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/config"
	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/supervisor"
	"github.com/medwire/dicomgw/pkg/types"
)

// JobStats samples the generic job queue that catalog workers drain
type JobStats interface {
	Stats(ctx context.Context, jobType string) (*types.QueueStats, error)
}

// ForwardStats samples the forward queue that forwarder workers drain
type ForwardStats interface {
	ForwardQueueStats(ctx context.Context) (*types.QueueStats, error)
}

// direction is the outcome of one scaling decision
type direction int

const (
	hold direction = iota
	scaleUp
	scaleDown
)

// decide applies the threshold policy to one queue sample. Scale-up wins
// when both conditions hold; scale-down requires the queue to be quiet on
// both counts.
func decide(stats *types.QueueStats, cfg config.AutoscalerConfig) direction {
	if stats.Pending >= cfg.ScaleUpPending || stats.Processing >= cfg.ScaleUpProcessing {
		return scaleUp
	}
	if stats.Pending <= cfg.ScaleDownPending && stats.Processing <= cfg.ScaleDownProcessing {
		return scaleDown
	}
	return hold
}

// Autoscaler periodically sizes the worker fleets to their queues. It
// holds no state beyond cooldown timestamps; instance counts are read
// from the supervisor every tick so externally started or crashed
// workers are taken into account.
type Autoscaler struct {
	cfg     config.AutoscalerConfig
	jobs    JobStats
	forward ForwardStats
	sup     supervisor.Supervisor
	metrics *metrics.Metrics
	logger  zerolog.Logger

	lastScaleUp   map[types.WorkerType]time.Time
	lastScaleDown map[types.WorkerType]time.Time
}

// New creates an autoscaler over both queues
func New(cfg config.AutoscalerConfig, jobs JobStats, forward ForwardStats, sup supervisor.Supervisor, m *metrics.Metrics) *Autoscaler {
	return &Autoscaler{
		cfg:           cfg,
		jobs:          jobs,
		forward:       forward,
		sup:           sup,
		metrics:       m,
		logger:        log.WithComponent("autoscaler"),
		lastScaleUp:   make(map[types.WorkerType]time.Time),
		lastScaleDown: make(map[types.WorkerType]time.Time),
	}
}

// Run evaluates both worker types on the check interval until ctx is
// cancelled
func (a *Autoscaler) Run(ctx context.Context) {
	a.logger.Info().Dur("interval", a.cfg.CheckInterval).Msg("autoscaler started")

	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("autoscaler stopped")
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Autoscaler) tick(ctx context.Context) {
	if stats, err := a.jobs.Stats(ctx, ""); err != nil {
		a.logger.Error().Err(err).Msg("failed to sample job queue")
	} else {
		a.evaluate(ctx, types.WorkerTypeCatalog, stats)
	}

	if stats, err := a.forward.ForwardQueueStats(ctx); err != nil {
		a.logger.Error().Err(err).Msg("failed to sample forward queue")
	} else {
		a.evaluate(ctx, types.WorkerTypeForwarder, stats)
	}
}

// evaluate applies one queue sample to one worker fleet
func (a *Autoscaler) evaluate(ctx context.Context, workerType types.WorkerType, stats *types.QueueStats) {
	bound, ok := a.cfg.Workers[string(workerType)]
	if !ok {
		return
	}

	instances, err := a.sup.ListInstances(ctx, workerType)
	if err != nil {
		a.logger.Error().Err(err).Str("worker_type", string(workerType)).Msg("failed to list instances")
		return
	}
	count := len(instances)
	a.metrics.WorkersRunning.WithLabelValues(string(workerType)).Set(float64(count))

	logger := a.logger.With().
		Str("worker_type", string(workerType)).
		Int("pending", stats.Pending).
		Int("processing", stats.Processing).
		Int("instances", count).
		Logger()

	switch decide(stats, a.cfg) {
	case scaleUp:
		if count >= bound.Max {
			return
		}
		if since := time.Since(a.lastScaleUp[workerType]); since < a.cfg.ScaleUpCooldown {
			logger.Debug().Dur("remaining", a.cfg.ScaleUpCooldown-since).Msg("scale-up blocked by cooldown")
			return
		}
		id := nextInstanceID(instances)
		if err := a.sup.StartInstance(ctx, workerType, id); err != nil {
			logger.Error().Err(err).Str("instance", id).Msg("failed to start instance")
			return
		}
		a.lastScaleUp[workerType] = time.Now()
		a.metrics.ScaleEvents.WithLabelValues(string(workerType), "up").Inc()
		logger.Info().Str("instance", id).Msg("scaled up")

	case scaleDown:
		if count <= bound.Min {
			return
		}
		if since := time.Since(a.lastScaleDown[workerType]); since < a.cfg.ScaleDownCooldown {
			logger.Debug().Dur("remaining", a.cfg.ScaleDownCooldown-since).Msg("scale-down blocked by cooldown")
			return
		}
		id := instances[len(instances)-1]
		if err := a.sup.StopInstance(ctx, workerType, id); err != nil {
			logger.Error().Err(err).Str("instance", id).Msg("failed to stop instance")
			return
		}
		a.lastScaleDown[workerType] = time.Now()
		a.metrics.ScaleEvents.WithLabelValues(string(workerType), "down").Inc()
		logger.Info().Str("instance", id).Msg("scaled down")
	}
}

// nextInstanceID returns the smallest positive integer id not in use
func nextInstanceID(instances []string) string {
	used := make(map[int]bool, len(instances))
	for _, id := range instances {
		if n, err := strconv.Atoi(id); err == nil {
			used[n] = true
		}
	}
	for n := 1; ; n++ {
		if !used[n] {
			return fmt.Sprintf("%d", n)
		}
	}
}
