package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/types"
)

// Supervisor manages the running instances of each worker type. The
// autoscaler drives it; implementations differ in where the workers
// actually live.
type Supervisor interface {
	ListInstances(ctx context.Context, workerType types.WorkerType) ([]string, error)
	StartInstance(ctx context.Context, workerType types.WorkerType, id string) error
	StopInstance(ctx context.Context, workerType types.WorkerType, id string) error
}

// Runner is one worker instance's main loop. Run blocks until its context
// is cancelled and owns its own shutdown grace handling.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface. Factories use it
// to defer per-instance setup, such as notification listeners, into Run
// so everything the instance owns lives and dies with its context.
type RunnerFunc func(ctx context.Context) error

// Run calls f
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Factory builds a new runner for one instance id
type Factory func(id string) (Runner, error)

// instance is one running goroutine under the pool
type instance struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool supervises worker goroutines inside the current process. Used by
// the all-in-one serve mode.
type Pool struct {
	mu        sync.Mutex
	factories map[types.WorkerType]Factory
	running   map[types.WorkerType]map[string]*instance
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewPool creates an empty in-process supervisor
func NewPool(m *metrics.Metrics) *Pool {
	return &Pool{
		factories: make(map[types.WorkerType]Factory),
		running:   make(map[types.WorkerType]map[string]*instance),
		metrics:   m,
		logger:    log.WithComponent("supervisor"),
	}
}

// RegisterFactory installs the builder for one worker type
func (p *Pool) RegisterFactory(workerType types.WorkerType, f Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[workerType] = f
}

// ListInstances returns the ids of running instances, sorted
func (p *Pool) ListInstances(_ context.Context, workerType types.WorkerType) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.running[workerType]))
	for id := range p.running[workerType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// StartInstance builds and launches one worker goroutine
func (p *Pool) StartInstance(_ context.Context, workerType types.WorkerType, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	factory, ok := p.factories[workerType]
	if !ok {
		return fmt.Errorf("no factory registered for worker type %q", workerType)
	}
	if _, exists := p.running[workerType][id]; exists {
		return fmt.Errorf("%s instance %q is already running", workerType, id)
	}

	runner, err := factory(id)
	if err != nil {
		return fmt.Errorf("failed to build %s instance %q: %w", workerType, id, err)
	}

	// Instance lifetime is bound to StopInstance, not the caller's context
	runCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{cancel: cancel, done: make(chan struct{})}

	if p.running[workerType] == nil {
		p.running[workerType] = make(map[string]*instance)
	}
	p.running[workerType][id] = inst
	p.setGauge(workerType)

	p.logger.Info().Str("worker_type", string(workerType)).Str("instance", id).Msg("starting worker instance")
	go func() {
		defer close(inst.done)
		if err := runner.Run(runCtx); err != nil {
			p.logger.Error().Err(err).
				Str("worker_type", string(workerType)).
				Str("instance", id).
				Msg("worker instance exited with error")
		}
		p.mu.Lock()
		delete(p.running[workerType], id)
		p.setGauge(workerType)
		p.mu.Unlock()
	}()

	return nil
}

// StopInstance cancels one worker goroutine and waits for it to finish
func (p *Pool) StopInstance(ctx context.Context, workerType types.WorkerType, id string) error {
	p.mu.Lock()
	inst, ok := p.running[workerType][id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s instance %q is not running", workerType, id)
	}

	p.logger.Info().Str("worker_type", string(workerType)).Str("instance", id).Msg("stopping worker instance")
	inst.cancel()

	select {
	case <-inst.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for %s instance %q to stop", workerType, id)
	}
}

// StopAll stops every instance of every type, waiting up to timeout total
func (p *Pool) StopAll(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p.mu.Lock()
	var all []*instance
	for _, instances := range p.running {
		for _, inst := range instances {
			inst.cancel()
			all = append(all, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range all {
		select {
		case <-inst.done:
		case <-ctx.Done():
			p.logger.Warn().Msg("timed out waiting for worker instances to stop")
			return
		}
	}
}

// setGauge refreshes the running-instance gauge; callers hold the lock
func (p *Pool) setGauge(workerType types.WorkerType) {
	p.metrics.WorkersRunning.WithLabelValues(string(workerType)).Set(float64(len(p.running[workerType])))
}
