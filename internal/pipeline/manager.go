package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FinishFunc is called once a managed pipeline's Run has returned.
type FinishFunc func(stats PipelineStats, err error)

// Manager runs several independent pipelines, each on its own goroutine
// with its own tracker.
type Manager struct {
	pipelines map[string]*managedPipeline
	bus       *EventBus
	logger    *zap.SugaredLogger
	onFinish  []FinishFunc
	mu        sync.RWMutex
}

type managedPipeline struct {
	pipeline *Pipeline
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// NewManager creates a pipeline manager publishing on bus
func NewManager(bus *EventBus, logger *zap.SugaredLogger) *Manager {
	if bus == nil {
		bus = NewEventBus()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		pipelines: make(map[string]*managedPipeline),
		bus:       bus,
		logger:    logger.Named("manager"),
	}
}

// Bus returns the event bus shared by managed pipelines
func (m *Manager) Bus() *EventBus {
	return m.bus
}

// OnFinish registers a callback run after each pipeline stops
func (m *Manager) OnFinish(fn FinishFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinish = append(m.onFinish, fn)
}

// Start runs p in the background. A finished pipeline with the same id is
// replaced; a running one is an error.
func (m *Manager) Start(ctx context.Context, p *Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pipelines[p.ID()]; ok {
		select {
		case <-existing.done:
		default:
			return fmt.Errorf("pipeline %s is already running", p.ID())
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	mp := &managedPipeline{
		pipeline: p,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.pipelines[p.ID()] = mp
	hooks := append([]FinishFunc(nil), m.onFinish...)

	go func() {
		defer close(mp.done)
		defer cancel()

		err := p.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		mp.err = err
		if err != nil {
			m.logger.Errorf("[%s] Pipeline stopped: %v", p.ID(), err)
		} else {
			m.logger.Infof("[%s] Pipeline finished", p.ID())
		}
		stats := p.Stats()
		for _, fn := range hooks {
			fn(stats, err)
		}
	}()

	m.logger.Infof("[%s] Started pipeline", p.ID())
	return nil
}

func (m *Manager) get(id string) (*managedPipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %s not found", id)
	}
	return mp, nil
}

// IsRunning reports whether a pipeline with id is still running
func (m *Manager) IsRunning(id string) bool {
	mp, err := m.get(id)
	if err != nil {
		return false
	}
	select {
	case <-mp.done:
		return false
	default:
		return true
	}
}

// Stop cancels a pipeline and waits for it to release its source
func (m *Manager) Stop(id string) error {
	mp, err := m.get(id)
	if err != nil {
		return err
	}
	mp.cancel()
	<-mp.done
	return mp.err
}

// Wait blocks until the pipeline finishes or ctx is done, returning the
// run's error. Cancellation of the run itself is not an error.
func (m *Manager) Wait(ctx context.Context, id string) error {
	mp, err := m.get(id)
	if err != nil {
		return err
	}
	select {
	case <-mp.done:
		return mp.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns statistics for one pipeline
func (m *Manager) Stats(id string) (PipelineStats, bool) {
	mp, err := m.get(id)
	if err != nil {
		return PipelineStats{}, false
	}
	return mp.pipeline.Stats(), true
}

// List returns statistics for every known pipeline, ordered by id
func (m *Manager) List() []PipelineStats {
	m.mu.RLock()
	ids := make([]string, 0, len(m.pipelines))
	for id := range m.pipelines {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	out := make([]PipelineStats, 0, len(ids))
	for _, id := range ids {
		if stats, ok := m.Stats(id); ok {
			out = append(out, stats)
		}
	}
	return out
}

// Close stops every pipeline
func (m *Manager) Close() error {
	m.mu.Lock()
	all := make([]*managedPipeline, 0, len(m.pipelines))
	for id, mp := range m.pipelines {
		all = append(all, mp)
		delete(m.pipelines, id)
	}
	m.mu.Unlock()

	var errs error
	for _, mp := range all {
		mp.cancel()
	}
	for _, mp := range all {
		<-mp.done
		errs = multierr.Append(errs, mp.err)
	}
	m.logger.Infof("[Manager] Closed %d pipelines", len(all))
	return errs
}
