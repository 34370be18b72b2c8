package detection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"tracklens/internal/pipeline"
)

// HealthChecker is implemented by detectors that can report backend health.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Registry keeps the detector of every running pipeline, keyed by
// pipeline name.
type Registry struct {
	detectors map[string]pipeline.Detector
	mu        sync.RWMutex
}

// NewRegistry creates a new detector registry
func NewRegistry() *Registry {
	return &Registry{
		detectors: make(map[string]pipeline.Detector),
	}
}

// Register adds a detector to the registry
func (r *Registry) Register(name string, detector pipeline.Detector) error {
	if detector == nil {
		return fmt.Errorf("detector cannot be nil")
	}
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}

	r.detectors[name] = detector
	return nil
}

// Get returns a detector by name
func (r *Registry) Get(name string) (pipeline.Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health reports each detector's backend health. Detectors that cannot
// report are assumed healthy.
func (r *Registry) Health(ctx context.Context) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]bool, len(r.detectors))
	for name, d := range r.detectors {
		hc, ok := d.(HealthChecker)
		result[name] = !ok || hc.IsHealthy(ctx)
	}
	return result
}

// Unregister removes a detector and closes it
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	d, exists := r.detectors[name]
	delete(r.detectors, name)
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("detector %q not found", name)
	}
	return d.Close()
}

// Close releases all detector resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs error
	for name, d := range r.detectors {
		if err := d.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("error closing detector %q: %w", name, err))
		}
		delete(r.detectors, name)
	}
	return errs
}
