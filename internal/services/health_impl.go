package services

import (
	"context"
	"fmt"
	"sort"

	"tracklens/internal/detection"
	"tracklens/internal/store"
)

// HealthStatus reports the reachability of the detectors and the store
type HealthStatus struct {
	Status    string          `json:"status"` // ok, degraded
	Detectors map[string]bool `json:"detectors"`
	Store     *bool           `json:"store,omitempty"`
}

// HealthImplementation implements the health service
type HealthImplementation struct {
	registry *detection.Registry
	store    *store.Store
}

// NewHealthService creates a new health service implementation. st may be
// nil when run history is disabled.
func NewHealthService(registry *detection.Registry, st *store.Store) *HealthImplementation {
	return &HealthImplementation{registry: registry, store: st}
}

// Healthz implements the liveness probe
func (h *HealthImplementation) Healthz(ctx context.Context) error {
	return nil
}

// Check probes every registered detector and the store
func (h *HealthImplementation) Check(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Status: "ok", Detectors: h.registry.Health(ctx)}
	for _, ok := range status.Detectors {
		if !ok {
			status.Status = "degraded"
		}
	}
	if h.store != nil {
		ok := h.store.Ping(ctx) == nil
		status.Store = &ok
		if !ok {
			status.Status = "degraded"
		}
	}
	return status
}

// Readyz implements the readiness probe
func (h *HealthImplementation) Readyz(ctx context.Context) error {
	status := h.Check(ctx)
	if status.Status == "ok" {
		return nil
	}

	var down []string
	for name, ok := range status.Detectors {
		if !ok {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	if status.Store != nil && !*status.Store {
		down = append(down, "store")
	}
	return &InternalError{Message: fmt.Sprintf("unavailable: %v", down)}
}
