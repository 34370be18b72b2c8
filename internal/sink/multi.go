package sink

import (
	"context"

	"go.uber.org/multierr"

	"tracklens/internal/pipeline"
)

// Multi fans each frame out to several sinks in order
type Multi struct {
	sinks []pipeline.Sink
}

var _ pipeline.ArtifactSink = (*Multi)(nil)

// NewMulti combines sinks, skipping nil entries
func NewMulti(sinks ...pipeline.Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Push stops at the first failing sink
func (m *Multi) Push(ctx context.Context, frame *pipeline.AnnotatedFrame) error {
	for _, s := range m.sinks {
		if err := s.Push(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink, joining their errors
func (m *Multi) Close() error {
	var errs error
	for _, s := range m.sinks {
		errs = multierr.Append(errs, s.Close())
	}
	return errs
}

// ArtifactPath returns the first artifact written by a member sink
func (m *Multi) ArtifactPath() string {
	for _, s := range m.sinks {
		if as, ok := s.(pipeline.ArtifactSink); ok {
			if p := as.ArtifactPath(); p != "" {
				return p
			}
		}
	}
	return ""
}
