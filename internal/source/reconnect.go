package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tracklens/internal/pipeline"
)

// ReconnectConfig contains configuration for exponential backoff reconnection
type ReconnectConfig struct {
	MaxRetries    int           // Reopen attempts per outage before giving up
	RetryDelay    time.Duration // Initial retry delay
	MaxRetryDelay time.Duration // Maximum retry delay cap
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Reconnecting wraps a live source and reopens it after transient read
// failures. Frame sequence numbers continue across reconnects.
type Reconnecting struct {
	inner  pipeline.FrameSource
	cfg    ReconnectConfig
	logger *zap.SugaredLogger
	sleep  func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	seq        uint64
	reconnects atomic.Uint64
}

var _ pipeline.FrameSource = (*Reconnecting)(nil)

// NewReconnecting wraps inner.
func NewReconnecting(inner pipeline.FrameSource, cfg ReconnectConfig, logger *zap.SugaredLogger) *Reconnecting {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reconnecting{
		inner:  inner,
		cfg:    cfg,
		logger: logger.Named("reconnect"),
		sleep:  sleepContext,
	}
}

func (r *Reconnecting) Open(ctx context.Context) error { return r.inner.Open(ctx) }
func (r *Reconnecting) Close() error { return r.inner.Close() }
func (r *Reconnecting) Closed() bool { return r.inner.Closed() }
func (r *Reconnecting) Kind() pipeline.SourceKind { return r.inner.Kind() }
func (r *Reconnecting) Describe() string { return r.inner.Describe() }

// Reconnects returns the number of successful reopen cycles.
func (r *Reconnecting) Reconnects() uint64 { return r.reconnects.Load() }

// Dropped forwards the inner source's dropped frame count when it has one.
func (r *Reconnecting) Dropped() uint64 {
	if d, ok := r.inner.(interface{ Dropped() uint64 }); ok {
		return d.Dropped()
	}
	return 0
}

// Next reads from the inner source. A *SourceReadError triggers a reopen
// with exponential backoff; once MaxRetries reopen attempts fail the error
// wraps pipeline.ErrSourceExhausted.
func (r *Reconnecting) Next(ctx context.Context) (*pipeline.Frame, error) {
	frame, err := r.inner.Next(ctx)
	if err == nil {
		return r.stamp(frame), nil
	}
	if !pipeline.IsTransient(err) {
		return nil, err
	}

	r.logger.Warnf("[%s] Read failed: %v", r.inner.Describe(), err)
	if err := r.reopen(ctx); err != nil {
		return nil, err
	}

	frame, err = r.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	return r.stamp(frame), nil
}

func (r *Reconnecting) stamp(frame *pipeline.Frame) *pipeline.Frame {
	r.mu.Lock()
	r.seq++
	frame.Seq = r.seq
	r.mu.Unlock()
	return frame
}

func (r *Reconnecting) reopen(ctx context.Context) error {
	var errs error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.inner.Close(); err != nil {
			r.logger.Debugf("[%s] Close before reopen: %v", r.inner.Describe(), err)
		}

		delay := calculateBackoff(attempt, r.cfg)
		r.logger.Infof("[%s] Reconnecting in %s (attempt %d/%d)", r.inner.Describe(), delay, attempt, r.cfg.MaxRetries)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}

		err := r.inner.Open(ctx)
		if err == nil {
			r.reconnects.Add(1)
			r.logger.Infof("[%s] Reconnected", r.inner.Describe())
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		return pipeline.ErrSourceExhausted
	}
	return fmt.Errorf("%w after %d attempts: %w", pipeline.ErrSourceExhausted, r.cfg.MaxRetries, errs)
}

// calculateBackoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
