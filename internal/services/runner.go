// Package services assembles pipelines from configuration and implements
// the operations exposed by the preview server.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tracklens/internal/annotate"
	"tracklens/internal/config"
	"tracklens/internal/detection"
	"tracklens/internal/metrics"
	"tracklens/internal/pipeline"
	"tracklens/internal/sink"
	"tracklens/internal/source"
	"tracklens/internal/store"
	"tracklens/internal/tracker"
	"tracklens/internal/ws"
)

// SourceFactory builds a frame source for a pipeline
type SourceFactory func(id string, cfg config.SourceConfig, logger *zap.SugaredLogger) (pipeline.FrameSource, error)

// DetectorFactory builds a detector; session scopes backend tracker state
type DetectorFactory func(cfg config.DetectorConfig, session string, logger *zap.SugaredLogger) (pipeline.Detector, error)

// Deps are the shared components a Runner wires pipelines into. Streams,
// Hub, Store and Metrics are optional.
type Deps struct {
	Manager  *pipeline.Manager
	Registry *detection.Registry
	Streams  *sink.Streams
	Hub      *ws.TrackHub
	Store    *store.Store
	Metrics  *metrics.Metrics
	Logger   *zap.SugaredLogger

	NewSource   SourceFactory   // defaults to source.New
	NewDetector DetectorFactory // defaults to detection.New
}

// Runner starts pipelines described by configuration and records each run
type Runner struct {
	cfg      *config.Config
	manager  *pipeline.Manager
	registry *detection.Registry
	streams  *sink.Streams
	hub      *ws.TrackHub
	store    *store.Store
	recorder *store.Recorder
	logger   *zap.SugaredLogger

	newSource   SourceFactory
	newDetector DetectorFactory
}

// NewRunner creates a runner and subscribes the store and metrics to the
// manager's event bus
func NewRunner(cfg *config.Config, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	manager := deps.Manager
	if manager == nil {
		manager = pipeline.NewManager(nil, logger)
	}
	registry := deps.Registry
	if registry == nil {
		registry = detection.NewRegistry()
	}

	r := &Runner{
		cfg:         cfg,
		manager:     manager,
		registry:    registry,
		streams:     deps.Streams,
		hub:         deps.Hub,
		store:       deps.Store,
		logger:      logger.Named("runner"),
		newSource:   deps.NewSource,
		newDetector: deps.NewDetector,
	}
	if r.newSource == nil {
		r.newSource = source.New
	}
	if r.newDetector == nil {
		r.newDetector = detection.New
	}

	if r.store != nil {
		r.recorder = store.NewRecorder(r.store, logger)
		manager.Bus().Subscribe(r.recorder)
	}
	if deps.Metrics != nil {
		manager.Bus().Subscribe(deps.Metrics)
		deps.Metrics.RegisterStats(manager.List)
		if r.hub != nil {
			hub := r.hub
			deps.Metrics.RegisterGauge("ws_clients", "Connected websocket viewers", func() float64 {
				return float64(hub.ClientCount())
			})
		}
	}
	manager.OnFinish(r.finish)
	return r
}

// Manager returns the pipeline manager
func (r *Runner) Manager() *pipeline.Manager {
	return r.manager
}

// Registry returns the detector registry
func (r *Runner) Registry() *detection.Registry {
	return r.registry
}

// Start assembles and starts a pipeline named name reading from src. The
// run id is returned.
func (r *Runner) Start(ctx context.Context, name string, src config.SourceConfig) (string, error) {
	if name == "" {
		name = r.cfg.Pipeline.Name
	}
	if r.manager.IsRunning(name) {
		return "", &ConflictError{Message: "pipeline is already running", ID: name}
	}

	cfg := *r.cfg
	cfg.Source = src
	if err := cfg.Validate(); err != nil {
		return "", &BadRequestError{Message: "invalid pipeline configuration", Details: ptrString(err.Error())}
	}

	runID := uuid.NewString()
	logger := r.logger.With("pipeline", name, "run", runID)

	frameSource, err := r.newSource(name, src, logger)
	if err != nil {
		return "", fmt.Errorf("build source: %w", err)
	}

	// A fresh detector per run so backend tracker sessions never leak
	// between runs
	if _, ok := r.registry.Get(name); ok {
		if err := r.registry.Unregister(name); err != nil {
			logger.Warnf("[Runner] Closing previous detector: %v", err)
		}
	}
	detector, err := r.newDetector(cfg.Detector, runID, logger)
	if err != nil {
		return "", fmt.Errorf("build detector: %w", err)
	}
	if err := r.registry.Register(name, detector); err != nil {
		detector.Close()
		return "", err
	}

	var trk pipeline.Tracker
	if cfg.Tracking.Mode == pipeline.TrackingSORT {
		trk = tracker.NewSORT(cfg.TrackerConfig(), logger)
	}

	out, err := r.buildSink(name, runID, &cfg)
	if err != nil {
		r.registry.Unregister(name)
		return "", err
	}

	p, err := pipeline.New(pipeline.Options{
		ID:              name,
		RunID:           runID,
		Source:          frameSource,
		Detector:        detector,
		Tracker:         trk,
		Annotator:       annotate.NewRenderer(cfg.Tracking.ShowTrails),
		Sink:            out,
		Bus:             r.manager.Bus(),
		Mode:            cfg.Tracking.Mode,
		Confidence:      cfg.Detector.Confidence,
		Native:          cfg.NativeParams(),
		MaxReadFailures: cfg.Pipeline.MaxReadFailures,
		Logger:          logger,
	})
	if err != nil {
		r.registry.Unregister(name)
		return "", multierr.Append(err, out.Close())
	}

	if r.store != nil {
		run := &store.RunRecord{
			ID:         runID,
			Pipeline:   name,
			Source:     frameSource.Describe(),
			SourceKind: src.Kind,
			Tracking:   cfg.Tracking.Mode,
			StartedAt:  time.Now(),
		}
		if err := r.store.CreateRun(run); err != nil {
			r.registry.Unregister(name)
			return "", multierr.Append(err, out.Close())
		}
	}

	if err := r.manager.Start(ctx, p); err != nil {
		r.registry.Unregister(name)
		out.Close()
		r.finishRun(runID, 0, "", err)
		return "", &ConflictError{Message: err.Error(), ID: name}
	}
	return runID, nil
}

// buildSink fans annotated frames out to the preview stream, websocket
// viewers and, in write mode, an artifact on disk
func (r *Runner) buildSink(name, runID string, cfg *config.Config) (pipeline.Sink, error) {
	var sinks []pipeline.Sink
	if r.streams != nil {
		sinks = append(sinks, r.streams.Create(name))
	}
	if r.hub != nil {
		sinks = append(sinks, sink.NewWSSink(name, r.hub, cfg.Server.WSThumbnail))
	}
	if cfg.Output.Write {
		fs, err := sink.NewFileSink(sink.FileConfig{
			Dir:     cfg.Output.Dir,
			Name:    runID,
			Still:   cfg.Source.Kind == pipeline.SourceImage,
			Quality: cfg.Output.JPEGQuality,
			FPS:     cfg.Output.VideoFPS,
			Codec:   cfg.Output.VideoCodec,
			Bin:     cfg.Source.FFmpegBin,
			Logger:  r.logger,
		})
		if err != nil {
			return nil, multierr.Append(err, sink.NewMulti(sinks...).Close())
		}
		sinks = append(sinks, fs)
	}
	return sink.NewMulti(sinks...), nil
}

// finish runs once per pipeline after Run returned
func (r *Runner) finish(stats pipeline.PipelineStats, err error) {
	if uerr := r.registry.Unregister(stats.PipelineID); uerr != nil {
		r.logger.Warnf("[Runner] Closing detector of %s: %v", stats.PipelineID, uerr)
	}
	if r.recorder != nil {
		if ferr := r.recorder.Flush(stats.RunID); ferr != nil {
			r.logger.Errorf("[Runner] Saving tracks of run %s: %v", stats.RunID, ferr)
		}
	}
	r.finishRun(stats.RunID, stats.FramesProcessed, stats.ArtifactPath, err)
}

func (r *Runner) finishRun(runID string, frames uint64, artifact string, err error) {
	if r.store == nil || runID == "" {
		return
	}
	status, msg := store.StatusFinished, ""
	if err != nil {
		status, msg = store.StatusFailed, err.Error()
	}
	if serr := r.store.FinishRun(runID, status, frames, artifact, msg, time.Now()); serr != nil {
		r.logger.Errorf("[Runner] Recording end of run %s: %v", runID, serr)
	}
}

// Stop cancels a running pipeline and waits for it
func (r *Runner) Stop(name string) error {
	return r.manager.Stop(name)
}

// Wait blocks until the named pipeline finishes
func (r *Runner) Wait(ctx context.Context, name string) error {
	return r.manager.Wait(ctx, name)
}

// Close stops every pipeline and releases detectors
func (r *Runner) Close() error {
	err := r.manager.Close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return multierr.Append(err, r.registry.Close())
}
