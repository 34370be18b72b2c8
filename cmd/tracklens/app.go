package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tracklens/internal/auth"
	"tracklens/internal/config"
	"tracklens/internal/detection"
	"tracklens/internal/logging"
	"tracklens/internal/metrics"
	"tracklens/internal/pipeline"
	"tracklens/internal/server"
	"tracklens/internal/services"
	"tracklens/internal/sink"
	"tracklens/internal/store"
	"tracklens/internal/ws"
)

// loadConfig reads the config file and applies flags and TRACKLENS_*
// variables on top of it
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return nil, err
	}

	if c.IsSet(flagLogLevel) {
		cfg.Log.Level = c.String(flagLogLevel)
	}
	if c.IsSet(flagLogFormat) {
		cfg.Log.Format = c.String(flagLogFormat)
	}
	if c.IsSet(flagDB) {
		cfg.Store.Path = c.String(flagDB)
	}
	if c.IsSet(flagName) {
		cfg.Pipeline.Name = c.String(flagName)
	}
	if c.IsSet(flagSource) {
		cfg.Source.Kind = pipeline.SourceKind(c.String(flagSource))
	}
	if c.IsSet(flagPath) {
		cfg.Source.Path = c.String(flagPath)
	}
	if c.IsSet(flagURL) {
		cfg.Source.URL = c.String(flagURL)
	}
	if c.IsSet(flagDevice) {
		cfg.Source.Device = c.Int(flagDevice)
	}
	if c.IsSet(flagFPS) {
		cfg.Source.FPS = c.Int(flagFPS)
	}
	if c.IsSet(flagDetector) {
		cfg.Detector.Backend = c.String(flagDetector)
	}
	if c.IsSet(flagEndpoint) {
		cfg.Detector.Endpoint = c.String(flagEndpoint)
	}
	if c.IsSet(flagModel) {
		cfg.Detector.Model = c.String(flagModel)
	}
	if c.IsSet(flagConfidence) {
		cfg.Detector.Confidence = c.Float64(flagConfidence)
	}
	if c.IsSet(flagTracking) {
		cfg.Tracking.Mode = pipeline.TrackingMode(c.String(flagTracking))
	}
	if c.IsSet(flagNative) {
		cfg.Tracking.Native = pipeline.NativeTracker(c.String(flagNative))
	}
	if c.IsSet(flagWrite) {
		cfg.Output.Write = c.Bool(flagWrite)
	}
	if c.IsSet(flagOutputDir) {
		cfg.Output.Dir = c.String(flagOutputDir)
	}
	if c.IsSet(flagAddr) {
		cfg.Server.Addr = c.String(flagAddr)
	}
	return cfg, nil
}

// app holds the long-lived components shared by pipelines and the server
type app struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	store    *store.Store
	registry *detection.Registry
	hub      *ws.TrackHub
	streams  *sink.Streams
	metrics  *metrics.Metrics
	runner   *services.Runner
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: detection.NewRegistry(),
	}
	if cfg.Store.Path != "" {
		if a.store, err = openStore(cfg.Store.Path); err != nil {
			return nil, err
		}
	}
	// Preview components only cost something when someone can watch
	if cfg.Server.Enabled {
		a.hub = ws.NewTrackHub(logger)
		a.streams = sink.NewStreams(cfg.Output.JPEGQuality, logger)
		a.metrics = metrics.New()
	}

	a.runner = services.NewRunner(cfg, services.Deps{
		Manager:  pipeline.NewManager(pipeline.NewEventBus(), logger),
		Registry: a.registry,
		Streams:  a.streams,
		Hub:      a.hub,
		Store:    a.store,
		Metrics:  a.metrics,
		Logger:   logger,
	})
	return a, nil
}

func openStore(path string) (*store.Store, error) {
	st, err := store.New(path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// server builds the preview server. Pipelines started through its API are
// children of ctx.
func (a *app) server(ctx context.Context) (*server.Server, error) {
	authenticator, err := auth.NewAuthenticator(auth.Options{
		Enabled:     a.cfg.Server.AuthEnabled,
		Username:    a.cfg.Server.Username,
		Password:    a.cfg.Server.Password,
		JWTSecret:   a.cfg.Server.JWTSecret,
		TokenExpiry: a.cfg.Server.TokenExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	svc := server.Services{
		Health:        services.NewHealthService(a.registry, a.store),
		Auth:          services.NewAuthService(authenticator),
		Authenticator: authenticator,
		Pipelines:     services.NewPipelinesService(ctx, a.runner, a.hub),
		Streams:       a.streams,
		Tracks:        ws.NewHandler(a.hub),
		Metrics:       a.metrics.Handler(),
	}
	if a.store != nil {
		svc.Runs = services.NewRunsService(a.store)
	}
	return server.New(a.cfg.Server.Addr, svc, a.logger), nil
}

// Close stops pipelines and releases every resource
func (a *app) Close() error {
	err := a.runner.Close()
	if a.hub != nil {
		a.hub.Close()
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	a.logger.Sync()
	return err
}
