// Package server exposes the preview HTTP surface: live MJPEG streams,
// websocket track feeds, run history, pipeline control and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"
	"go.uber.org/zap"

	"tracklens/internal/auth"
	"tracklens/internal/middleware"
	"tracklens/internal/services"
	"tracklens/internal/sink"
	"tracklens/internal/ws"
)

// Paths reachable without a token
var publicPaths = []string{"/healthz", "/readyz", "/auth/login", "/auth/status", "/metrics"}

// Services are the handlers mounted by the server. Runs is nil when run
// history is disabled; Metrics is nil when metrics are not exported.
type Services struct {
	Health        *services.HealthImplementation
	Auth          *services.AuthImplementation
	Authenticator *auth.Authenticator
	Runs          *services.RunsImplementation
	Pipelines     *services.PipelinesImplementation
	Streams       *sink.Streams
	Tracks        *ws.Handler
	Metrics       http.Handler
}

// Server is the preview HTTP server
type Server struct {
	addr    string
	svc     Services
	mux     goahttp.ResolverMuxer
	handler http.Handler
	logger  *zap.SugaredLogger
}

// New builds the server and mounts every route
func New(addr string, svc Services, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		addr:   addr,
		svc:    svc,
		mux:    goahttp.NewMuxer(),
		logger: logger.Named("http"),
	}
	s.mount()

	// Middlewares mounted here apply to every route
	var handler http.Handler = s.mux
	{
		if svc.Authenticator != nil {
			handler = middleware.AuthMiddleware(svc.Authenticator, publicPaths...)(handler)
		}
		handler = withRequestLogging(handler, s.logger)
	}
	s.handler = handler
	return s
}

func (s *Server) mount() {
	m := s.mux
	m.Handle(http.MethodGet, "/healthz", s.healthz)
	m.Handle(http.MethodGet, "/readyz", s.readyz)

	if s.svc.Auth != nil {
		m.Handle(http.MethodPost, "/auth/login", s.login)
		m.Handle(http.MethodGet, "/auth/status", s.authStatus)
		m.Handle(http.MethodPost, "/auth/share", s.share)
	}

	if s.svc.Pipelines != nil {
		m.Handle(http.MethodGet, "/pipelines", s.listPipelines)
		m.Handle(http.MethodPost, "/pipelines", s.startPipeline)
		m.Handle(http.MethodGet, "/pipelines/{id}", s.getPipeline)
		m.Handle(http.MethodDelete, "/pipelines/{id}", s.stopPipeline)
	}

	if s.svc.Streams != nil {
		m.Handle(http.MethodGet, "/stream/{id}/mjpeg", s.mjpeg)
		m.Handle(http.MethodGet, "/stream/{id}/snapshot", s.snapshot)
	}
	if s.svc.Tracks != nil {
		m.Handle(http.MethodGet, "/ws/tracks/{id}", s.tracks)
	}

	if s.svc.Runs != nil {
		m.Handle(http.MethodGet, "/runs", s.listRuns)
		m.Handle(http.MethodGet, "/runs/{id}", s.getRun)
		m.Handle(http.MethodGet, "/runs/{id}/artifact", s.artifact)
	}

	if s.svc.Metrics != nil {
		m.Handle(http.MethodGet, "/metrics", s.svc.Metrics.ServeHTTP)
	}
}

// Handler returns the root handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	go func() {
		s.logger.Infof("[HTTP] Server listening on %q", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Infof("[HTTP] Shutting down server at %q", s.addr)
	// Shutdown gracefully with a 30s timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Long-lived MJPEG and websocket handlers never return on their own
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("[HTTP] Failed to shutdown: %v", err)
		srv.Close()
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
