package detection

import (
	"fmt"

	"go.uber.org/zap"

	"tracklens/internal/config"
	"tracklens/internal/pipeline"
)

// Backend names accepted in configuration
const (
	BackendHTTP = "http"
	BackendGRPC = "grpc"
)

// New creates the detector selected by cfg.Backend. session scopes any
// tracker state the backend keeps for the caller.
func New(cfg config.DetectorConfig, session string, logger *zap.SugaredLogger) (pipeline.Detector, error) {
	switch cfg.Backend {
	case BackendHTTP, "":
		return NewHTTPDetector(HTTPConfig{
			Endpoint: cfg.Endpoint,
			Model:    cfg.Model,
			Session:  session,
			Timeout:  cfg.Timeout,
			Logger:   logger,
		}), nil
	case BackendGRPC:
		return NewGRPCDetector(GRPCConfig{
			Endpoint: cfg.Endpoint,
			Model:    cfg.Model,
			Session:  session,
			Timeout:  cfg.Timeout,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}
