// Package source implements the frame sources: still images, stored video,
// webcams, RTSP streams and hosted videos. Everything but still images is
// decoded by an ffmpeg subprocess.
package source

import (
	"fmt"

	"go.uber.org/zap"

	"tracklens/internal/config"
	"tracklens/internal/pipeline"
)

// New builds the source described by cfg. Live sources are wrapped in
// Reconnecting when cfg.MaxReconnects is positive.
func New(id string, cfg config.SourceConfig, logger *zap.SugaredLogger) (pipeline.FrameSource, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	opts := FFmpegOptions{
		ID:     id,
		Bin:    cfg.FFmpegBin,
		FPS:    cfg.FPS,
		Logger: logger,
	}

	var src pipeline.FrameSource
	switch cfg.Kind {
	case pipeline.SourceImage:
		return NewImageSource(id, cfg.Path), nil
	case pipeline.SourceFile:
		return NewFileSource(cfg.Path, opts), nil
	case pipeline.SourceWebcam:
		src = NewWebcamSource(cfg.Device, opts)
	case pipeline.SourceRTSP:
		var prober Prober
		if cfg.ProbeRTSP {
			prober = RTSPProber{Timeout: cfg.ProbeTimeout}
		}
		src = NewRTSPSource(cfg.URL, prober, opts)
	case pipeline.SourceRemote:
		src = NewRemoteSource(cfg.URL, CommandResolver{Bin: cfg.ResolverBin}, opts)
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}

	if cfg.MaxReconnects <= 0 {
		return src, nil
	}
	return NewReconnecting(src, ReconnectConfig{
		MaxRetries:    cfg.MaxReconnects,
		RetryDelay:    cfg.ReconnectDelay,
		MaxRetryDelay: cfg.MaxReconnectDelay,
	}, logger), nil
}
