package config

import (
	"fmt"
	"strings"

	"tracklens/internal/pipeline"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateSource(); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	switch c.Detector.Backend {
	case "http", "grpc":
	default:
		return fmt.Errorf("detector.backend must be http or grpc, got %q", c.Detector.Backend)
	}
	if c.Detector.Endpoint == "" {
		return fmt.Errorf("detector.endpoint is required")
	}
	if c.Detector.Confidence < 0 || c.Detector.Confidence > 1 {
		return fmt.Errorf("detector.confidence must be within [0, 1], got %g", c.Detector.Confidence)
	}
	if c.Detector.NMSIoU < 0 || c.Detector.NMSIoU > 1 {
		return fmt.Errorf("detector.nms_iou must be within [0, 1], got %g", c.Detector.NMSIoU)
	}

	switch c.Tracking.Mode {
	case pipeline.TrackingOff, pipeline.TrackingSORT:
	case pipeline.TrackingNative:
		if c.Tracking.Native != pipeline.NativeByteTrack && c.Tracking.Native != pipeline.NativeBoTSORT {
			return fmt.Errorf("tracking.native must be bytetrack or botsort, got %q", c.Tracking.Native)
		}
	default:
		return fmt.Errorf("tracking.mode must be off, sort or native, got %q", c.Tracking.Mode)
	}
	if err := c.TrackerConfig().Validate(); err != nil {
		return fmt.Errorf("tracking: %w", err)
	}

	if c.Pipeline.MaxReadFailures <= 0 {
		return fmt.Errorf("pipeline.max_read_failures must be > 0")
	}
	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		return fmt.Errorf("output.jpeg_quality must be within [1, 100]")
	}
	if c.Output.Write && c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required when output.write is set")
	}
	if c.Server.AuthEnabled && c.Server.Password == "" {
		return fmt.Errorf("server.password is required when server.auth_enabled is set")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) validateSource() error {
	s := c.Source
	switch s.Kind {
	case pipeline.SourceImage, pipeline.SourceFile:
		if s.Path == "" {
			return fmt.Errorf("path is required for %s sources", s.Kind)
		}
	case pipeline.SourceWebcam:
		if s.Device < 0 {
			return fmt.Errorf("device must be >= 0, got %d", s.Device)
		}
	case pipeline.SourceRTSP:
		if !strings.HasPrefix(s.URL, "rtsp://") && !strings.HasPrefix(s.URL, "rtsps://") {
			return fmt.Errorf("url must be an rtsp:// locator, got %q", s.URL)
		}
	case pipeline.SourceRemote:
		if s.URL == "" {
			return fmt.Errorf("url is required for remote sources")
		}
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	if s.MaxReconnects < 0 {
		return fmt.Errorf("max_reconnects must be >= 0")
	}
	if s.FPS < 0 {
		return fmt.Errorf("fps must be >= 0")
	}
	return nil
}
