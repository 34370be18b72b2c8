// Package config loads and validates tracklens settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tracklens/internal/pipeline"
	"tracklens/internal/tracker"
)

// Config represents the complete tracklens configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Source   SourceConfig   `yaml:"source"`
	Detector DetectorConfig `yaml:"detector"`
	Tracking TrackingConfig `yaml:"tracking"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Output   OutputConfig   `yaml:"output"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

// SourceConfig selects and configures the frame source
type SourceConfig struct {
	Kind              pipeline.SourceKind `yaml:"kind"`
	Path              string              `yaml:"path"`   // image and file sources
	Device            int                 `yaml:"device"` // webcam index, /dev/video<N>
	URL               string              `yaml:"url"`    // rtsp and remote sources
	FPS               int                 `yaml:"fps"`    // capture rate for live sources, 0 = native
	FFmpegBin         string              `yaml:"ffmpeg_bin"`
	ResolverBin       string              `yaml:"resolver_bin"` // resolves remote pages to a playable URL
	ProbeRTSP         bool                `yaml:"probe_rtsp"`
	ProbeTimeout      time.Duration       `yaml:"probe_timeout"`
	MaxReconnects     int                 `yaml:"max_reconnects"`
	ReconnectDelay    time.Duration       `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration       `yaml:"max_reconnect_delay"`
}

// DetectorConfig contains inference backend settings
type DetectorConfig struct {
	Backend    string        `yaml:"backend"` // http, grpc
	Endpoint   string        `yaml:"endpoint"`
	Model      string        `yaml:"model"` // forwarded to the backend
	Confidence float64       `yaml:"confidence"`
	NMSIoU     float64       `yaml:"nms_iou"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TrackingConfig selects who assigns identities and tunes SORT
type TrackingConfig struct {
	Mode         pipeline.TrackingMode  `yaml:"mode"`
	Native       pipeline.NativeTracker `yaml:"native"`
	MaxAge       int                    `yaml:"max_age"`
	MinHits      int                    `yaml:"min_hits"`
	IoUThreshold float64                `yaml:"iou_threshold"`
	TrailLength  int                    `yaml:"trail_length"`
	ShowTrails   bool                   `yaml:"show_trails"`
}

// PipelineConfig contains orchestrator settings
type PipelineConfig struct {
	Name            string `yaml:"name"`
	MaxReadFailures int    `yaml:"max_read_failures"`
}

// OutputConfig controls sinks
type OutputConfig struct {
	Dir         string `yaml:"dir"`
	Write       bool   `yaml:"write"` // persist an annotated artifact
	JPEGQuality int    `yaml:"jpeg_quality"`
	VideoFPS    int    `yaml:"video_fps"`
	VideoCodec  string `yaml:"video_codec"`
}

// ServerConfig contains preview server settings
type ServerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	WSThumbnail bool          `yaml:"ws_thumbnail"` // embed a small JPEG in websocket messages
	AuthEnabled bool          `yaml:"auth_enabled"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"` // plaintext or bcrypt hash
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// StoreConfig contains run history settings
type StoreConfig struct {
	Path string `yaml:"path"` // empty disables the store
}

// Default returns a configuration with every default applied
func Default() *Config {
	tc := tracker.DefaultConfig()
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Source: SourceConfig{
			Kind:              pipeline.SourceFile,
			FFmpegBin:         "ffmpeg",
			ResolverBin:       "yt-dlp",
			ProbeRTSP:         true,
			ProbeTimeout:      5 * time.Second,
			MaxReconnects:     5,
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 30 * time.Second,
		},
		Detector: DetectorConfig{
			Backend:    "http",
			Endpoint:   "http://localhost:8081",
			Confidence: 0.4,
			NMSIoU:     0.7,
			Timeout:    10 * time.Second,
		},
		Tracking: TrackingConfig{
			Mode:         pipeline.TrackingSORT,
			Native:       pipeline.NativeByteTrack,
			MaxAge:       tc.MaxAge,
			MinHits:      tc.MinHits,
			IoUThreshold: tc.IoUThreshold,
			TrailLength:  tc.TrailLength,
			ShowTrails:   true,
		},
		Pipeline: PipelineConfig{
			Name:            "default",
			MaxReadFailures: 10,
		},
		Output: OutputConfig{
			Dir:         "runs",
			JPEGQuality: 85,
			VideoFPS:    25,
			VideoCodec:  "libx264",
		},
		Server: ServerConfig{
			Addr:        ":8080",
			Username:    "admin",
			TokenExpiry: 24 * time.Hour,
		},
		Store: StoreConfig{Path: "tracklens.db"},
	}
}

// Load reads a YAML configuration file on top of the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// TrackerConfig returns the SORT parameters
func (c *Config) TrackerConfig() tracker.Config {
	return tracker.Config{
		MaxAge:       c.Tracking.MaxAge,
		MinHits:      c.Tracking.MinHits,
		IoUThreshold: c.Tracking.IoUThreshold,
		TrailLength:  c.Tracking.TrailLength,
	}
}

// NativeParams returns the parameters forwarded to a detector-side tracker
func (c *Config) NativeParams() pipeline.NativeTrackParams {
	return pipeline.NativeTrackParams{
		Confidence: c.Detector.Confidence,
		IoU:        c.Detector.NMSIoU,
		Algorithm:  c.Tracking.Native,
	}
}
