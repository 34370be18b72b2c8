package sink

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tracklens/internal/pipeline"
)

// FileConfig configures a FileSink
type FileConfig struct {
	Dir     string
	Name    string // Artifact base name, usually the run id
	Still   bool   // Write a single JPEG instead of a video
	Quality int    // JPEG quality
	FPS     int    // Output video frame rate
	Codec   string // ffmpeg video encoder
	Bin     string // ffmpeg binary
	Logger  *zap.SugaredLogger
}

// FileSink persists annotated output. Still sources produce one JPEG; video
// sources are piped into an ffmpeg encoder producing an mp4. Exactly one
// artifact exists per run once Close returns.
type FileSink struct {
	cfg    FileConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	path    string
	frames  int
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  bytes.Buffer
	closed  bool
	written bool
}

var _ pipeline.ArtifactSink = (*FileSink)(nil)

// NewFileSink creates the output directory and returns a sink writing into it
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("artifact name is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 90
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 25
	}
	if cfg.Codec == "" {
		cfg.Codec = "libx264"
	}
	if cfg.Bin == "" {
		cfg.Bin = "ffmpeg"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ext := ".mp4"
	if cfg.Still {
		ext = ".jpg"
	}
	return &FileSink{
		cfg:    cfg,
		logger: logger.Named("file"),
		path:   filepath.Join(cfg.Dir, cfg.Name+ext),
	}, nil
}

// Push writes one frame
func (s *FileSink) Push(ctx context.Context, frame *pipeline.AnnotatedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("file sink %s is closed", s.path)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: s.cfg.Quality}); err != nil {
		return fmt.Errorf("encode frame %d: %w", frame.Seq, err)
	}

	if s.cfg.Still {
		if err := os.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", s.path, err)
		}
		s.frames++
		s.written = true
		return nil
	}

	if s.cmd == nil {
		if err := s.startEncoder(); err != nil {
			return err
		}
	}
	if _, err := s.stdin.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame %d to encoder: %w: %s", frame.Seq, err, s.stderrTail())
	}
	s.frames++
	return nil
}

// encoder builds the ffmpeg invocation that reads JPEGs from stdin
func (s *FileSink) encoder() *ffmpeg.Stream {
	in := ffmpeg.KwArgs{
		"format":    "image2pipe",
		"vcodec":    "mjpeg",
		"framerate": s.cfg.FPS,
	}
	out := ffmpeg.KwArgs{
		"vcodec":  s.cfg.Codec,
		"pix_fmt": "yuv420p",
	}
	return ffmpeg.Input("pipe:", in).Output(s.path, out)
}

func (s *FileSink) startEncoder() error {
	cmd := s.encoder().Compile()
	if s.cfg.Bin != "ffmpeg" {
		path, err := exec.LookPath(s.cfg.Bin)
		if err != nil {
			return fmt.Errorf("find encoder: %w", err)
		}
		cmd.Path = path
		cmd.Err = nil
	}
	cmd.Stdout = nil
	cmd.Stderr = &s.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.logger.Infof("[FileSink] Encoding %s with %s at %d fps", s.path, s.cfg.Codec, s.cfg.FPS)
	return nil
}

func (s *FileSink) stderrTail() string {
	out := strings.TrimSpace(s.stderr.String())
	if len(out) > 512 {
		out = out[len(out)-512:]
	}
	return out
}

// Close finalizes the artifact. Safe to call more than once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.cmd == nil {
		return nil
	}
	err := multierr.Append(s.stdin.Close(), s.cmd.Wait())
	if err != nil {
		return fmt.Errorf("finalize %s: %w: %s", s.path, err, s.stderrTail())
	}
	s.written = true
	s.logger.Infof("[FileSink] Wrote %d frames to %s", s.frames, s.path)
	return nil
}

// ArtifactPath returns the written file, empty until something was written
func (s *FileSink) ArtifactPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.written {
		return ""
	}
	return s.path
}

// Frames returns the number of frames written
func (s *FileSink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}
