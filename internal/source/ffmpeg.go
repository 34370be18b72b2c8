package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"

	"tracklens/internal/pipeline"
)

// prepareFunc runs before ffmpeg starts and returns the locator ffmpeg reads.
type prepareFunc func(ctx context.Context) (string, error)

// FFmpegSource decodes a video input with an ffmpeg subprocess writing an
// MJPEG stream to its stdout.
type FFmpegSource struct {
	id        string
	kind      pipeline.SourceKind
	locator   string
	bin       string
	fps       int
	inputArgs ffmpeg.KwArgs
	prepare   prepareFunc
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	open   bool
	cancel context.CancelFunc
	cmd    *exec.Cmd
	reader *frameReader
	stderr *tailWriter
	seq    uint64
}

var _ pipeline.FrameSource = (*FFmpegSource)(nil)

// FFmpegOptions are shared by every ffmpeg backed source.
type FFmpegOptions struct {
	ID     string // Pipeline name stamped on frames
	Bin    string // ffmpeg binary, "ffmpeg" when empty
	FPS    int    // Output frame rate, 0 keeps the input rate
	Logger *zap.SugaredLogger
}

func newFFmpegSource(kind pipeline.SourceKind, locator string, opts FFmpegOptions, inputArgs ffmpeg.KwArgs, prepare prepareFunc) *FFmpegSource {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	bin := opts.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	if inputArgs == nil {
		inputArgs = ffmpeg.KwArgs{}
	}
	return &FFmpegSource{
		id:        opts.ID,
		kind:      kind,
		locator:   locator,
		bin:       bin,
		fps:       opts.FPS,
		inputArgs: inputArgs,
		prepare:   prepare,
		logger:    logger.Named("source"),
	}
}

// NewFileSource reads a stored video until it is exhausted.
func NewFileSource(path string, opts FFmpegOptions) *FFmpegSource {
	return newFFmpegSource(pipeline.SourceFile, path, opts, nil, func(ctx context.Context) (string, error) {
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	})
}

// NewWebcamSource captures from the V4L2 device /dev/video<index>.
func NewWebcamSource(index int, opts FFmpegOptions) *FFmpegSource {
	device := fmt.Sprintf("/dev/video%d", index)
	args := ffmpeg.KwArgs{"format": "v4l2"}
	if opts.FPS > 0 {
		args["framerate"] = opts.FPS
	}
	return newFFmpegSource(pipeline.SourceWebcam, device, opts, args, func(ctx context.Context) (string, error) {
		if _, err := os.Stat(device); err != nil {
			return "", err
		}
		return device, nil
	})
}

// NewRTSPSource reads an RTSP stream over TCP. A non-nil prober checks the
// stream before ffmpeg is started.
func NewRTSPSource(url string, prober Prober, opts FFmpegOptions) *FFmpegSource {
	args := ffmpeg.KwArgs{"rtsp_transport": "tcp"}
	return newFFmpegSource(pipeline.SourceRTSP, url, opts, args, func(ctx context.Context) (string, error) {
		if prober != nil {
			if err := prober.Probe(ctx, url); err != nil {
				return "", err
			}
		}
		return url, nil
	})
}

// NewRemoteSource plays a hosted video page. The page URL is resolved to a
// direct media URL once per Open.
func NewRemoteSource(pageURL string, resolver Resolver, opts FFmpegOptions) *FFmpegSource {
	return newFFmpegSource(pipeline.SourceRemote, pageURL, opts, nil, func(ctx context.Context) (string, error) {
		if resolver == nil {
			return pageURL, nil
		}
		return resolver.Resolve(ctx, pageURL)
	})
}

// Kind returns the source variant.
func (s *FFmpegSource) Kind() pipeline.SourceKind { return s.kind }

// Describe returns the locator.
func (s *FFmpegSource) Describe() string { return fmt.Sprintf("%s:%s", s.kind, s.locator) }

// Closed reports whether no capture process is attached.
func (s *FFmpegSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.open
}

// Open starts the ffmpeg process.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}

	input := s.locator
	if s.prepare != nil {
		var err error
		if input, err = s.prepare(ctx); err != nil {
			return &pipeline.SourceOpenError{Source: s.Describe(), Err: err}
		}
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd, err := s.command(procCtx, input)
	if err != nil {
		cancel()
		return &pipeline.SourceOpenError{Source: s.Describe(), Err: err}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return &pipeline.SourceOpenError{Source: s.Describe(), Err: err}
	}
	s.stderr = &tailWriter{max: 2048}
	cmd.Stderr = s.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return &pipeline.SourceOpenError{Source: s.Describe(), Err: fmt.Errorf("start %s: %w", s.bin, err)}
	}

	stderr := s.stderr
	finish := func(readErr error) error {
		waitErr := cmd.Wait()
		if procCtx.Err() != nil {
			return io.ErrClosedPipe
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		if waitErr != nil {
			return fmt.Errorf("%s exited: %w: %s", s.bin, waitErr, stderr.String())
		}
		return io.EOF
	}

	s.reader = newFrameReader(stdout, 2, s.kind.Live(), finish)
	s.cancel = cancel
	s.cmd = cmd
	s.open = true
	s.seq = 0

	s.logger.Infof("[%s] Started capture (%s)", s.id, s.Describe())
	return nil
}

func (s *FFmpegSource) command(ctx context.Context, input string) (*exec.Cmd, error) {
	stream := s.stream(input)
	stream.Context = ctx
	cmd := stream.Compile()
	if s.bin != "ffmpeg" {
		path, err := exec.LookPath(s.bin)
		if err != nil {
			return nil, err
		}
		cmd.Path = path
		cmd.Err = nil
	}
	return cmd, nil
}

// stream builds the ffmpeg invocation for input.
func (s *FFmpegSource) stream(input string) *ffmpeg.Stream {
	out := ffmpeg.KwArgs{
		"format": "image2pipe",
		"vcodec": "mjpeg",
		"q:v":    5,
	}
	if s.fps > 0 && s.kind != pipeline.SourceWebcam {
		out["r"] = s.fps
	}
	return ffmpeg.Input(input, s.inputArgs).Output("pipe:", out)
}

// Next returns the next decoded frame.
func (s *FFmpegSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	s.mu.Lock()
	reader := s.reader
	open := s.open
	s.mu.Unlock()

	if !open || reader == nil {
		return nil, &pipeline.SourceReadError{Source: s.Describe(), Err: errors.New("source is not open")}
	}

	var data []byte
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-reader.frames:
		if !ok {
			if errors.Is(reader.err, io.EOF) && !s.kind.Live() {
				return nil, io.EOF
			}
			err := reader.err
			if errors.Is(err, io.EOF) {
				err = errors.New("stream ended")
			}
			return nil, &pipeline.SourceReadError{Source: s.Describe(), Err: err}
		}
		data = d
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &pipeline.SourceReadError{Source: s.Describe(), Err: fmt.Errorf("decode frame: %w", err)}
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return &pipeline.Frame{
		SourceID:  s.id,
		Image:     Normalize(img),
		Seq:       seq,
		Timestamp: time.Now(),
	}, nil
}

// Dropped returns frames skipped because processing was slower than capture.
func (s *FFmpegSource) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return 0
	}
	return s.reader.Dropped()
}

// Close stops the ffmpeg process. Safe to call more than once.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	s.cancel()
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.reader.Close()
	s.logger.Infof("[%s] Stopped capture (%s)", s.id, s.Describe())
	return nil
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
