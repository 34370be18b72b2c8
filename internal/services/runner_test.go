package services

import (
	"context"
	"errors"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tracklens/internal/config"
	"tracklens/internal/metrics"
	"tracklens/internal/pipeline"
	"tracklens/internal/sink"
	"tracklens/internal/store"
	"tracklens/internal/ws"
)

// fakeSource yields limit frames (0 = until cancelled)
type fakeSource struct {
	mu      sync.Mutex
	limit   uint64
	seq     uint64
	openErr error
	closed  bool
}

func (s *fakeSource) Open(ctx context.Context) error {
	if s.openErr != nil {
		return &pipeline.SourceOpenError{Source: "fake", Err: s.openErr}
	}
	return nil
}

func (s *fakeSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.seq >= s.limit {
		return nil, io.EOF
	}
	if s.limit == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.seq++
	return &pipeline.Frame{
		SourceID:  "fake",
		Image:     image.NewRGBA(image.Rect(0, 0, pipeline.WorkingWidth, pipeline.WorkingHeight)),
		Seq:       s.seq,
		Timestamp: time.Now(),
	}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSource) Kind() pipeline.SourceKind { return pipeline.SourceImage }
func (s *fakeSource) Describe() string          { return "image:fake" }

// stillDetector reports one static person
type stillDetector struct {
	mu     sync.Mutex
	closed bool
}

func (d *stillDetector) Name() string { return "fake" }

func (d *stillDetector) Infer(ctx context.Context, frame *pipeline.Frame, confidence float64) ([]pipeline.Detection, error) {
	return []pipeline.Detection{
		{BBox: pipeline.BBox{X1: 100, Y1: 100, X2: 200, Y2: 300}, Confidence: 0.8, Class: "person"},
	}, nil
}

func (d *stillDetector) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *stillDetector) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type runnerFixture struct {
	cfg      *config.Config
	runner   *Runner
	store    *store.Store
	streams  *sink.Streams
	metrics  *metrics.Metrics
	source   *fakeSource
	detector *stillDetector
}

func newRunnerFixture(t *testing.T, src *fakeSource) *runnerFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Source.Kind = pipeline.SourceImage
	cfg.Source.Path = "still.png"
	cfg.Output.Write = true
	cfg.Output.Dir = t.TempDir()

	st, err := store.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	f := &runnerFixture{
		cfg:      cfg,
		store:    st,
		streams:  sink.NewStreams(80, nil),
		metrics:  metrics.New(),
		source:   src,
		detector: &stillDetector{},
	}
	f.runner = NewRunner(cfg, Deps{
		Store:   st,
		Streams: f.streams,
		Hub:     ws.NewTrackHub(nil),
		Metrics: f.metrics,
		NewSource: func(id string, cfg config.SourceConfig, logger *zap.SugaredLogger) (pipeline.FrameSource, error) {
			return f.source, nil
		},
		NewDetector: func(cfg config.DetectorConfig, session string, logger *zap.SugaredLogger) (pipeline.Detector, error) {
			return f.detector, nil
		},
	})
	t.Cleanup(func() { f.runner.Close() })
	return f
}

func TestRunner_RecordsRun(t *testing.T) {
	f := newRunnerFixture(t, &fakeSource{limit: 3})
	ctx := context.Background()

	runID, err := f.runner.Start(ctx, "lobby", f.cfg.Source)
	require.NoError(t, err)
	require.NoError(t, f.runner.Wait(ctx, "lobby"))

	run, err := f.store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, run.Status)
	assert.Equal(t, uint64(3), run.Frames)
	assert.Equal(t, pipeline.TrackingSORT, run.Tracking)
	assert.Equal(t, filepath.Join(f.cfg.Output.Dir, runID+".jpg"), run.ArtifactPath)
	_, err = os.Stat(run.ArtifactPath)
	assert.NoError(t, err)

	tracks, err := f.store.ListTracks(runID)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, 1, tracks[0].TrackID)
	assert.Equal(t, uint64(3), tracks[0].LastSeq)

	// The detector is released once the run ends
	_, ok := f.runner.Registry().Get("lobby")
	assert.False(t, ok)
	assert.True(t, f.detector.isClosed())
	assert.True(t, f.source.Closed())

	frame, seq := f.streams.Get("lobby").Snapshot()
	assert.NotEmpty(t, frame)
	assert.Equal(t, uint64(3), seq)

	families, err := f.metrics.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["tracklens_frames_processed_total"])
	assert.True(t, names["tracklens_ws_clients"])
}

func TestRunner_Conflict(t *testing.T) {
	f := newRunnerFixture(t, &fakeSource{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.runner.Start(ctx, "lobby", f.cfg.Source)
	require.NoError(t, err)

	_, err = f.runner.Start(ctx, "lobby", f.cfg.Source)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)

	require.NoError(t, f.runner.Stop("lobby"))
	assert.False(t, f.runner.Manager().IsRunning("lobby"))

	// A stopped pipeline can be started again under the same name
	f.source = &fakeSource{limit: 1}
	f.detector = &stillDetector{}
	_, err = f.runner.Start(ctx, "lobby", f.cfg.Source)
	require.NoError(t, err)
	require.NoError(t, f.runner.Wait(ctx, "lobby"))
}

func TestRunner_InvalidSource(t *testing.T) {
	f := newRunnerFixture(t, &fakeSource{limit: 1})
	src := f.cfg.Source
	src.Kind = pipeline.SourceRTSP
	src.URL = "http://not-rtsp"

	_, err := f.runner.Start(context.Background(), "cam", src)
	var bad *BadRequestError
	assert.True(t, errors.As(err, &bad), "got %v", err)
}

func TestRunner_FailedOpenMarksRunFailed(t *testing.T) {
	f := newRunnerFixture(t, &fakeSource{openErr: errors.New("no such device")})
	ctx := context.Background()

	runID, err := f.runner.Start(ctx, "cam", f.cfg.Source)
	require.NoError(t, err)
	assert.Error(t, f.runner.Wait(ctx, "cam"))

	run, err := f.store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "no such device")
	assert.Empty(t, run.ArtifactPath)
}
