package source

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklens/internal/config"
	"tracklens/internal/pipeline"
)

type fakeResolver struct {
	url   string
	err   error
	calls int
}

func (r *fakeResolver) Resolve(ctx context.Context, pageURL string) (string, error) {
	r.calls++
	return r.url, r.err
}

type fakeProber struct{ err error }

func (p fakeProber) Probe(ctx context.Context, url string) error { return p.err }

func TestFFmpegSource_Args(t *testing.T) {
	t.Run("rtsp uses tcp transport", func(t *testing.T) {
		src := NewRTSPSource("rtsp://cam/stream", nil, FFmpegOptions{FPS: 10})
		args := src.stream("rtsp://cam/stream").Compile().Args
		assert.Subset(t, args, []string{"-rtsp_transport", "tcp", "-i", "rtsp://cam/stream", "pipe:"})
		assert.Contains(t, args, "image2pipe")
		assert.Contains(t, args, "mjpeg")
	})

	t.Run("webcam uses v4l2", func(t *testing.T) {
		src := NewWebcamSource(2, FFmpegOptions{FPS: 15})
		args := src.stream("/dev/video2").Compile().Args
		assert.Subset(t, args, []string{"-f", "v4l2", "-framerate", "15", "-i", "/dev/video2"})
		assert.Equal(t, "webcam:/dev/video2", src.Describe())
	})
}

func TestFFmpegSource_OpenFailures(t *testing.T) {
	ctx := context.Background()
	var openErr *pipeline.SourceOpenError

	src := NewFileSource(filepath.Join(t.TempDir(), "missing.mp4"), FFmpegOptions{})
	require.ErrorAs(t, src.Open(ctx), &openErr)
	assert.True(t, src.Closed())

	probeErr := errors.New("454 session not found")
	rtsp := NewRTSPSource("rtsp://cam/stream", fakeProber{err: probeErr}, FFmpegOptions{})
	err := rtsp.Open(ctx)
	require.ErrorAs(t, err, &openErr)
	assert.ErrorIs(t, err, probeErr)

	resolver := &fakeResolver{err: errors.New("video unavailable")}
	remote := NewRemoteSource("https://video.example/watch?v=1", resolver, FFmpegOptions{})
	require.ErrorAs(t, remote.Open(ctx), &openErr)
	assert.Equal(t, 1, resolver.calls)
	assert.Equal(t, pipeline.SourceRemote, remote.Kind())
}

func TestFFmpegSource_NextBeforeOpen(t *testing.T) {
	src := NewFileSource("clip.mp4", FFmpegOptions{})
	_, err := src.Next(context.Background())
	assert.True(t, pipeline.IsTransient(err))
	require.NoError(t, src.Close())
}

func TestNew(t *testing.T) {
	cfg := config.Default().Source

	cfg.Kind = pipeline.SourceImage
	cfg.Path = "still.png"
	src, err := New("p", cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &ImageSource{}, src)

	cfg.Kind = pipeline.SourceFile
	src, err = New("p", cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &FFmpegSource{}, src)

	cfg.Kind = pipeline.SourceRTSP
	cfg.URL = "rtsp://cam/stream"
	src, err = New("p", cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &Reconnecting{}, src)
	assert.Equal(t, pipeline.SourceRTSP, src.Kind())

	cfg.MaxReconnects = 0
	src, err = New("p", cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &FFmpegSource{}, src)

	cfg.Kind = "ftp"
	_, err = New("p", cfg, nil)
	assert.Error(t, err)
}
