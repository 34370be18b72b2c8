package detection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklens/internal/config"
	"tracklens/internal/pipeline"
)

type stubDetector struct {
	healthy  bool
	closeErr error
	closed   bool
}

func (s *stubDetector) Name() string { return "stub" }
func (s *stubDetector) Infer(context.Context, *pipeline.Frame, float64) ([]pipeline.Detection, error) {
	return nil, nil
}
func (s *stubDetector) Close() error {
	s.closed = true
	return s.closeErr
}
func (s *stubDetector) IsHealthy(context.Context) bool { return s.healthy }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &stubDetector{healthy: true}
	b := &stubDetector{healthy: false, closeErr: errors.New("socket busy")}

	require.NoError(t, r.Register("lobby", a))
	require.NoError(t, r.Register("dock", b))
	assert.Error(t, r.Register("lobby", a))
	assert.Error(t, r.Register("", a))
	assert.Error(t, r.Register("x", nil))

	assert.Equal(t, []string{"dock", "lobby"}, r.Names())
	got, ok := r.Get("lobby")
	assert.True(t, ok)
	assert.Same(t, a, got)

	assert.Equal(t, map[string]bool{"lobby": true, "dock": false}, r.Health(context.Background()))

	err := r.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dock")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Empty(t, r.Names())
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	d := &stubDetector{}
	require.NoError(t, r.Register("lobby", d))
	require.NoError(t, r.Unregister("lobby"))
	assert.True(t, d.closed)
	assert.Error(t, r.Unregister("lobby"))
}

func TestNew(t *testing.T) {
	cfg := config.Default().Detector

	d, err := New(cfg, "p", nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPDetector{}, d)

	cfg.Backend = BackendGRPC
	cfg.Endpoint = "localhost:50051"
	d, err = New(cfg, "p", nil)
	require.NoError(t, err)
	assert.IsType(t, &GRPCDetector{}, d)
	require.NoError(t, d.Close())

	cfg.Backend = "onnx"
	_, err = New(cfg, "p", nil)
	assert.Error(t, err)
}
