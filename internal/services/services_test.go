package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklens/internal/auth"
	"tracklens/internal/detection"
	"tracklens/internal/pipeline"
	"tracklens/internal/store"
)

func TestAuthService(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Options{Enabled: true, Password: "pw", JWTSecret: "k"})
	require.NoError(t, err)
	svc := NewAuthService(a)
	ctx := context.Background()

	res, err := svc.Login(ctx, &LoginPayload{Username: "admin", Password: "pw"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, auth.RoleOperator, res.Role)

	_, err = svc.Login(ctx, &LoginPayload{Username: "admin", Password: "nope"})
	var unauthorized *UnauthorizedError
	assert.True(t, errors.As(err, &unauthorized))

	grant, err := a.Verify(res.Token)
	require.NoError(t, err)
	opCtx := auth.NewContext(ctx, grant)
	status, err := svc.Status(opCtx)
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.True(t, status.Authenticated)
	assert.Equal(t, "admin", *status.Subject)
	assert.Equal(t, auth.RoleOperator, *status.Role)

	status, err = svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Authenticated)

	shared, err := svc.Share(opCtx, &SharePayload{Pipelines: []string{"lobby cam"}, TTLSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, []string{"lobby cam"}, shared.Pipelines)
	assert.True(t, strings.HasPrefix(shared.Streams["lobby cam"], "/stream/lobby%20cam/mjpeg?token="))

	viewer, err := a.Verify(shared.Token)
	require.NoError(t, err)
	var forbidden *ForbiddenError
	_, err = svc.Share(auth.NewContext(ctx, viewer), &SharePayload{Pipelines: []string{"lobby cam"}})
	assert.True(t, errors.As(err, &forbidden))

	var bad *BadRequestError
	_, err = svc.Share(opCtx, &SharePayload{})
	assert.True(t, errors.As(err, &bad))
	_, err = svc.Share(opCtx, &SharePayload{Pipelines: []string{"lobby"}, TTLSeconds: -1})
	assert.True(t, errors.As(err, &bad))
}

func viewerContext(pipelines ...string) context.Context {
	return auth.NewContext(context.Background(), &auth.Grant{Subject: "ops", Role: auth.RoleViewer, Pipelines: pipelines})
}

type healthStub struct {
	stillDetector
	healthy bool
}

func (h *healthStub) IsHealthy(ctx context.Context) bool { return h.healthy }

func TestHealthService(t *testing.T) {
	registry := detection.NewRegistry()
	require.NoError(t, registry.Register("lobby", &healthStub{healthy: true}))
	svc := NewHealthService(registry, nil)

	assert.NoError(t, svc.Healthz(context.Background()))
	assert.NoError(t, svc.Readyz(context.Background()))
	assert.Equal(t, "ok", svc.Check(context.Background()).Status)

	require.NoError(t, registry.Register("garage", &healthStub{healthy: false}))
	status := svc.Check(context.Background())
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, map[string]bool{"lobby": true, "garage": false}, status.Detectors)

	err := svc.Readyz(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "garage")
}

func newRunsService(t *testing.T) (*RunsImplementation, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return NewRunsService(st), st
}

func TestRunsService(t *testing.T) {
	svc, st := newRunsService(t)
	ctx := context.Background()

	artifact := filepath.Join(t.TempDir(), "r1.jpg")
	require.NoError(t, os.WriteFile(artifact, []byte{0xFF, 0xD8}, 0o644))

	started := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateRun(&store.RunRecord{
		ID: "r1", Pipeline: "lobby", Source: "image:a.png",
		SourceKind: pipeline.SourceImage, Tracking: pipeline.TrackingOff, StartedAt: started,
	}))
	require.NoError(t, st.CreateRun(&store.RunRecord{
		ID: "r2", Pipeline: "garage", Source: "rtsp://cam",
		SourceKind: pipeline.SourceRTSP, Tracking: pipeline.TrackingSORT, StartedAt: started.Add(time.Minute),
	}))
	require.NoError(t, st.FinishRun("r1", store.StatusFinished, 1, artifact, "", started.Add(time.Second)))
	require.NoError(t, st.SaveTracks("r2", []store.TrackSummary{{TrackID: 4, Class: "car", FirstSeq: 1, LastSeq: 8, Frames: 8}}))

	all, err := svc.List(ctx, &ListRunsPayload{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r2", all[0].ID)
	assert.Nil(t, all[0].FinishedAt)

	lobby := "lobby"
	filtered, err := svc.List(ctx, &ListRunsPayload{Pipeline: &lobby})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "2026-05-01T08:00:01Z", *filtered[0].FinishedAt)

	info, err := svc.Get(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, info.Tracks, 1)
	assert.Equal(t, 4, info.Tracks[0].TrackID)

	a, err := svc.Artifact(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", a.ContentType)
	assert.Equal(t, artifact, a.Path)

	var notFound *NotFoundError
	_, err = svc.Artifact(ctx, "r2")
	assert.True(t, errors.As(err, &notFound), "run without artifact")
	_, err = svc.Get(ctx, "missing")
	assert.True(t, errors.As(err, &notFound))

	// A viewer limited to the lobby sees only lobby runs
	lobbyViewer := viewerContext("lobby")
	visible, err := svc.List(lobbyViewer, &ListRunsPayload{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "r1", visible[0].ID)

	var forbidden *ForbiddenError
	garage := "garage"
	_, err = svc.List(lobbyViewer, &ListRunsPayload{Pipeline: &garage})
	assert.True(t, errors.As(err, &forbidden))
	_, err = svc.Get(lobbyViewer, "r2")
	assert.True(t, errors.As(err, &forbidden))
	_, err = svc.Artifact(lobbyViewer, "r1")
	assert.NoError(t, err)
}

func TestPipelinesService(t *testing.T) {
	f := newRunnerFixture(t, &fakeSource{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := NewPipelinesService(ctx, f.runner, nil)

	_, err := svc.Start(ctx, &StartPayload{Kind: pipeline.SourceImage, Path: "a.png"})
	var bad *BadRequestError
	assert.True(t, errors.As(err, &bad), "name is required")

	info, err := svc.Start(ctx, &StartPayload{Name: "lobby", Kind: pipeline.SourceImage, Path: "a.png"})
	require.NoError(t, err)
	assert.Equal(t, "lobby", info.ID)
	assert.Equal(t, "sort", info.Tracking)

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Pipelines, 1)

	info, err = svc.Stop(ctx, "lobby")
	require.NoError(t, err)
	assert.False(t, info.Running)

	var notFound *NotFoundError
	_, err = svc.Stop(ctx, "garage")
	assert.True(t, errors.As(err, &notFound))
	_, err = svc.Get(ctx, "garage")
	assert.True(t, errors.As(err, &notFound))

	// Viewers can watch their pipelines but not control them
	var forbidden *ForbiddenError
	viewer := viewerContext("lobby")
	_, err = svc.Get(viewer, "lobby")
	assert.NoError(t, err)
	_, err = svc.Get(viewerContext("garage"), "lobby")
	assert.True(t, errors.As(err, &forbidden))
	_, err = svc.Stop(viewer, "lobby")
	assert.True(t, errors.As(err, &forbidden))
	_, err = svc.Start(viewer, &StartPayload{Name: "lobby", Kind: pipeline.SourceImage, Path: "a.png"})
	assert.True(t, errors.As(err, &forbidden))

	status, err = svc.Status(viewerContext("garage"))
	require.NoError(t, err)
	assert.Empty(t, status.Pipelines)
}
