package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tracklens/internal/auth"
	"tracklens/internal/config"
	"tracklens/internal/detection"
	"tracklens/internal/metrics"
	"tracklens/internal/pipeline"
	"tracklens/internal/services"
	"tracklens/internal/sink"
	"tracklens/internal/store"
	"tracklens/internal/ws"
)

type fixture struct {
	srv     *httptest.Server
	store   *store.Store
	streams *sink.Streams
	hub     *ws.TrackHub
}

func newFixture(t *testing.T, authEnabled bool) *fixture {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	authenticator, err := auth.NewAuthenticator(auth.Options{Enabled: authEnabled, Password: "pw", JWTSecret: "k"})
	require.NoError(t, err)

	cfg := config.Default()
	registry := detection.NewRegistry()
	hub := ws.NewTrackHub(nil)
	streams := sink.NewStreams(80, nil)
	m := metrics.New()
	runner := services.NewRunner(cfg, services.Deps{Registry: registry, Store: st, Streams: streams, Hub: hub, Metrics: m})
	t.Cleanup(func() { runner.Close() })

	s := New(":0", Services{
		Health:        services.NewHealthService(registry, st),
		Auth:          services.NewAuthService(authenticator),
		Authenticator: authenticator,
		Runs:          services.NewRunsService(st),
		Pipelines:     services.NewPipelinesService(context.Background(), runner, hub),
		Streams:       streams,
		Tracks:        ws.NewHandler(hub),
		Metrics:       m.Handler(),
	}, nil)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, streams: streams, hub: hub}
}

func (f *fixture) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/auth/login", "application/json",
		strings.NewReader(`{"username":"admin","password":"pw"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res services.LoginResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res.Token
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, true)
	resp := f.get(t, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var status services.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status.Status)
	require.NotNil(t, status.Store)
	assert.True(t, *status.Store)

	assert.Equal(t, http.StatusOK, f.get(t, "/readyz", "").StatusCode)
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	var seen string
	h := withRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}), zap.New(core).Sugar())

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "abc-123", entries[1].ContextMap()["id"])
	assert.EqualValues(t, http.StatusTeapot, entries[1].ContextMap()["status"])

	// Without a header an id is generated
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestAuthFlow(t *testing.T) {
	f := newFixture(t, true)

	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/runs", "").StatusCode)

	resp, err := http.Post(f.srv.URL+"/auth/login", "application/json",
		strings.NewReader(`{"username":"admin","password":"wrong"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := f.login(t)
	assert.Equal(t, http.StatusOK, f.get(t, "/runs", token).StatusCode)
	assert.Equal(t, http.StatusOK, f.get(t, "/runs?token="+token, "").StatusCode)
}

func TestRuns(t *testing.T) {
	f := newFixture(t, false)

	artifact := filepath.Join(t.TempDir(), "run-1.jpg")
	require.NoError(t, os.WriteFile(artifact, []byte("jpeg-bytes"), 0o644))
	require.NoError(t, f.store.CreateRun(&store.RunRecord{
		ID: "run-1", Pipeline: "lobby", Source: "image:a.png",
		SourceKind: pipeline.SourceImage, Tracking: pipeline.TrackingOff, StartedAt: time.Now(),
	}))
	require.NoError(t, f.store.FinishRun("run-1", store.StatusFinished, 1, artifact, "", time.Now()))

	resp := f.get(t, "/runs?pipeline=lobby&limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []services.RunInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/runs?limit=abc", "").StatusCode)

	resp = f.get(t, "/runs/run-1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.get(t, "/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "nope", body.ID)

	resp = f.get(t, "/runs/run-1/artifact", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "run-1.jpg")
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, false)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/stream/lobby/snapshot", "").StatusCode)

	b := f.streams.Create("lobby")
	assert.Equal(t, http.StatusServiceUnavailable, f.get(t, "/stream/lobby/snapshot", "").StatusCode)

	require.NoError(t, b.Push(context.Background(), &pipeline.AnnotatedFrame{
		Frame: &pipeline.Frame{Image: image.NewRGBA(image.Rect(0, 0, 64, 36)), Seq: 4},
	}))
	resp := f.get(t, "/stream/lobby/snapshot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "4", resp.Header.Get("X-Frame-Seq"))
}

func TestPipelinesEndpoints(t *testing.T) {
	f := newFixture(t, false)

	resp := f.get(t, "/pipelines", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status services.SystemStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Empty(t, status.Pipelines)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/pipelines/lobby", "").StatusCode)

	post, err := http.Post(f.srv.URL+"/pipelines", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusBadRequest, post.StatusCode)

	post, err = http.Post(f.srv.URL+"/pipelines", "application/json",
		strings.NewReader(`{"name":"cam","kind":"rtsp","url":"http://not-rtsp"}`))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusBadRequest, post.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true)
	resp := f.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tracklens_ws_clients")
}

func TestTrackWebsocket(t *testing.T) {
	f := newFixture(t, true)
	token := f.login(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/tracks/lobby?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.HasClients("lobby") }, 2*time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws/tracks/lobby", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSharedViewerToken(t *testing.T) {
	f := newFixture(t, true)
	op := f.login(t)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/auth/share",
		strings.NewReader(`{"pipelines":["lobby"],"ttl_seconds":300}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+op)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var shared services.ShareResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&shared))
	require.Contains(t, shared.Streams, "lobby")

	b := f.streams.Create("lobby")
	f.streams.Create("garage")
	require.NoError(t, b.Push(context.Background(), &pipeline.AnnotatedFrame{
		Frame: &pipeline.Frame{Image: image.NewRGBA(image.Rect(0, 0, 64, 36)), Seq: 1},
	}))

	assert.Equal(t, http.StatusOK, f.get(t, "/stream/lobby/snapshot", shared.Token).StatusCode)
	assert.Equal(t, http.StatusForbidden, f.get(t, "/stream/garage/snapshot", shared.Token).StatusCode)
	assert.Equal(t, http.StatusForbidden, f.get(t, "/ws/tracks/garage", shared.Token).StatusCode)

	// Viewers cannot stop pipelines or mint further tokens
	del, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/pipelines/lobby", nil)
	require.NoError(t, err)
	del.Header.Set("Authorization", "Bearer "+shared.Token)
	resp, err = http.DefaultClient.Do(del)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	again, err := http.NewRequest(http.MethodPost, f.srv.URL+"/auth/share", strings.NewReader(`{"pipelines":["lobby"]}`))
	require.NoError(t, err)
	again.Header.Set("Authorization", "Bearer "+shared.Token)
	resp, err = http.DefaultClient.Do(again)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
