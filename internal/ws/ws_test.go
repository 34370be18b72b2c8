package ws

import (
	"encoding/json"
	"image"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklens/internal/pipeline"
)

func annotatedFrame() *pipeline.AnnotatedFrame {
	return &pipeline.AnnotatedFrame{
		Frame: &pipeline.Frame{
			SourceID: "lobby",
			Image:    image.NewRGBA(image.Rect(0, 0, 720, 405)),
			Seq:      7,
		},
		Objects: []pipeline.TrackedObject{
			{ID: 1, Class: "person", Confidence: 0.9, BBox: pipeline.BBox{X1: 1, Y1: 2, X2: 3, Y2: 4}},
		},
		Tracking:      true,
		InferenceTime: 12 * time.Millisecond,
	}
}

func TestNewTrackMessage(t *testing.T) {
	msg := NewTrackMessage("lobby", annotatedFrame())
	assert.Equal(t, "tracks", msg.Type)
	assert.Equal(t, uint64(7), msg.FrameSeq)
	assert.Equal(t, 720, msg.FrameWidth)
	assert.Equal(t, float32(12), msg.InferenceMs)
	require.Len(t, msg.Objects, 1)
	assert.Equal(t, []float64{1, 2, 3, 4}, msg.Objects[0].BBox)
	assert.Equal(t, "#0f7f07", msg.Objects[0].Color)

	untracked := annotatedFrame()
	untracked.Tracking = false
	untracked.Objects[0].ID = 0
	msg = NewTrackMessage("lobby", untracked)
	assert.Empty(t, msg.Objects[0].Color)
}

func TestHub_BroadcastToSubscribers(t *testing.T) {
	hub := NewTrackHub(nil)
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tracks/lobby"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.HasClients("lobby") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"lobby"}, hub.Pipelines())
	assert.Equal(t, 1, hub.ClientCount())

	hub.BroadcastJSON("dock", NewEndMessage("dock"))
	hub.BroadcastJSON("lobby", NewTrackMessage("lobby", annotatedFrame()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got TrackMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "lobby", got.PipelineID)
	assert.Equal(t, uint64(7), got.FrameSeq)

	conn.Close()
	require.Eventually(t, func() bool { return !hub.HasClients("lobby") }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_StalledClientDoesNotBlockBroadcast(t *testing.T) {
	hub := NewTrackHub(nil)
	// No write pump drains this client, as if its socket had stopped reading
	stalled := newClient(nil)
	hub.Register("lobby", stalled)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3*sendQueueSize; i++ {
			hub.Broadcast("lobby", []byte(strconv.Itoa(i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a stalled client")
	}

	require.Len(t, stalled.send, sendQueueSize)
	assert.Equal(t, uint64(2*sendQueueSize), stalled.dropped.Load())
	assert.Equal(t, []byte("0"), <-stalled.send, "oldest queued message is kept")

	hub.Close()
	assert.False(t, stalled.enqueue([]byte("late")))
	assert.Zero(t, hub.ClientCount())
}

func TestHandler_RequiresPipelineID(t *testing.T) {
	hub := NewTrackHub(nil)
	rec := httptest.NewRecorder()
	NewHandler(hub).ServeHTTP(rec, httptest.NewRequest("GET", "/ws/tracks/", nil))
	assert.Equal(t, 400, rec.Code)
}
