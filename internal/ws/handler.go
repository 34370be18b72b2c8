package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // 256KB for base64 encoded JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections for real-time tracks
type Handler struct {
	hub *TrackHub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *TrackHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles WebSocket upgrade requests
// Expected URL format: /ws/tracks/{pipeline_id}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/tracks/")
	h.Serve(w, r, strings.TrimSuffix(path, "/"))
}

// Serve upgrades the request and subscribes it to pipelineID
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, pipelineID string) {
	if pipelineID == "" {
		http.Error(w, "pipeline_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warnf("[WS] Upgrade error: %v", err)
		return
	}

	h.hub.logger.Infof("[WS] New connection for pipeline %s from %s", pipelineID, r.RemoteAddr)

	c := newClient(conn)
	h.hub.Register(pipelineID, c)

	go c.writePump(h.hub.logger)
	go h.readPump(pipelineID, c)
}

// readPump notices client disconnection and answers pongs
func (h *Handler) readPump(pipelineID string, c *client) {
	defer func() {
		h.hub.Unregister(pipelineID, c)
		c.close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Warnf("[WS] Read error for pipeline %s: %v", pipelineID, err)
			}
			return
		}
	}
}
