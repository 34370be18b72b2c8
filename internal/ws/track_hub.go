package ws

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// Messages queued per client before new ones are dropped
	sendQueueSize = 8
)

// client owns one connection. Only writePump writes to conn; gorilla allows
// a single concurrent writer.
type client struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue never blocks. A full queue drops msg, keeping the older
// messages already waiting.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// close stops the write pump; safe to call more than once
func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// writePump drains the send queue and keeps the connection alive with pings.
// It closes the connection when it returns, which also ends the read pump.
func (c *client) writePump(logger *zap.SugaredLogger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Warnf("[WS] Error sending to client: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
			return
		}
	}
}

// TrackHub manages WebSocket connections for real-time track streaming
type TrackHub struct {
	// clients maps pipeline_id -> set of connections
	clients map[string]map[*client]bool
	logger  *zap.SugaredLogger
	mu      sync.RWMutex
}

// NewTrackHub creates a new track hub
func NewTrackHub(logger *zap.SugaredLogger) *TrackHub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TrackHub{
		clients: make(map[string]map[*client]bool),
		logger:  logger.Named("ws"),
	}
}

// Register adds a connection for a specific pipeline
func (h *TrackHub) Register(pipelineID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[pipelineID] == nil {
		h.clients[pipelineID] = make(map[*client]bool)
	}
	h.clients[pipelineID][c] = true
	h.logger.Infof("[WS] Client registered for pipeline %s (total: %d)", pipelineID, len(h.clients[pipelineID]))
}

// Unregister removes a connection for a specific pipeline
func (h *TrackHub) Unregister(pipelineID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[pipelineID]; ok {
		if _, ok := conns[c]; !ok {
			return
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, pipelineID)
		}
		h.logger.Infof("[WS] Client unregistered for pipeline %s", pipelineID)
	}
}

// HasClients returns true if there are any clients connected for a pipeline
func (h *TrackHub) HasClients(pipelineID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.clients[pipelineID]
	return ok && len(conns) > 0
}

// Pipelines returns the pipeline ids with connected clients
func (h *TrackHub) Pipelines() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast queues a message for every client subscribed to a pipeline.
// It never waits on the network; slow clients lose the newest messages.
func (h *TrackHub) Broadcast(pipelineID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[pipelineID] {
		if !c.enqueue(message) {
			h.logger.Debugf("[WS] Client for pipeline %s is behind, dropped %d messages", pipelineID, c.dropped.Load())
		}
	}
}

// BroadcastJSON marshals msg and sends it to pipeline subscribers
func (h *TrackHub) BroadcastJSON(pipelineID string, msg interface{}) {
	if !h.HasClients(pipelineID) {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorf("[WS] Error marshaling message: %v", err)
		return
	}
	h.Broadcast(pipelineID, data)
}

// ClientCount returns the total number of connected clients
func (h *TrackHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Close disconnects every client
func (h *TrackHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conns := range h.clients {
		for c := range conns {
			c.close()
		}
		delete(h.clients, id)
	}
}
