// Package sink delivers annotated frames to viewers and to disk.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"tracklens/internal/pipeline"
)

// MJPEGBroadcaster serves the annotated frames of one pipeline as an HTTP
// multipart MJPEG stream. Slow clients skip frames instead of blocking the
// pipeline.
type MJPEGBroadcaster struct {
	id      string
	quality int
	logger  *zap.SugaredLogger

	clients   map[chan []byte]bool
	clientsMu sync.RWMutex

	current  []byte
	frameSeq uint64
	closed   bool
	frameMu  sync.RWMutex
}

var _ pipeline.Sink = (*MJPEGBroadcaster)(nil)

// NewMJPEGBroadcaster creates a broadcaster for pipeline id
func NewMJPEGBroadcaster(id string, quality int, logger *zap.SugaredLogger) *MJPEGBroadcaster {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if quality <= 0 {
		quality = 85
	}
	return &MJPEGBroadcaster{
		id:      id,
		quality: quality,
		logger:  logger.Named("mjpeg"),
		clients: make(map[chan []byte]bool),
	}
}

// Push encodes the frame and sends it to every connected client
func (b *MJPEGBroadcaster) Push(ctx context.Context, frame *pipeline.AnnotatedFrame) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: b.quality}); err != nil {
		return fmt.Errorf("encode frame %d: %w", frame.Seq, err)
	}
	data := buf.Bytes()

	b.frameMu.Lock()
	if b.closed {
		b.frameMu.Unlock()
		return nil
	}
	b.current = data
	b.frameSeq = frame.Seq
	b.frameMu.Unlock()

	b.clientsMu.RLock()
	for ch := range b.clients {
		select {
		case ch <- data:
		default:
			// Client is slow, skip frame
		}
	}
	b.clientsMu.RUnlock()
	return nil
}

// Snapshot returns the latest encoded frame and its sequence number
func (b *MJPEGBroadcaster) Snapshot() ([]byte, uint64) {
	b.frameMu.RLock()
	defer b.frameMu.RUnlock()
	return b.current, b.frameSeq
}

// ClientCount returns the number of connected viewers
func (b *MJPEGBroadcaster) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// Close ends every client stream. The last frame stays available as a
// snapshot.
func (b *MJPEGBroadcaster) Close() error {
	b.frameMu.Lock()
	if b.closed {
		b.frameMu.Unlock()
		return nil
	}
	b.closed = true
	b.frameMu.Unlock()

	b.clientsMu.Lock()
	for ch := range b.clients {
		close(ch)
		delete(b.clients, ch)
	}
	b.clientsMu.Unlock()
	return nil
}

// ServeHTTP streams frames until the client leaves or the pipeline stops
func (b *MJPEGBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan []byte, 5)
	b.clientsMu.Lock()
	b.frameMu.RLock()
	closed := b.closed
	b.frameMu.RUnlock()
	if !closed {
		b.clients[clientCh] = true
	}
	b.clientsMu.Unlock()
	if closed {
		http.Error(w, fmt.Sprintf("Pipeline %s has stopped", b.id), http.StatusGone)
		return
	}
	defer func() {
		b.clientsMu.Lock()
		delete(b.clients, clientCh)
		b.clientsMu.Unlock()
	}()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	b.logger.Infof("[MJPEGStream] Client connected to pipeline %s", b.id)

	for {
		select {
		case <-r.Context().Done():
			b.logger.Infof("[MJPEGStream] Client disconnected from pipeline %s", b.id)
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			w.Write(frame)
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// ServeSnapshot writes the latest frame as a single JPEG
func (b *MJPEGBroadcaster) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	data, seq := b.Snapshot()
	if len(data) == 0 {
		http.Error(w, "No frame available yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Frame-Seq", fmt.Sprintf("%d", seq))
	w.Write(data)
}

// Streams keeps the broadcaster of every pipeline
type Streams struct {
	streams map[string]*MJPEGBroadcaster
	quality int
	logger  *zap.SugaredLogger
	mu      sync.RWMutex
}

// NewStreams creates an empty broadcaster registry
func NewStreams(quality int, logger *zap.SugaredLogger) *Streams {
	return &Streams{
		streams: make(map[string]*MJPEGBroadcaster),
		quality: quality,
		logger:  logger,
	}
}

// Create returns a fresh broadcaster for id, closing any previous one
func (s *Streams) Create(id string) *MJPEGBroadcaster {
	b := NewMJPEGBroadcaster(id, s.quality, s.logger)

	s.mu.Lock()
	old := s.streams[id]
	s.streams[id] = b
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return b
}

// Get returns the broadcaster for id
func (s *Streams) Get(id string) *MJPEGBroadcaster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[id]
}
