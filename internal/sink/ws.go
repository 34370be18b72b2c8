package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/jpeg"

	"github.com/disintegration/imaging"

	"tracklens/internal/pipeline"
	"tracklens/internal/ws"
)

// thumbnailWidth is the width of frames embedded in websocket messages
const thumbnailWidth = 320

// WSSink publishes per-frame track metadata to websocket subscribers of
// one pipeline.
type WSSink struct {
	id        string
	hub       *ws.TrackHub
	thumbnail bool
}

var _ pipeline.Sink = (*WSSink)(nil)

// NewWSSink creates a sink broadcasting on hub. With thumbnail set every
// message carries a downscaled JPEG of the annotated frame.
func NewWSSink(id string, hub *ws.TrackHub, thumbnail bool) *WSSink {
	return &WSSink{id: id, hub: hub, thumbnail: thumbnail}
}

// Push broadcasts the frame's objects; frames nobody listens to are skipped
func (s *WSSink) Push(ctx context.Context, frame *pipeline.AnnotatedFrame) error {
	if !s.hub.HasClients(s.id) {
		return nil
	}
	msg := ws.NewTrackMessage(s.id, frame)
	if s.thumbnail {
		small := imaging.Resize(frame.Image, thumbnailWidth, 0, imaging.Box)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: 70}); err == nil {
			msg.SetFrame(base64.StdEncoding.EncodeToString(buf.Bytes()))
		}
	}
	s.hub.BroadcastJSON(s.id, msg)
	return nil
}

// Close notifies subscribers that the pipeline ended
func (s *WSSink) Close() error {
	s.hub.BroadcastJSON(s.id, ws.NewEndMessage(s.id))
	return nil
}
