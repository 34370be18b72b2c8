package ws

import (
	"fmt"
	"time"

	"tracklens/internal/annotate"
	"tracklens/internal/pipeline"
)

// TrackMessage is broadcast for every annotated frame of a pipeline
type TrackMessage struct {
	Type        string        `json:"type"` // "tracks"
	PipelineID  string        `json:"pipeline_id"`
	FrameSeq    uint64        `json:"frame_seq"`
	Timestamp   time.Time     `json:"timestamp"`
	FrameWidth  int           `json:"frame_width"`
	FrameHeight int           `json:"frame_height"`
	Tracking    bool          `json:"tracking"`
	Objects     []TrackObject `json:"objects"`
	InferenceMs float32       `json:"inference_ms"`
	Frame       string        `json:"frame,omitempty"` // Base64 encoded JPEG frame
}

// TrackObject is one rendered box
type TrackObject struct {
	ID         int       `json:"id,omitempty"` // 0 when tracking is off
	Class      string    `json:"class,omitempty"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2] in pixels
	Color      string    `json:"color,omitempty"`
}

// EndMessage tells clients a pipeline stopped producing frames
type EndMessage struct {
	Type       string    `json:"type"` // "end"
	PipelineID string    `json:"pipeline_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewTrackMessage creates a message for an annotated frame
func NewTrackMessage(pipelineID string, frame *pipeline.AnnotatedFrame) *TrackMessage {
	msg := &TrackMessage{
		Type:        "tracks",
		PipelineID:  pipelineID,
		FrameSeq:    frame.Seq,
		Timestamp:   frame.Timestamp,
		FrameWidth:  frame.Width(),
		FrameHeight: frame.Height(),
		Tracking:    frame.Tracking,
		Objects:     make([]TrackObject, 0, len(frame.Objects)),
		InferenceMs: float32(frame.InferenceTime.Microseconds()) / 1000,
	}
	for _, o := range frame.Objects {
		obj := TrackObject{
			ID:         o.ID,
			Class:      o.Class,
			ClassID:    o.ClassID,
			Confidence: o.Confidence,
			BBox:       []float64{o.BBox.X1, o.BBox.Y1, o.BBox.X2, o.BBox.Y2},
		}
		if frame.Tracking {
			c := annotate.ColorForID(o.ID)
			obj.Color = fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
		}
		msg.Objects = append(msg.Objects, obj)
	}
	return msg
}

// SetFrame sets the base64-encoded frame data
func (m *TrackMessage) SetFrame(frameBase64 string) {
	m.Frame = frameBase64
}

// NewEndMessage creates a new end-of-stream message
func NewEndMessage(pipelineID string) *EndMessage {
	return &EndMessage{
		Type:       "end",
		PipelineID: pipelineID,
		Timestamp:  time.Now(),
	}
}
