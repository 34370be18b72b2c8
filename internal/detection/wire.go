// Package detection adapts remote inference services to pipeline.Detector.
package detection

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"tracklens/internal/pipeline"
)

// wireDetection is one box as returned by an inference service
type wireDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
	TrackID    *int      `json:"track_id,omitempty"`
}

// detectResponse represents the full detection response
type detectResponse struct {
	Detections      []wireDetection `json:"detections"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
	Device          string          `json:"device,omitempty"`
	Model           string          `json:"model,omitempty"`
}

// toDetections converts the response, dropping boxes below confidence and
// malformed entries.
func (r *detectResponse) toDetections(confidence float64) []pipeline.Detection {
	out := make([]pipeline.Detection, 0, len(r.Detections))
	for _, d := range r.Detections {
		if d.Confidence < confidence || len(d.BBox) < 4 {
			continue
		}
		det := pipeline.Detection{
			BBox: pipeline.BBox{
				X1: d.BBox[0],
				Y1: d.BBox[1],
				X2: d.BBox[2],
				Y2: d.BBox[3],
			},
			Confidence: d.Confidence,
			ClassID:    d.ClassID,
			Class:      d.Class,
		}
		if d.TrackID != nil {
			det.TrackID = *d.TrackID
		}
		out = append(out, det)
	}
	return out
}

func encodeFrame(frame *pipeline.Frame, quality int) ([]byte, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("empty frame")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
