// Package annotate draws boxes, labels, centroids and motion trails onto frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"strconv"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"tracklens/internal/pipeline"
)

const (
	boxLineWidth   = 2
	trailLineWidth = 2
	centroidRadius = 3
	labelHeight    = 20
	labelBaseline  = 5
)

var textColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Renderer implements pipeline.Annotator.
type Renderer struct {
	showTrails bool
}

var _ pipeline.Annotator = (*Renderer)(nil)

// NewRenderer returns a renderer. Trails are drawn only for tracked frames
// and only when showTrails is set.
func NewRenderer(showTrails bool) *Renderer {
	return &Renderer{showTrails: showTrails}
}

// Render draws objects onto a copy of frame. With tracking set, boxes and
// trails take the identity color and labels show the id; otherwise every
// box uses LabelColor and the label shows class and confidence.
func (r *Renderer) Render(frame *pipeline.Frame, objects []pipeline.TrackedObject, tracking bool) *pipeline.Frame {
	out := &pipeline.Frame{
		SourceID:  frame.SourceID,
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Image:     cloneRGBA(frame.Image),
	}
	if len(objects) == 0 {
		return out
	}

	dc := gg.NewContextForRGBA(out.Image)
	dc.SetFontFace(basicfont.Face7x13)
	bounds := out.Image.Bounds()

	if tracking && r.showTrails {
		for _, obj := range objects {
			drawTrail(dc, clipTrail(obj.Trail, bounds), ColorForID(obj.ID))
		}
	}

	for _, obj := range objects {
		// Only the visible part of a box is drawn; boxes entirely outside
		// the frame are skipped
		box := obj.BBox.Clip(bounds.Dx(), bounds.Dy())
		if !box.Valid() {
			continue
		}
		c := LabelColor
		label := detectionLabel(obj)
		if tracking {
			c = ColorForID(obj.ID)
			label = strconv.Itoa(obj.ID)
		}
		drawBox(dc, box, c)
		drawLabel(dc, box, label)
		drawCentroid(dc, box, c)
	}
	return out
}

// clipTrail pins trail points to the frame
func clipTrail(trail []image.Point, bounds image.Rectangle) []image.Point {
	if len(trail) < 2 || bounds.Empty() {
		return nil
	}
	out := make([]image.Point, len(trail))
	for i, p := range trail {
		out[i] = image.Pt(
			min(max(p.X, bounds.Min.X), bounds.Max.X-1),
			min(max(p.Y, bounds.Min.Y), bounds.Max.Y-1),
		)
	}
	return out
}

func detectionLabel(obj pipeline.TrackedObject) string {
	name := obj.Class
	if name == "" {
		name = strconv.Itoa(obj.ClassID)
	}
	return fmt.Sprintf("%s %.2f", name, obj.Confidence)
}

func drawBox(dc *gg.Context, b pipeline.BBox, c color.Color) {
	r := b.Rect()
	dc.SetColor(c)
	dc.SetLineWidth(boxLineWidth)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}

// drawLabel fills a background sized to the text above the box, or just
// inside it when the box touches the top edge.
func drawLabel(dc *gg.Context, b pipeline.BBox, label string) {
	r := b.Rect()
	w, _ := dc.MeasureString(label)
	x := float64(r.Min.X)
	top := float64(r.Min.Y - labelHeight)
	if top < 0 {
		top = float64(r.Min.Y)
	}

	dc.SetColor(LabelColor)
	dc.DrawRectangle(x, top, w+4, labelHeight)
	dc.Fill()

	dc.SetColor(textColor)
	dc.DrawString(label, x+2, top+labelHeight-labelBaseline)
}

func drawCentroid(dc *gg.Context, b pipeline.BBox, c color.Color) {
	p := b.CenterPoint()
	dc.SetColor(c)
	dc.DrawCircle(float64(p.X), float64(p.Y), centroidRadius)
	dc.Fill()
}

func drawTrail(dc *gg.Context, trail []image.Point, c color.Color) {
	if len(trail) < 2 {
		return
	}
	dc.SetColor(c)
	dc.SetLineWidth(trailLineWidth)
	dc.MoveTo(float64(trail[0].X), float64(trail[0].Y))
	for _, p := range trail[1:] {
		dc.LineTo(float64(p.X), float64(p.Y))
	}
	dc.Stroke()
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	if src == nil {
		return image.NewRGBA(image.Rect(0, 0, pipeline.WorkingWidth, pipeline.WorkingHeight))
	}
	dst := &image.RGBA{
		Pix:    make([]uint8, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	return dst
}
