package source

import (
	"image"
	"image/draw"

	"github.com/disintegration/imaging"

	"tracklens/internal/pipeline"
)

// Normalize resizes img to the working resolution. The aspect ratio is not
// preserved; every source yields WorkingWidth x WorkingHeight frames.
func Normalize(img image.Image) *image.RGBA {
	b := img.Bounds()
	var resized image.Image = img
	if b.Dx() != pipeline.WorkingWidth || b.Dy() != pipeline.WorkingHeight {
		resized = imaging.Resize(img, pipeline.WorkingWidth, pipeline.WorkingHeight, imaging.Linear)
	}
	return toRGBA(resized)
}

// toRGBA converts to *image.RGBA anchored at the origin. Opaque NRGBA images
// share the same byte layout and are wrapped without copying.
func toRGBA(img image.Image) *image.RGBA {
	switch v := img.(type) {
	case *image.RGBA:
		if v.Rect.Min == (image.Point{}) {
			return v
		}
	case *image.NRGBA:
		if v.Rect.Min == (image.Point{}) && v.Opaque() {
			return &image.RGBA{Pix: v.Pix, Stride: v.Stride, Rect: v.Rect}
		}
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
