package annotate

import "image/color"

var palette = [3]int64{1<<11 - 1, 1<<15 - 1, 1<<20 - 1}

// LabelColor is the fill behind labels and the box color of untracked detections.
var LabelColor = color.RGBA{R: 0, G: 191, B: 255, A: 255}

// ColorForID maps a track identity to a stable color. The quadratic term
// spreads neighbouring ids across the palette; channels are derived in
// blue, green, red order.
func ColorForID(id int) color.RGBA {
	n := int64(id)*int64(id) - int64(id) + 1
	var ch [3]uint8
	for i, p := range palette {
		v := (p * n) % 255
		if v < 0 {
			v += 255
		}
		ch[i] = uint8(v)
	}
	return color.RGBA{R: ch[2], G: ch[1], B: ch[0], A: 255}
}
