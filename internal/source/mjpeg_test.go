package source

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeJPEG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestExtractJPEGFrame(t *testing.T) {
	a := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 4, 5, 0xFF, 0xD9}

	buf := append([]byte{9, 9}, a...)
	buf = append(buf, b...)
	buf = append(buf, 0xFF, 0xD8, 7)

	assert.Equal(t, a, extractJPEGFrame(&buf))
	assert.Equal(t, b, extractJPEGFrame(&buf))
	assert.Nil(t, extractJPEGFrame(&buf))
	// The partial frame is kept for the next read.
	assert.Equal(t, []byte{0xFF, 0xD8, 7}, buf)
}

func TestExtractJPEGFrame_DiscardsGarbage(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 0xFF}
	assert.Nil(t, extractJPEGFrame(&buf))
	assert.Equal(t, []byte{0xFF}, buf)
}

func TestFrameReader_SplitsStream(t *testing.T) {
	f1 := encodeJPEG(t, 32, 18, color.RGBA{R: 200, A: 255})
	f2 := encodeJPEG(t, 32, 18, color.RGBA{G: 200, A: 255})
	stream := io.MultiReader(bytes.NewReader(f1), bytes.NewReader(f2))

	fr := newFrameReader(stream, 4, false, nil)
	var got [][]byte
	for data := range fr.frames {
		got = append(got, data)
	}
	require.Len(t, got, 2)
	assert.Equal(t, f1, got[0])
	assert.Equal(t, f2, got[1])
	assert.ErrorIs(t, fr.err, io.EOF)
}

func TestFrameReader_FinishOverridesError(t *testing.T) {
	sentinel := assert.AnError
	fr := newFrameReader(bytes.NewReader(nil), 1, false, func(error) error { return sentinel })
	_, ok := <-fr.frames
	assert.False(t, ok)
	assert.Equal(t, sentinel, fr.err)
}

func TestFrameReader_LatestDropsOldest(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 5; i++ {
		stream.Write([]byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9})
	}

	fr := newFrameReader(&stream, 2, true, nil)
	require.Eventually(t, func() bool {
		return fr.Dropped() == 3
	}, time.Second, 5*time.Millisecond)

	var got []byte
	for data := range fr.frames {
		got = append(got, data[2])
	}
	assert.Equal(t, []byte{3, 4}, got)
}

func TestFrameReader_CloseUnblocks(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 3; i++ {
		stream.Write([]byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9})
	}

	fr := newFrameReader(&stream, 1, false, nil)
	fr.Close()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-fr.frames:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
