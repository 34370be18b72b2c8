package source

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	startIdx := bytes.Index(*buffer, jpegSOI)
	if startIdx == -1 {
		// Keep a trailing 0xFF, it may be the first half of a marker.
		if (*buffer)[len(*buffer)-1] == 0xFF {
			*buffer = (*buffer)[len(*buffer)-1:]
		} else {
			*buffer = (*buffer)[:0]
		}
		return nil
	}

	rel := bytes.Index((*buffer)[startIdx+2:], jpegEOI)
	if rel == -1 {
		if startIdx > 0 {
			*buffer = append((*buffer)[:0], (*buffer)[startIdx:]...)
		}
		return nil
	}
	endIdx := startIdx + 2 + rel + 2

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// frameReader splits an MJPEG byte stream into JPEG frames on a goroutine.
type frameReader struct {
	frames  chan []byte
	stop    chan struct{}
	latest  bool // Live streams keep only the newest frames
	dropped atomic.Uint64

	stopOnce sync.Once
	err      error // Terminal error, valid once frames is closed
}

// newFrameReader starts reading r. finish is called after r is drained and
// returns the error reported to the consumer (io.EOF for a clean end).
func newFrameReader(r io.Reader, buffer int, latest bool, finish func(readErr error) error) *frameReader {
	if buffer <= 0 {
		buffer = 2
	}
	fr := &frameReader{
		frames: make(chan []byte, buffer),
		stop:   make(chan struct{}),
		latest: latest,
	}
	go fr.run(r, finish)
	return fr
}

func (fr *frameReader) run(r io.Reader, finish func(error) error) {
	defer close(fr.frames)

	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 32*1024)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			frameBuffer = append(frameBuffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				if !fr.deliver(frame) {
					fr.err = io.ErrClosedPipe
					return
				}
			}
		}
		if err != nil {
			if finish != nil {
				err = finish(err)
			}
			fr.err = err
			return
		}
	}
}

func (fr *frameReader) deliver(frame []byte) bool {
	if fr.latest {
		for {
			select {
			case <-fr.stop:
				return false
			case fr.frames <- frame:
				return true
			default:
			}
			// Consumer is slow, drop the oldest frame
			select {
			case <-fr.frames:
				fr.dropped.Add(1)
			default:
			}
		}
	}
	select {
	case <-fr.stop:
		return false
	case fr.frames <- frame:
		return true
	}
}

// Close stops delivery; the reader goroutine exits once its input ends.
func (fr *frameReader) Close() {
	fr.stopOnce.Do(func() { close(fr.stop) })
}

// Dropped returns frames discarded because the consumer was slow.
func (fr *frameReader) Dropped() uint64 {
	return fr.dropped.Load()
}
