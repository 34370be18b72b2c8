package source

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"tracklens/internal/pipeline"
)

// ImageSource yields a single still image, then io.EOF.
type ImageSource struct {
	id   string
	path string

	mu     sync.Mutex
	open   bool
	img    *image.RGBA
	served bool
}

var _ pipeline.FrameSource = (*ImageSource)(nil)

// NewImageSource creates a still image source.
func NewImageSource(id, path string) *ImageSource {
	return &ImageSource{id: id, path: path}
}

// Kind returns pipeline.SourceImage.
func (s *ImageSource) Kind() pipeline.SourceKind { return pipeline.SourceImage }

// Describe returns the image path.
func (s *ImageSource) Describe() string { return "image:" + s.path }

// Closed reports whether the decoded image has been released.
func (s *ImageSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.open
}

// Open decodes the image.
func (s *ImageSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return &pipeline.SourceOpenError{Source: s.Describe(), Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return &pipeline.SourceOpenError{Source: s.Describe(), Err: fmt.Errorf("decode image: %w", err)}
	}
	s.img = Normalize(img)
	s.served = false
	s.open = true
	return nil
}

// Next returns the image once.
func (s *ImageSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, &pipeline.SourceReadError{Source: s.Describe(), Err: fmt.Errorf("source is not open")}
	}
	if s.served {
		return nil, io.EOF
	}
	s.served = true
	return &pipeline.Frame{
		SourceID:  s.id,
		Image:     s.img,
		Seq:       1,
		Timestamp: time.Now(),
	}, nil
}

// Close releases the decoded image.
func (s *ImageSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.img = nil
	return nil
}
