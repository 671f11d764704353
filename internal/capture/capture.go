// Package capture models where scan images come from and makes releasing the
// underlying resource explicit.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MaxImageSize bounds a single captured image.
const MaxImageSize = 8 << 20

var (
	// ErrUnsupportedMedia is returned for payloads that are not images.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrTooLarge is returned for images over MaxImageSize.
	ErrTooLarge = errors.New("image too large")
	// ErrReleased is returned when acquiring from a released source.
	ErrReleased = errors.New("capture source released")
)

// Frame is one captured image.
type Frame struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Source yields image frames. Release must be safe to call more than once.
type Source interface {
	Acquire(ctx context.Context) (*Frame, error)
	Release() error
}

// WithSource acquires one frame, passes it to fn and always releases src.
func WithSource(ctx context.Context, src Source, fn func(*Frame) error) (err error) {
	defer func() {
		if relErr := src.Release(); relErr != nil && err == nil {
			err = fmt.Errorf("release capture source: %w", relErr)
		}
	}()
	frame, err := src.Acquire(ctx)
	if err != nil {
		return err
	}
	return fn(frame)
}

// NewFrame sniffs data and rejects anything that is not an image. A declared
// content type of image/* is trusted only if the bytes agree.
func NewFrame(data []byte, filename string) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnsupportedMedia)
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, contentType)
	}
	if filename == "" {
		filename = "waste" + extensionFor(contentType)
	}
	return &Frame{Data: data, ContentType: contentType, Filename: filename}, nil
}

// IsImageContentType reports whether a declared MIME type is an image type.
func IsImageContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return strings.HasPrefix(ct, "image/")
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	default:
		return ".jpg"
	}
}

// FileSource reads a single image file.
type FileSource struct {
	path string

	mu       sync.Mutex
	released bool
}

// NewFileSource returns a source for the image at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Acquire(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	return NewFrame(data, filepath.Base(s.path))
}

func (s *FileSource) Release() error {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}

// BytesSource wraps an already uploaded image. Release drops the buffer.
type BytesSource struct {
	mu       sync.Mutex
	data     []byte
	filename string
	released bool
}

// NewBytesSource returns a source over data.
func NewBytesSource(data []byte, filename string) *BytesSource {
	return &BytesSource{data: data, filename: filename}
}

func (s *BytesSource) Acquire(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewFrame(s.data, s.filename)
}

func (s *BytesSource) Release() error {
	s.mu.Lock()
	s.data = nil
	s.released = true
	s.mu.Unlock()
	return nil
}
