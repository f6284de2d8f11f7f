// Package imagestore keeps uploaded skin images for the lifetime of the
// process. Every image is decoded on the way in, so anything it returns is
// known to be a valid PNG, JPEG or WebP with recorded dimensions.
package imagestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"github.com/dermrx/dermrx/internal/domain/lesion"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrImageNotFound = errors.New("image not found")
	ErrImageTooLarge = errors.New("image exceeds maximum allowed size")
	ErrEmptyImage    = errors.New("image is empty")
)

// DefaultMaxSize is the upload limit used when none is configured (10 MB).
const DefaultMaxSize = 10 * 1024 * 1024

// MaxPixels bounds width*height so a tiny file cannot declare a huge canvas.
const MaxPixels = 64 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Image describes a stored upload.
type Image struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patientId,omitempty"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Source      string    `json:"source,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// URL is the API path the image can be downloaded from.
func (i *Image) URL() string {
	return "/api/v1/images/" + i.ID
}

// Store is the contract the session and handler depend on.
type Store interface {
	Put(ctx context.Context, patientID, source string, data []byte) (*Image, error)
	Get(ctx context.Context, id string) (*Image, []byte, error)
	Delete(ctx context.Context, id string) error
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode validates data as a PNG, JPEG or WebP image. Failures are reported
// as *lesion.DecodeError.
func Decode(source string, data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", &lesion.DecodeError{Source: source, Err: ErrEmptyImage}
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", &lesion.DecodeError{Source: source, Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxPixels {
		return nil, "", &lesion.DecodeError{
			Source: source,
			Err:    fmt.Errorf("unsupported dimensions %dx%d", cfg.Width, cfg.Height),
		}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &lesion.DecodeError{Source: source, Err: err}
	}
	return img, "image/" + format, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedImage struct {
	meta Image
	data []byte
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	images  map[string]*storedImage
	maxSize int64
	now     func() time.Time
}

// NewMemoryStore returns a store rejecting uploads above maxSize bytes.
// A non-positive maxSize selects DefaultMaxSize.
func NewMemoryStore(maxSize int64) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MemoryStore{
		images:  make(map[string]*storedImage),
		maxSize: maxSize,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Put decodes data, records its hash and dimensions and stores a private
// copy of the bytes.
func (s *MemoryStore) Put(_ context.Context, patientID, source string, data []byte) (*Image, error) {
	if int64(len(data)) > s.maxSize {
		return nil, ErrImageTooLarge
	}
	img, contentType, err := Decode(source, data)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	meta := Image{
		ID:          uuid.New().String(),
		PatientID:   patientID,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      fmt.Sprintf("%x", sha256.Sum256(data)),
		Width:       b.Dx(),
		Height:      b.Dy(),
		Source:      source,
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	s.images[meta.ID] = &storedImage{meta: meta, data: append([]byte(nil), data...)}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

// Get returns the metadata and the raw bytes of an image.
func (s *MemoryStore) Get(_ context.Context, id string) (*Image, []byte, error) {
	s.mu.RLock()
	img, ok := s.images[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrImageNotFound
	}
	meta := img.meta
	return &meta, img.data, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[id]; !ok {
		return ErrImageNotFound
	}
	delete(s.images, id)
	return nil
}

// Len returns the number of stored images.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images)
}
