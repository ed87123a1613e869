package storage

import (
	"context"
	"errors"
	"image"
	"io"
)

// ErrInvalidKey is returned for keys that escape the store root
var ErrInvalidKey = errors.New("invalid key: path traversal detected")

// ErrNotFound is returned when no object exists at a key
var ErrNotFound = errors.New("file not found")

// Reader provides read access to stored frames and recordings
type Reader interface {
	// GetReader returns a reader for the content at the given key
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if content exists at the given key
	Exists(ctx context.Context, key string) (bool, error)
}

// Writer provides write access to the store
type Writer interface {
	// Put stores the content of r at key, replacing any previous object
	Put(ctx context.Context, key string, r io.Reader) error
}

// ImageWriter stores decoded frames
type ImageWriter interface {
	PutImage(ctx context.Context, key string, img image.Image, quality int) error
}

// Metadata contains storage object metadata
type Metadata struct {
	Size        int64
	ContentType string
}

// ReaderWithMetadata provides read access with metadata
type ReaderWithMetadata interface {
	Reader

	// GetMetadata returns metadata for content at the given key
	GetMetadata(ctx context.Context, key string) (*Metadata, error)
}
