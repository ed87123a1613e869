package storage

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func newTestStore(t *testing.T) *FilesystemStorage {
	t.Helper()
	fs, err := NewFilesystemStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Expected store to initialize, got %v", err)
	}
	return fs
}

func TestPut_CreatesParentDirectories(t *testing.T) {
	fs := newTestStore(t)
	key := "/101/2/2025-09-22/vehicle_14_03_07_042.jpg"

	if err := fs.Put(context.Background(), key, strings.NewReader("frame")); err != nil {
		t.Fatalf("Expected put to succeed, got %v", err)
	}

	data, err := os.ReadFile(filepath.Join(fs.Root(), "101", "2", "2025-09-22", "vehicle_14_03_07_042.jpg"))
	if err != nil {
		t.Fatalf("Expected file on disk, got %v", err)
	}
	if string(data) != "frame" {
		t.Errorf("Expected content 'frame', got %q", data)
	}

	// No temp files left behind
	entries, _ := os.ReadDir(filepath.Join(fs.Root(), "101", "2", "2025-09-22"))
	if len(entries) != 1 {
		t.Errorf("Expected exactly one file in directory, got %d", len(entries))
	}
}

func TestPut_OverwritesExistingObject(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	fs.Put(ctx, "/a.jpg", strings.NewReader("one"))
	if err := fs.Put(ctx, "/a.jpg", strings.NewReader("two")); err != nil {
		t.Fatalf("put: %v", err)
	}

	r, err := fs.GetReader(ctx, "/a.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "two" {
		t.Errorf("Expected redelivered write to replace content, got %q", data)
	}
}

func TestResolve_RejectsTraversal(t *testing.T) {
	fs := newTestStore(t)

	for _, key := range []string{"../etc/passwd", "/../../x", "a/../../b"} {
		if _, err := fs.Resolve(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey for %q, got %v", key, err)
		}
	}
	if err := fs.Put(context.Background(), "../x", strings.NewReader("")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected put outside root to fail, got %v", err)
	}
}

func TestExistsAndMetadata(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	ok, err := fs.Exists(ctx, "/missing.jpg")
	if err != nil || ok {
		t.Errorf("Expected missing file to not exist, got %v (%v)", ok, err)
	}
	if _, err := fs.GetReader(ctx, "/missing.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	fs.Put(ctx, "/x.jpg", bytes.NewReader(make([]byte, 42)))
	ok, _ = fs.Exists(ctx, "/x.jpg")
	if !ok {
		t.Errorf("Expected file to exist")
	}

	meta, err := fs.GetMetadata(ctx, "/x.jpg")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Size != 42 || meta.ContentType != "image/jpeg" {
		t.Errorf("Unexpected metadata: %+v", meta)
	}
}

func TestPutImage_WritesDecodableJPEG(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	img := imaging.New(32, 16, color.NRGBA{R: 200, A: 255})
	if err := fs.PutImage(ctx, "/1/1/frame.jpg", img, 90); err != nil {
		t.Fatalf("put image: %v", err)
	}

	r, err := fs.GetReader(ctx, "/1/1/frame.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer r.Close()

	decoded, err := imaging.Decode(r)
	if err != nil {
		t.Fatalf("Expected stored frame to decode, got %v", err)
	}
	if decoded.Bounds() != image.Rect(0, 0, 32, 16) {
		t.Errorf("Expected 32x16 frame, got %v", decoded.Bounds())
	}
}
