// Package blob keeps uploaded files (avatars, attachments) on the local disk and
// hands out file:// URLs for them.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

var ErrInvalidPath = errors.New("invalid blob path")

// Store is where uploaded bytes go.
type Store interface {
	Upload(ctx context.Context, path string, data []byte) (string, error)
	Download(ctx context.Context, path string) (string, error)
}

// DefaultRoot is used when no root is configured.
func DefaultRoot() string {
	return filepath.Join(xdg.DataHome, "phiscord", "blobs")
}

// FS stores blobs as files below a root directory.
type FS struct {
	root string
}

func NewFS(root string) *FS {
	if root == "" {
		root = DefaultRoot()
	}
	return &FS{root: root}
}

// resolve maps a slash separated blob path below the root, refusing paths that
// would escape it.
func (f *FS) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(path, "/")))
	if path == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return filepath.Join(f.root, clean), nil
}

func fileURL(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

// Upload writes data at path, replacing any previous blob, and returns its URL.
func (f *FS) Upload(_ context.Context, path string, data []byte) (string, error) {
	full, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("error creating blob directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("error uploading %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("error uploading %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("error uploading %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("error uploading %s: %w", path, err)
	}
	return fileURL(full), nil
}

// Download returns the URL of an existing blob.
func (f *FS) Download(_ context.Context, path string) (string, error) {
	full, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("error locating %s: %w", path, err)
	}
	return fileURL(full), nil
}
