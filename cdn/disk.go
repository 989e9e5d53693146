package cdn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"fileconv/services"
)

// DiskStore is a content area on the local filesystem served back through
// the API under baseURL.
type DiskStore struct {
	dir     string
	baseURL string
}

func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content dir: %w", err)
	}
	return &DiskStore{dir: dir, baseURL: baseURL}, nil
}

func (d *DiskStore) Path(key string) string {
	return filepath.Join(d.dir, filepath.Base(key))
}

// Put copies srcPath into the content area. Readers never see a partial file:
// the copy lands in a hidden temp file that is renamed once complete.
func (d *DiskStore) Put(_ context.Context, key, srcPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := os.Rename(tmpName, d.Path(key)); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return n, nil
}

func (d *DiskStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(d.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, services.ErrNotFound
	}
	return f, err
}

func (d *DiskStore) Remove(_ context.Context, key string) error {
	if err := os.Remove(d.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (d *DiskStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(d.Path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// PublicURL ignores ttl; expiry is enforced by the serving handler.
func (d *DiskStore) PublicURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return d.baseURL + "/" + url.PathEscape(key), nil
}
