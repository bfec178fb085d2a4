package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps uploads in a single directory on disk.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the upload directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = "uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Save writes the stream to dir/key and returns the full path.
func (s *LocalStore) Save(_ context.Context, key string, r io.Reader) (string, error) {
	path := filepath.Join(s.dir, filepath.Base(key))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}

// Open opens a saved file for reading.
func (s *LocalStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(s.dir)) {
		return nil, fmt.Errorf("path %q outside upload dir", path)
	}
	return os.Open(path)
}

// Delete removes a saved file, ignoring files already gone.
func (s *LocalStore) Delete(_ context.Context, path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete upload file: %w", err)
	}
	return nil
}
