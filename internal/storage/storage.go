// Package storage abstracts where uploaded population files live
// between the API accepting them and a worker consuming them. Local
// disk serves development and single-host deployments; S3 serves
// multi-host ones where API and worker processes don't share a disk.
package storage

import (
	"context"
	"fmt"
	"io"
)

// Store persists uploaded files by caller-chosen key.
type Store interface {
	// Save writes the file under key and returns the path a worker
	// should use to open it later.
	Save(ctx context.Context, key string, r io.Reader) (string, error)
	// Open streams a previously saved file.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes a saved file. Deleting a missing file is not an
	// error; cleanup hooks may fire more than once.
	Delete(ctx context.Context, path string) error
}

// Config selects and configures a backend.
type Config struct {
	Backend  string `yaml:"backend"` // "local" or "s3"
	LocalDir string `yaml:"local_dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
}

// New builds the store the config names.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.LocalDir)
	case "s3":
		return NewS3Store(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
