// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
	"github.com/fruitsalade/fruitsalade/livesync/internal/logging"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// LocalBackend implements storage.Backend using the local filesystem.
// Keys are logical file paths and are always resolved inside RootPath.
type LocalBackend struct {
	rootPath   string
	createDirs bool
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	// Ensure root exists
	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	logging.Info("local storage ready", logging.String("root", root))
	return &LocalBackend{
		rootPath:   root,
		createDirs: cfg.CreateDirs,
	}, nil
}

// Root returns the absolute storage root.
func (b *LocalBackend) Root() string { return b.rootPath }

func (b *LocalBackend) fullPath(key string) (string, error) {
	id, err := fileid.Parse(key)
	if err != nil {
		return "", err
	}
	return id.Resolve(b.rootPath)
}

// GetObject reads a file from the local filesystem with range support.
func (b *LocalBackend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()
	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		metrics.RecordStorageOperation("local", "get_object", time.Since(start), os.IsNotExist(err))
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		metrics.RecordStorageOperation("local", "get_object", time.Since(start), false)
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("open %s: is a directory: %w", key, os.ErrNotExist)
	}

	totalSize := info.Size()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	metrics.RecordStorageOperation("local", "get_object", time.Since(start), true)

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, length, nil
	}

	returnSize := totalSize - offset
	if returnSize < 0 {
		returnSize = 0
	}
	return f, returnSize, nil
}

// PutObject writes content to the local filesystem atomically. Readers see
// either the previous file or the new one, never a partial write.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			metrics.RecordStorageOperation("local", "put_object", time.Since(start), false)
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, ".livesync-*.tmp")
	if err != nil {
		metrics.RecordStorageOperation("local", "put_object", time.Since(start), false)
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordStorageOperation("local", "put_object", time.Since(start), false)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.RecordStorageOperation("local", "put_object", time.Since(start), false)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		metrics.RecordStorageOperation("local", "put_object", time.Since(start), false)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}

	metrics.RecordStorageOperation("local", "put_object", time.Since(start), true)
	logging.Debug("local put object", logging.String("key", key), logging.Int64("size", size))
	return nil
}

// ObjectExists checks if a file exists on the local filesystem.
func (b *LocalBackend) ObjectExists(_ context.Context, key string) (bool, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
