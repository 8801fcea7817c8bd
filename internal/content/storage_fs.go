/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package content

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FilesystemStorage implements Storage on a local directory tree.
type FilesystemStorage struct {
	rootDir string
	logger  zerolog.Logger
}

// NewFilesystemStorage creates a filesystem-based storage backend.
func NewFilesystemStorage(rootDir string, logger zerolog.Logger) *FilesystemStorage {
	return &FilesystemStorage{
		rootDir: rootDir,
		logger:  logger,
	}
}

// Store writes the blob under the given key, creating parent directories.
func (fs *FilesystemStorage) Store(ctx context.Context, key string, r io.Reader) error {
	fullPath := filepath.Join(fs.rootDir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	dest, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, r); err != nil {
		os.Remove(fullPath) // Clean up on failure
		return fmt.Errorf("write file: %w", err)
	}

	fs.logger.Debug().
		Str("key", key).
		Str("path", fullPath).
		Msg("filesystem storage: blob stored")
	return nil
}

// Open returns a reader for the stored blob.
func (fs *FilesystemStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath := filepath.Join(fs.rootDir, filepath.FromSlash(key))
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes the blob. Missing files are not an error.
func (fs *FilesystemStorage) Delete(ctx context.Context, key string) error {
	fullPath := filepath.Join(fs.rootDir, filepath.FromSlash(key))
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}

	fs.logger.Debug().Str("key", key).Msg("filesystem storage: blob deleted")
	return nil
}

// URL returns the storage key unchanged; filesystem blobs are served
// through the API, not addressed directly.
func (fs *FilesystemStorage) URL(key string) string {
	return key
}

// CheckAccess verifies the content root exists and is a directory.
func (fs *FilesystemStorage) CheckAccess(ctx context.Context) error {
	info, err := os.Stat(fs.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("content root does not exist: %s", fs.rootDir)
		}
		return fmt.Errorf("cannot access content root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("content root is not a directory: %s", fs.rootDir)
	}
	return nil
}
