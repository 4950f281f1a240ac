package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// LocalCache keeps the entry in a JSON file next to the credential pool.
// An empty path disables it.
type LocalCache struct {
	mu   sync.RWMutex
	path string
}

// NewLocalCache returns a cache stored at path.
func NewLocalCache(path string) *LocalCache {
	return &LocalCache{path: path}
}

// Get reads the entry from disk. A missing file is a miss.
func (c *LocalCache) Get(_ context.Context) (*ModelCache, error) {
	if c.path == "" {
		return nil, nil
	}
	c.mu.RLock()
	data, err := os.ReadFile(c.path)
	c.mu.RUnlock()

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}
	return decodeEntry(data, c.path)
}

// Set replaces the file atomically. Readers in other processes see either
// the old or the new listing.
func (c *LocalCache) Set(_ context.Context, entry *ModelCache) error {
	if c.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (c *LocalCache) Close() error {
	return nil
}
