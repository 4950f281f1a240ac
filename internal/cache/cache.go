// Package cache stores the upstream model listing between runs.
// Local file and Redis backends are provided.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ModelCache is a cached upstream models response.
type ModelCache struct {
	UpdatedAt time.Time `json:"updated_at"`
	// APIBaseURL is the endpoint the listing came from. A listing from a
	// different endpoint is not reused.
	APIBaseURL string `json:"api_base_url"`
	// Data holds the upstream body verbatim.
	Data json.RawMessage `json:"data"`
}

// Fresh reports whether the entry is younger than ttl at now.
// A non-positive ttl never expires.
func (m *ModelCache) Fresh(ttl time.Duration, now time.Time) bool {
	if m == nil || len(m.Data) == 0 {
		return false
	}
	if ttl <= 0 {
		return true
	}
	return now.Sub(m.UpdatedAt) < ttl
}

// Cache defines the interface for model cache storage.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves the cached entry.
	// Returns nil, nil if no cache exists yet.
	Get(ctx context.Context) (*ModelCache, error)

	// Set stores the entry.
	Set(ctx context.Context, cache *ModelCache) error

	// Close releases any resources held by the cache.
	Close() error
}

func decodeEntry(data []byte, source string) (*ModelCache, error) {
	var entry ModelCache
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse cached models from %s: %w", source, err)
	}
	return &entry, nil
}
