/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package decodecache

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
)

const (
	defaultNumCounters = 1e7
	defaultBufferItems = 64 // default buffer size for ristretto
)

// CostAwareConfig holds the configuration for the cost-aware decode cache.
type CostAwareConfig struct {
	// Size is the maximum memory the decoded entries may occupy.
	// Supports human-readable formats like "512MiB", "1GB", etc.
	Size string `json:"size,omitempty"`
}

// DefaultCostAwareConfig returns a default configuration for the cost-aware
// decode cache.
func DefaultCostAwareConfig() *CostAwareConfig {
	return &CostAwareConfig{Size: "512MiB"}
}

// CostAwareCache implements the Cache interface using a ristretto cache
// bounded by decoded byte size rather than entry count.
type CostAwareCache struct {
	data *ristretto.Cache[string, *Decoded]
}

var _ Cache = &CostAwareCache{}

// NewCostAwareCache creates a new CostAwareCache instance.
func NewCostAwareCache(cfg *CostAwareConfig) (*CostAwareCache, error) {
	if cfg == nil {
		cfg = DefaultCostAwareConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost-aware decode cache: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *Decoded]{
		NumCounters: defaultNumCounters,
		MaxCost:     int64(sizeBytes), // #nosec G115
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost-aware decode cache: %w", err)
	}

	return &CostAwareCache{data: cache}, nil
}

// Get returns the decoded entry for the key, if present.
func (c *CostAwareCache) Get(key Key) (*Decoded, bool) {
	return c.data.Get(key.String())
}

// Put stores a decoded entry under the key, costed by its byte size.
func (c *CostAwareCache) Put(key Key, decoded *Decoded) {
	c.data.Set(key.String(), decoded, decoded.cost())
	c.data.Wait()
}

// RemoveSequence is a no-op for the cost-aware backend: revisions keep stale
// entries from being served and eviction is cost-driven.
func (c *CostAwareCache) RemoveSequence(_ uint64) {}
