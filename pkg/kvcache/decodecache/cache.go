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

// Package decodecache caches dequantized key/value vectors on the gather
// path, so positions read by attention on consecutive steps are not unpacked
// again. Entries are invalidated by revision: every tier move bumps the
// revision of the underlying storage, changing the key.
package decodecache

import (
	"fmt"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
)

// Key identifies one decoded entry. The revision ties the decoded data to a
// specific storage handle; a retier produces a fresh revision and the stale
// entry ages out.
type Key struct {
	SeqID    uint64
	Position int
	Tier     tier.Tier
	Revision uint32
}

// String returns a string representation of the Key.
func (k *Key) String() string {
	return fmt.Sprintf("%d@%d/%s/%d", k.SeqID, k.Position, k.Tier, k.Revision)
}

// Decoded holds one position's dequantized vectors.
type Decoded struct {
	Key   []float32
	Value []float32
}

// cost estimates the decoded entry's memory footprint in bytes.
func (d *Decoded) cost() int64 {
	return int64(4 * (len(d.Key) + len(d.Value)))
}

// Cache is the backend interface of the decoded-block cache.
//
// Cache operations are thread-safe and can be performed concurrently.
type Cache interface {
	// Get returns the decoded entry for the key, if present.
	Get(key Key) (*Decoded, bool)
	// Put stores a decoded entry under the key.
	Put(key Key, decoded *Decoded)
	// RemoveSequence drops all entries of a sequence, where supported.
	// Backends with passive eviction may leave stale entries to age out.
	RemoveSequence(seqID uint64)
}

// Config holds the configuration for the decoded-block cache.
// It may configure several backends such as listed within the struct.
// If multiple backends are configured, only the first one will be used.
type Config struct {
	// LRUConfig holds the configuration for the LRU-backed cache.
	LRUConfig *LRUConfig `json:"lruConfig"`
	// CostAwareConfig holds the configuration for the cost-aware cache.
	CostAwareConfig *CostAwareConfig `json:"costAwareConfig"`

	// EnableMetrics toggles whether hits/misses are recorded.
	EnableMetrics bool `json:"enableMetrics"`
}

// DefaultConfig returns a default configuration for the decoded-block cache.
func DefaultConfig() *Config {
	return &Config{
		LRUConfig: DefaultLRUConfig(),
	}
}

// NewCache creates a Cache backend from the config.
func NewCache(cfg *Config) (Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var c Cache
	var err error

	switch {
	case cfg.LRUConfig != nil:
		c, err = NewLRUCache(cfg.LRUConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create LRU decode cache: %w", err)
		}
	case cfg.CostAwareConfig != nil:
		c, err = NewCostAwareCache(cfg.CostAwareConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create cost-aware decode cache: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid decode cache configuration provided")
	}

	if cfg.EnableMetrics {
		c = newInstrumentedCache(c)
	}

	return c, nil
}
