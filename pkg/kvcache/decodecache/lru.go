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

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultLRUSize = 1 << 16

// LRUConfig holds the configuration for the LRU-backed decode cache.
type LRUConfig struct {
	// Size is the maximum number of decoded entries kept.
	Size int `json:"size"`
}

// DefaultLRUConfig returns a default configuration for the LRU-backed cache.
func DefaultLRUConfig() *LRUConfig {
	return &LRUConfig{Size: defaultLRUSize}
}

// LRUCache is an LRU-backed implementation of the Cache interface.
type LRUCache struct {
	data *lru.Cache[Key, *Decoded]
}

var _ Cache = &LRUCache{}

// NewLRUCache creates a new LRUCache instance.
func NewLRUCache(cfg *LRUConfig) (*LRUCache, error) {
	if cfg == nil {
		cfg = DefaultLRUConfig()
	}

	cache, err := lru.New[Key, *Decoded](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LRU decode cache: %w", err)
	}

	return &LRUCache{data: cache}, nil
}

// Get returns the decoded entry for the key, if present.
func (c *LRUCache) Get(key Key) (*Decoded, bool) {
	return c.data.Get(key)
}

// Put stores a decoded entry under the key.
func (c *LRUCache) Put(key Key, decoded *Decoded) {
	c.data.Add(key, decoded)
}

// RemoveSequence drops all cached entries of a sequence.
func (c *LRUCache) RemoveSequence(seqID uint64) {
	for _, key := range c.data.Keys() {
		if key.SeqID == seqID {
			c.data.Remove(key)
		}
	}
}
