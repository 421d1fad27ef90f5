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

package decodecache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/decodecache"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
)

// testCommonCacheBehavior runs a shared test suite for any Cache backend.
func testCommonCacheBehavior(t *testing.T, factory func(t *testing.T) decodecache.Cache) {
	t.Helper()

	t.Run("MissBeforePut", func(t *testing.T) {
		cache := factory(t)

		_, ok := cache.Get(decodecache.Key{SeqID: 1, Position: 0, Tier: tier.High, Revision: 1})
		assert.False(t, ok)
	})

	t.Run("PutThenGet", func(t *testing.T) {
		cache := factory(t)

		key := decodecache.Key{SeqID: 1, Position: 4, Tier: tier.Low, Revision: 2}
		decoded := &decodecache.Decoded{Key: []float32{1, 2}, Value: []float32{3, 4}}
		cache.Put(key, decoded)

		got, ok := cache.Get(key)
		require.True(t, ok)
		assert.Equal(t, decoded, got)
	})

	t.Run("RevisionChangesKey", func(t *testing.T) {
		cache := factory(t)

		key := decodecache.Key{SeqID: 7, Position: 0, Tier: tier.High, Revision: 1}
		cache.Put(key, &decodecache.Decoded{Key: []float32{1}, Value: []float32{1}})

		stale := key
		stale.Revision = 2
		_, ok := cache.Get(stale)
		assert.False(t, ok)
	})
}

func TestLRUCache(t *testing.T) {
	testCommonCacheBehavior(t, func(t *testing.T) decodecache.Cache {
		t.Helper()
		cache, err := decodecache.NewLRUCache(&decodecache.LRUConfig{Size: 16})
		require.NoError(t, err)
		return cache
	})
}

func TestCostAwareCache(t *testing.T) {
	testCommonCacheBehavior(t, func(t *testing.T) decodecache.Cache {
		t.Helper()
		cache, err := decodecache.NewCostAwareCache(decodecache.DefaultCostAwareConfig())
		require.NoError(t, err)
		return cache
	})
}

func TestLRUCacheRemoveSequence(t *testing.T) {
	cache, err := decodecache.NewLRUCache(&decodecache.LRUConfig{Size: 16})
	require.NoError(t, err)

	keep := decodecache.Key{SeqID: 1, Position: 0, Tier: tier.High, Revision: 1}
	drop := decodecache.Key{SeqID: 2, Position: 0, Tier: tier.High, Revision: 1}
	cache.Put(keep, &decodecache.Decoded{Key: []float32{1}, Value: []float32{1}})
	cache.Put(drop, &decodecache.Decoded{Key: []float32{2}, Value: []float32{2}})

	cache.RemoveSequence(2)

	_, ok := cache.Get(keep)
	assert.True(t, ok)
	_, ok = cache.Get(drop)
	assert.False(t, ok)
}

func TestNewCacheConfigSwitch(t *testing.T) {
	cache, err := decodecache.NewCache(nil)
	require.NoError(t, err)
	assert.NotNil(t, cache)

	cache, err = decodecache.NewCache(&decodecache.Config{
		CostAwareConfig: decodecache.DefaultCostAwareConfig(),
	})
	require.NoError(t, err)
	assert.NotNil(t, cache)

	_, err = decodecache.NewCache(&decodecache.Config{})
	assert.Error(t, err)
}
