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

package sequence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/block"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/decodecache"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/sequence"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
)

const testHeadDim = 8

func newTestTable(t *testing.T, poolSize string, withDecodeCache bool) *sequence.Table {
	t.Helper()

	tierCfg := tier.DefaultConfig()
	tierCfg.HeadDim = testHeadDim
	descs, err := tierCfg.Descriptors()
	require.NoError(t, err)

	allocCfg := block.DefaultConfig()
	allocCfg.PoolSize = poolSize
	allocCfg.GPUMemoryUtilization = 1.0
	allocCfg.EnableSpill = false
	alloc, err := block.NewAllocator(allocCfg, descs)
	require.NoError(t, err)

	var decoded decodecache.Cache
	if withDecodeCache {
		decoded, err = decodecache.NewCache(nil)
		require.NoError(t, err)
	}

	table, err := sequence.NewTable(alloc, descs, decoded)
	require.NoError(t, err)
	return table
}

func kv(seed float32) ([]float32, []float32) {
	key := make([]float32, testHeadDim)
	value := make([]float32, testHeadDim)
	for i := range key {
		key[i] = seed + float32(i)
		value[i] = seed - float32(i)
	}
	return key, value
}

func TestAppendAssignsMonotonicPositions(t *testing.T) {
	table := newTestTable(t, "64KiB", false)

	for i := 0; i < 5; i++ {
		key, value := kv(float32(i))
		pos, err := table.Append(1, key, value)
		require.NoError(t, err)
		assert.Equal(t, i, pos)
	}

	assert.Equal(t, 5, table.Length(1))
	assert.Equal(t, 5, table.LiveLength(1))

	entries := table.Entries(1)
	for i, e := range entries {
		assert.Equal(t, i, e.Position)
		assert.Equal(t, tier.Buffer, e.Tier)
		assert.True(t, e.Handle.Valid())
	}
}

func TestGatherRoundTripsBufferEntries(t *testing.T) {
	table := newTestTable(t, "64KiB", false)

	key, value := kv(2.5)
	pos, err := table.Append(1, key, value)
	require.NoError(t, err)

	items, err := table.Gather(1, []int{pos})
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Buffer tier is full precision: exact round trip.
	assert.Equal(t, key, items[0].Key)
	assert.Equal(t, value, items[0].Value)
	assert.Equal(t, tier.Buffer, items[0].Tier)
}

// Attention kernels ask for positions most-recent-first; the gather view must
// keep the caller's order rather than re-sorting by position.
func TestGatherKeepsRequestedOrder(t *testing.T) {
	table := newTestTable(t, "64KiB", false)

	for i := 0; i < 4; i++ {
		key, value := kv(float32(i))
		_, err := table.Append(1, key, value)
		require.NoError(t, err)
	}
	require.NoError(t, table.Retier(1, 2, tier.Pruned))

	items, err := table.Gather(1, []int{3, 2, 1, 0})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, 3, items[0].Position)
	assert.Equal(t, 1, items[1].Position)
	assert.Equal(t, 0, items[2].Position)
}

func TestRetierDemotesAndReleasesOldStorage(t *testing.T) {
	table := newTestTable(t, "64KiB", false)

	key, value := kv(1)
	pos, err := table.Append(1, key, value)
	require.NoError(t, err)

	before := table.Footprint(1)
	require.NoError(t, table.Retier(1, pos, tier.High))

	entries := table.Entries(1)
	assert.Equal(t, tier.High, entries[pos].Tier)
	assert.Equal(t, tier.High, entries[pos].Handle.Pool)
	assert.Less(t, table.Footprint(1), before)

	// The data survives with bounded loss.
	items, err := table.Gather(1, []int{pos})
	require.NoError(t, err)
	require.Len(t, items, 1)
	for i := range key {
		assert.InDelta(t, key[i], items[0].Key[i], 0.05)
	}
}

func TestPruneRemovesPresenceNotPosition(t *testing.T) {
	table := newTestTable(t, "64KiB", false)

	for i := 0; i < 4; i++ {
		key, value := kv(float32(i))
		_, err := table.Append(1, key, value)
		require.NoError(t, err)
	}

	require.NoError(t, table.Retier(1, 1, tier.Pruned))

	assert.Equal(t, 4, table.Length(1))
	assert.Equal(t, 3, table.LiveLength(1))

	// Pruned positions are absent; the others keep their logical positions.
	items, err := table.Gather(1, []int{0, 1, 2, 3})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, 0, items[0].Position)
	assert.Equal(t, 2, items[1].Position)
	assert.Equal(t, 3, items[2].Position)

	// A pruned entry holds no storage and cannot transition again.
	entries := table.Entries(1)
	assert.False(t, entries[1].Handle.Valid())
	assert.Error(t, table.Retier(1, 1, tier.Low))
}

func TestRetierOOMLeavesEntryIntact(t *testing.T) {
	table := newTestTable(t, "4KiB", false)

	key, value := kv(1)
	pos, err := table.Append(1, key, value)
	require.NoError(t, err)

	// Exhaust the high pool so the demotion target has no capacity.
	highCap := 0
	for {
		p, err := table.Append(2, key, value)
		require.NoError(t, err)
		if err := table.Retier(2, p, tier.High); err != nil {
			require.ErrorIs(t, err, block.ErrOutOfMemory)
			break
		}
		highCap++
	}
	require.Positive(t, highCap)

	err = table.Retier(1, pos, tier.High)
	require.Error(t, err)
	assert.ErrorIs(t, err, block.ErrOutOfMemory)

	// Deferred: the entry keeps its buffer-tier storage.
	entries := table.Entries(1)
	assert.Equal(t, tier.Buffer, entries[pos].Tier)
	assert.True(t, entries[pos].Handle.Valid())

	items, err := table.Gather(1, []int{pos})
	require.NoError(t, err)
	assert.Equal(t, key, items[0].Key)
}

func TestRemoveSequenceReleasesEverything(t *testing.T) {
	table := newTestTable(t, "64KiB", false)

	for i := 0; i < 6; i++ {
		key, value := kv(float32(i))
		_, err := table.Append(1, key, value)
		require.NoError(t, err)
	}
	require.NoError(t, table.Retier(1, 0, tier.High))
	require.NoError(t, table.Retier(1, 1, tier.Pruned))

	require.NoError(t, table.RemoveSequence(1))
	assert.Zero(t, table.Footprint(1))
	assert.Zero(t, table.Length(1))

	// Unknown sequences are a no-op.
	require.NoError(t, table.RemoveSequence(42))
}

func TestGatherWithDecodeCache(t *testing.T) {
	table := newTestTable(t, "64KiB", true)

	key, value := kv(3)
	pos, err := table.Append(1, key, value)
	require.NoError(t, err)
	require.NoError(t, table.Retier(1, pos, tier.High))

	first, err := table.Gather(1, []int{pos})
	require.NoError(t, err)

	// Second gather is served from the decoded cache and must agree.
	second, err := table.Gather(1, []int{pos})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAppendOutOfMemory(t *testing.T) {
	table := newTestTable(t, "4KiB", false)

	key, value := kv(1)
	for {
		_, err := table.Append(1, key, value)
		if err != nil {
			assert.ErrorIs(t, err, block.ErrOutOfMemory)
			return
		}
	}
}
