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

// Package block implements the tier allocator: one preallocated, paged memory
// pool per precision tier, handing out fixed-size blocks through tagged
// handles. Entries migrate between pools over their lifetime, so storage is
// always referenced through a Handle (tier id + block index), never through a
// pointer.
package block

import (
	"fmt"
	"sync"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
)

// Handle is a tagged reference to one live block. The zero Handle is not
// valid; use Valid to distinguish.
type Handle struct {
	// Pool is the tier whose pool owns the block. Under spill allocation
	// this may differ from the tier of the data stored in the block.
	Pool tier.Tier
	// Block is the index of the block within its pool.
	Block int32
	// generation guards against stale handles reused after a free.
	generation uint32
}

// Valid reports whether the handle refers to an allocation.
func (h Handle) Valid() bool {
	return h.generation != 0
}

// String returns a string representation of the Handle.
func (h Handle) String() string {
	return fmt.Sprintf("%s/%d", h.Pool, h.Block)
}

// pool is one tier's fixed arena of equally sized blocks with a free list.
// Free-list membership and occupancy are mutually exclusive.
type pool struct {
	tier       tier.Tier
	blockBytes int

	mu         sync.Mutex
	arena      []byte
	lengths    []int32  // bytes written per block, -1 while free
	generation []uint32 // bumped on every free
	freeList   []int32
}

func newPool(t tier.Tier, blockBytes, numBlocks int) *pool {
	p := &pool{
		tier:       t,
		blockBytes: blockBytes,
		arena:      make([]byte, blockBytes*numBlocks),
		lengths:    make([]int32, numBlocks),
		generation: make([]uint32, numBlocks),
		freeList:   make([]int32, numBlocks),
	}

	for i := range p.lengths {
		p.lengths[i] = -1
		p.generation[i] = 1
		// LIFO free list: low indices are handed out first.
		p.freeList[i] = int32(numBlocks - 1 - i)
	}

	return p
}

func (p *pool) capacity() int {
	return len(p.lengths)
}

// allocate pops a block off the free list. Returns an invalid handle and
// false when the pool is exhausted.
func (p *pool) allocate() (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeList) == 0 {
		return Handle{}, false
	}

	idx := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]
	p.lengths[idx] = 0

	return Handle{Pool: p.tier, Block: idx, generation: p.generation[idx]}, true
}

// free returns a block to the free list. A handle may be freed exactly once;
// a second free is a programming error and is reported, not ignored.
func (p *pool) free(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(h); err != nil {
		return err
	}

	p.lengths[h.Block] = -1
	p.generation[h.Block]++
	p.freeList = append(p.freeList, h.Block)
	return nil
}

func (p *pool) write(h Handle, packed []byte) error {
	if len(packed) > p.blockBytes {
		return fmt.Errorf("failed to write block %s: %d bytes exceed block size %d",
			h, len(packed), p.blockBytes)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(h); err != nil {
		return err
	}

	copy(p.arena[int(h.Block)*p.blockBytes:], packed)
	p.lengths[h.Block] = int32(len(packed))
	return nil
}

func (p *pool) read(h Handle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLive(h); err != nil {
		return nil, err
	}

	start := int(h.Block) * p.blockBytes
	out := make([]byte, p.lengths[h.Block])
	copy(out, p.arena[start:start+len(out)])
	return out, nil
}

// checkLive validates that the handle refers to a currently occupied block.
// Callers hold p.mu.
func (p *pool) checkLive(h Handle) error {
	if h.Block < 0 || int(h.Block) >= len(p.lengths) {
		return fmt.Errorf("handle %s out of range for pool of %d blocks", h, len(p.lengths))
	}
	if p.lengths[h.Block] < 0 || p.generation[h.Block] != h.generation {
		return fmt.Errorf("%w: handle %s", ErrDoubleRelease, h)
	}
	return nil
}

func (p *pool) usedBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lengths) - len(p.freeList)
}

func (p *pool) usedBytes() int64 {
	return int64(p.usedBlocks()) * int64(p.blockBytes)
}
