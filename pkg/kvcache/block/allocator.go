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

package block

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
)

const (
	defaultPoolSize       = "2GiB"
	defaultGPUUtilization = 0.9
)

// TierRatios splits the KV budget across the three storage pools.
type TierRatios struct {
	Buffer float64 `json:"buffer"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
}

// Config holds the configuration for the tier allocator.
type Config struct {
	// PoolSize is the total device memory considered for the KV cache.
	// Supports human-readable formats like "2GiB", "500MiB", "1GB", etc.
	PoolSize string `json:"poolSize"`
	// GPUMemoryUtilization is the fraction of PoolSize actually given to the
	// pools. The budget is PoolSize * GPUMemoryUtilization.
	GPUMemoryUtilization float64 `json:"gpuMemoryUtilization"`
	// Ratios splits the budget across tiers. Must sum to at most 1.
	Ratios TierRatios `json:"ratios"`
	// EnableSpill lets an exhausted tier borrow idle blocks from pools with
	// a block size at least as large as its own.
	EnableSpill bool `json:"enableSpill"`
}

// DefaultConfig returns a default configuration for the tier allocator.
func DefaultConfig() *Config {
	return &Config{
		PoolSize:             defaultPoolSize,
		GPUMemoryUtilization: defaultGPUUtilization,
		Ratios:               TierRatios{Buffer: 0.5, High: 0.3, Low: 0.2},
		EnableSpill:          true,
	}
}

func (c *Config) validate() error {
	if c.GPUMemoryUtilization <= 0 || c.GPUMemoryUtilization > 1 {
		return fmt.Errorf("invalid configuration: gpu memory utilization %f outside (0, 1]",
			c.GPUMemoryUtilization)
	}

	sum := c.Ratios.Buffer + c.Ratios.High + c.Ratios.Low
	if c.Ratios.Buffer <= 0 || c.Ratios.High <= 0 || c.Ratios.Low <= 0 || sum > 1+1e-9 {
		return fmt.Errorf("invalid configuration: tier ratios %+v must be positive and sum to at most 1",
			c.Ratios)
	}

	return nil
}

// Allocator owns the per-tier block pools. Pools are pre-sized at
// construction; exhaustion surfaces as ErrOutOfMemory rather than growth, so
// memory stays bounded and predictable under admission control.
//
// Allocator operations are thread-safe and can be performed concurrently
// across sequences' migration passes.
type Allocator struct {
	pools       map[tier.Tier]*pool
	budgetBytes int64
	enableSpill bool
}

// NewAllocator creates an Allocator whose pools are sized from the configured
// budget, the tier ratios, and each tier's packed entry size.
func NewAllocator(cfg *Config, descs map[tier.Tier]tier.Descriptor) (*Allocator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}

	poolBytes, err := humanize.ParseBytes(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}
	//nolint:gosec // bounded by physical memory sizes
	budget := int64(float64(poolBytes) * cfg.GPUMemoryUtilization)

	ratioOf := map[tier.Tier]float64{
		tier.Buffer: cfg.Ratios.Buffer,
		tier.High:   cfg.Ratios.High,
		tier.Low:    cfg.Ratios.Low,
	}

	pools := make(map[tier.Tier]*pool, len(descs))
	for t, desc := range descs {
		blockBytes := desc.EntryBytes()
		numBlocks := int(float64(budget) * ratioOf[t] / float64(blockBytes))
		if numBlocks == 0 {
			return nil, fmt.Errorf("failed to create allocator: %s tier budget below one block (%d bytes)",
				t, blockBytes)
		}
		pools[t] = newPool(t, blockBytes, numBlocks)
	}

	return &Allocator{
		pools:       pools,
		budgetBytes: budget,
		enableSpill: cfg.EnableSpill,
	}, nil
}

// Allocate returns a free block suitable for one packed entry at the given
// tier. When the tier's own pool is exhausted and spill is enabled, idle
// blocks are borrowed from pools with an equal or larger block size; the
// returned handle keeps pointing at the owning pool so Free returns the block
// to it.
func (a *Allocator) Allocate(t tier.Tier) (Handle, error) {
	p, ok := a.pools[t]
	if !ok {
		return Handle{}, fmt.Errorf("no pool for tier %s", t)
	}

	if h, ok := p.allocate(); ok {
		metrics.BlockAllocations.WithLabelValues(t.String()).Inc()
		return h, nil
	}

	if a.enableSpill {
		// Deterministic donor order: least compressed pools first, since
		// their blocks fit any payload.
		for _, dt := range []tier.Tier{tier.Buffer, tier.High, tier.Low} {
			donor, ok := a.pools[dt]
			if !ok || donor.tier == t || donor.blockBytes < p.blockBytes {
				continue
			}
			if h, ok := donor.allocate(); ok {
				metrics.BlockAllocations.WithLabelValues(t.String()).Inc()
				return h, nil
			}
		}
	}

	metrics.AllocationFailures.WithLabelValues(t.String()).Inc()
	return Handle{}, fmt.Errorf("%w: %s tier exhausted", ErrOutOfMemory, t)
}

// Free returns the handle's block to its owning pool. Double frees are
// reported as ErrDoubleRelease.
func (a *Allocator) Free(h Handle) error {
	p, ok := a.pools[h.Pool]
	if !ok {
		return fmt.Errorf("no pool for tier %s", h.Pool)
	}

	if err := p.free(h); err != nil {
		return err
	}

	metrics.BlockFrees.WithLabelValues(h.Pool.String()).Inc()
	return nil
}

// Write stores packed bytes into the handle's block.
func (a *Allocator) Write(h Handle, packed []byte) error {
	p, ok := a.pools[h.Pool]
	if !ok {
		return fmt.Errorf("no pool for tier %s", h.Pool)
	}
	return p.write(h, packed)
}

// Read returns a copy of the packed bytes stored in the handle's block.
func (a *Allocator) Read(h Handle) ([]byte, error) {
	p, ok := a.pools[h.Pool]
	if !ok {
		return nil, fmt.Errorf("no pool for tier %s", h.Pool)
	}
	return p.read(h)
}

// BlockBytes returns the fixed block size of a tier's pool.
func (a *Allocator) BlockBytes(t tier.Tier) int {
	if p, ok := a.pools[t]; ok {
		return p.blockBytes
	}
	return 0
}

// Capacity returns the number of blocks in a tier's pool.
func (a *Allocator) Capacity(t tier.Tier) int {
	if p, ok := a.pools[t]; ok {
		return p.capacity()
	}
	return 0
}

// UsedBlocks returns the number of occupied blocks in a tier's pool.
func (a *Allocator) UsedBlocks(t tier.Tier) int {
	if p, ok := a.pools[t]; ok {
		return p.usedBlocks()
	}
	return 0
}

// UsedBytes returns the occupied bytes across all pools.
func (a *Allocator) UsedBytes() int64 {
	var used int64
	for _, p := range a.pools {
		used += p.usedBytes()
	}
	return used
}

// BudgetBytes returns the configured KV budget in bytes.
func (a *Allocator) BudgetBytes() int64 {
	return a.budgetBytes
}

// Pressure returns the fraction of the configured budget in use.
func (a *Allocator) Pressure() float64 {
	return float64(a.UsedBytes()) / float64(a.budgetBytes)
}
