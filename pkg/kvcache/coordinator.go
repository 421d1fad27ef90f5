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

package kvcache

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/utils"
)

// Coordinator owns the engine ranks of one tensor-parallel deployment. The
// configured KV pool is partitioned evenly across ranks; each rank holds an
// independent component set and is driven with its own shard of the KV
// tensors.
type Coordinator struct {
	engines []*Engine
}

// NewCoordinator creates TensorParallelSize engine ranks from a Config.
// The allocator's pool budget is divided across the ranks, and event
// publishers are given per-rank endpoints.
func NewCoordinator(ctx context.Context, config *Config) (*Coordinator, error) {
	config = config.withDefaults()
	ranks := config.EngineConfig.TensorParallelSize

	totalBytes, err := humanize.ParseBytes(config.AllocatorConfig.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool size %q: %w", config.AllocatorConfig.PoolSize, err)
	}

	engines := make([]*Engine, ranks)
	for rank := range ranks {
		rankConfig := *config
		allocatorConfig := *config.AllocatorConfig
		allocatorConfig.PoolSize = strconv.FormatUint(totalBytes/uint64(ranks), 10) + "B"
		rankConfig.AllocatorConfig = &allocatorConfig

		if config.EventsConfig != nil {
			eventsConfig := *config.EventsConfig
			eventsConfig.Endpoint = rankEndpoint(config.EventsConfig.Endpoint, rank)
			rankConfig.EventsConfig = &eventsConfig
		}

		engine, err := NewEngine(ctx, &rankConfig, rank)
		if err != nil {
			return nil, fmt.Errorf("failed to create engine rank %d: %w", rank, err)
		}
		engines[rank] = engine
	}

	return &Coordinator{engines: engines}, nil
}

// rankEndpoint offsets a "host:port" style endpoint's port by the rank, so
// each rank's publisher binds its own port. Endpoints without a numeric
// port are returned unchanged.
func rankEndpoint(endpoint string, rank int) string {
	idx := strings.LastIndex(endpoint, ":")
	if idx < 0 {
		return endpoint
	}
	port, err := strconv.Atoi(endpoint[idx+1:])
	if err != nil {
		return endpoint
	}
	return endpoint[:idx+1] + strconv.Itoa(port+rank)
}

// Run starts all ranks' background workers.
func (c *Coordinator) Run(ctx context.Context) {
	for _, engine := range c.engines {
		engine.Run(ctx)
	}
}

// Shutdown stops all ranks' background workers.
func (c *Coordinator) Shutdown(ctx context.Context) {
	for _, engine := range c.engines {
		engine.Shutdown(ctx)
	}
}

// Ranks returns the number of engine ranks.
func (c *Coordinator) Ranks() int {
	return len(c.engines)
}

// Engine returns the engine serving the given rank.
func (c *Coordinator) Engine(rank int) *Engine {
	return c.engines[rank]
}

// Pressures returns each rank's pressure fraction, indexed by rank.
func (c *Coordinator) Pressures() []float64 {
	return utils.SliceMap(c.engines, func(e *Engine) float64 { return e.TotalPressure() })
}

// TotalPressure returns the highest pressure across ranks. Admission
// control must respect the most loaded rank: a sequence needs storage on
// every rank.
func (c *Coordinator) TotalPressure() float64 {
	highest := 0.0
	for _, engine := range c.engines {
		if p := engine.TotalPressure(); p > highest {
			highest = p
		}
	}
	return highest
}

// RunEvictionPass triggers an eviction pass on every rank in parallel.
func (c *Coordinator) RunEvictionPass(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, engine := range c.engines {
		g.Go(func() error {
			return engine.RunEvictionPass(gCtx)
		})
	}
	return g.Wait()
}

// RemoveSequence releases a sequence's storage on every rank.
func (c *Coordinator) RemoveSequence(ctx context.Context, seqID uint64) error {
	for _, engine := range c.engines {
		if err := engine.RemoveSequence(ctx, seqID); err != nil {
			return err
		}
	}
	return nil
}
