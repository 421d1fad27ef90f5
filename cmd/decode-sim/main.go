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

// decode-sim drives a differentiated-precision KV cache with a synthetic
// continuous-batching decode loop. It mirrors the flag surface of the
// serving engine's calibration sweeps, so threshold and bit-width
// combinations can be explored without a GPU.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/block"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/importance"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/migration"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
)

type options struct {
	kbitsHigh int
	vbitsHigh int
	kbitsLow  int
	vbitsLow  int
	headDim   int

	quantThresh float64
	pruneThresh float64
	bufferSize  int
	decay       float64

	poolSize             string
	gpuMemoryUtilization float64

	maxNumSeqs          int
	maxNumBatchedTokens int
	tensorParallelSize  int

	eventsEndpoint string
	eventsTopic    string

	numSeqs    int
	steps      int
	evictEvery int
}

func parseFlags() *options {
	opts := &options{}

	flag.IntVar(&opts.kbitsHigh, "kbits-high", 8, "key bit-width of the high-precision tier")
	flag.IntVar(&opts.vbitsHigh, "vbits-high", 8, "value bit-width of the high-precision tier")
	flag.IntVar(&opts.kbitsLow, "kbits-low", 2, "key bit-width of the low-precision tier")
	flag.IntVar(&opts.vbitsLow, "vbits-low", 2, "value bit-width of the low-precision tier")
	flag.IntVar(&opts.headDim, "head-dim", 128, "per-rank head dimension of one KV vector")

	flag.Float64Var(&opts.quantThresh, "kv-quant-thresh", 1.0, "score below which entries requantize to low precision (0 disables)")
	flag.Float64Var(&opts.pruneThresh, "kv-prune-thresh", 0.0, "score below which entries are pruned (0 disables)")
	flag.IntVar(&opts.bufferSize, "kv-buffer-size", 128, "full-precision buffer window length in tokens")
	flag.Float64Var(&opts.decay, "kv-decay", 0.9, "importance score EWMA decay factor")

	flag.StringVar(&opts.poolSize, "pool-size", "2GiB", "total device memory considered for the KV cache")
	flag.Float64Var(&opts.gpuMemoryUtilization, "gpu-memory-utilization", 0.9, "fraction of pool-size given to the KV pools")

	flag.IntVar(&opts.maxNumSeqs, "max-num-seqs", 256, "maximum concurrently cached sequences")
	flag.IntVar(&opts.maxNumBatchedTokens, "max-num-batched-tokens", 8192, "maximum tokens appended per decode step")
	flag.IntVar(&opts.tensorParallelSize, "tensor-parallel-size", 1, "number of parallel ranks the KV pool is partitioned across")

	flag.StringVar(&opts.eventsEndpoint, "events-endpoint", "", "ZMQ endpoint for cache-event publishing (empty disables)")
	flag.StringVar(&opts.eventsTopic, "events-topic", "kv@", "topic cache events are published under")

	flag.IntVar(&opts.numSeqs, "num-seqs", 8, "number of synthetic sequences to decode")
	flag.IntVar(&opts.steps, "steps", 512, "number of decode steps to simulate")
	flag.IntVar(&opts.evictEvery, "evict-every", 64, "decode steps between coordinator eviction passes")

	klog.InitFlags(nil)
	flag.Parse()
	return opts
}

func buildConfig(opts *options) *kvcache.Config {
	config := kvcache.NewDefaultConfig()
	config.TierConfig = &tier.Config{
		KBitsHigh: opts.kbitsHigh, VBitsHigh: opts.vbitsHigh,
		KBitsLow: opts.kbitsLow, VBitsLow: opts.vbitsLow,
		HeadDim: opts.headDim,
	}
	config.PolicyConfig = &migration.Config{
		QuantThreshold:     opts.quantThresh,
		PruneThreshold:     opts.pruneThresh,
		BufferSize:         opts.bufferSize,
		EvaluationInterval: 1,
	}
	config.TrackerConfig = &importance.Config{Decay: opts.decay}
	config.AllocatorConfig = &block.Config{
		PoolSize:             opts.poolSize,
		GPUMemoryUtilization: opts.gpuMemoryUtilization,
		Ratios:               block.TierRatios{Buffer: 0.5, High: 0.3, Low: 0.2},
		EnableSpill:          true,
	}
	config.EngineConfig = &kvcache.EngineConfig{
		MaxNumSeqs:          opts.maxNumSeqs,
		MaxNumBatchedTokens: opts.maxNumBatchedTokens,
		TensorParallelSize:  opts.tensorParallelSize,
	}
	if opts.eventsEndpoint != "" {
		config.EventsConfig = kvevents.DefaultConfig()
		config.EventsConfig.Endpoint = opts.eventsEndpoint
		config.EventsConfig.Topic = opts.eventsTopic
	}
	config.EnableMetrics = true
	return config
}

func main() {
	opts := parseFlags()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := klog.FromContext(ctx)

	coordinator, err := kvcache.NewCoordinator(ctx, buildConfig(opts))
	if err != nil {
		logger.Error(err, "failed to create coordinator")
		os.Exit(1)
	}
	coordinator.Run(ctx)
	defer coordinator.Shutdown(ctx)

	metrics.StartMetricsLogging(ctx, 30*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := decodeLoop(ctx, coordinator, opts); err != nil {
		logger.Error(err, "decode loop failed")
		os.Exit(1)
	}

	logger.Info("Simulation finished", "pressure", coordinator.TotalPressure())
	logTierDistribution(ctx, coordinator, opts)
}

// decodeLoop runs the synthetic lockstep decode: every step each sequence
// appends one token on every rank, attention weights are drawn for a window
// of accessed positions, and the step closes with a policy pass.
func decodeLoop(ctx context.Context, coordinator *kvcache.Coordinator, opts *options) error {
	logger := klog.FromContext(ctx)
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // simulation only

	for step := 1; step <= opts.steps; step++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		for rank := 0; rank < coordinator.Ranks(); rank++ {
			engine := coordinator.Engine(rank)
			engine.BeginStep()

			for seq := 0; seq < opts.numSeqs; seq++ {
				seqID := uint64(seq + 1)
				key, value := randomVector(rng, opts.headDim), randomVector(rng, opts.headDim)

				position, err := engine.AppendToken(ctx, seqID, key, value)
				if err != nil {
					return err
				}

				// Recency-biased synthetic attention: recent positions
				// receive most of the weight mass.
				for p := position - 1; p >= 0 && p > position-16; p-- {
					engine.RecordAccess(seqID, p, rng.Float64()/float64(position-p))
				}

				if _, err := engine.Gather(ctx, seqID, recentPositions(position)); err != nil {
					return err
				}
				if err := engine.EndStep(ctx, seqID); err != nil {
					return err
				}
			}
		}

		if step%opts.evictEvery == 0 {
			if err := coordinator.RunEvictionPass(ctx); err != nil {
				return err
			}
			logger.Info("eviction pass", "step", step, "pressures", coordinator.Pressures())
		}
	}

	return coordinator.RunEvictionPass(ctx)
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func recentPositions(latest int) []int {
	positions := make([]int, 0, 32)
	for p := latest; p >= 0 && p > latest-32; p-- {
		positions = append(positions, p)
	}
	return positions
}

// logTierDistribution prints where every sequence's positions ended up.
func logTierDistribution(ctx context.Context, coordinator *kvcache.Coordinator, opts *options) {
	logger := klog.FromContext(ctx)

	engine := coordinator.Engine(0)
	for seq := 0; seq < opts.numSeqs; seq++ {
		seqID := uint64(seq + 1)
		counts := map[string]int{}
		for _, entry := range engine.Entries(seqID) {
			counts[entry.Tier.String()]++
		}
		logger.Info("tier distribution", "seq", seqID,
			"tiers", counts, "footprint", engine.Footprint(seqID))
	}
}
