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
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/block"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/decodecache"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/importance"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/migration"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/pressure"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/sequence"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/utils/logging"
)

const (
	defaultMaxNumSeqs          = 256
	defaultMaxNumBatchedTokens = 8192
	defaultTensorParallelSize  = 1
)

// EngineConfig holds the serving-side limits of one engine rank.
type EngineConfig struct {
	// MaxNumSeqs caps the number of concurrently cached sequences.
	MaxNumSeqs int `json:"maxNumSeqs"`
	// MaxNumBatchedTokens caps the tokens appended within one decode step.
	MaxNumBatchedTokens int `json:"maxNumBatchedTokens"`
	// TensorParallelSize is the number of parallel ranks the KV pool is
	// partitioned across. Each rank owns an independent component set.
	TensorParallelSize int `json:"tensorParallelSize"`
}

// DefaultEngineConfig returns a default configuration for the engine limits.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxNumSeqs:          defaultMaxNumSeqs,
		MaxNumBatchedTokens: defaultMaxNumBatchedTokens,
		TensorParallelSize:  defaultTensorParallelSize,
	}
}

func (c *EngineConfig) validate() error {
	if c.MaxNumSeqs <= 0 || c.MaxNumBatchedTokens <= 0 || c.TensorParallelSize <= 0 {
		return fmt.Errorf("invalid configuration: engine limits must be positive, got "+
			"max-num-seqs=%d max-num-batched-tokens=%d tensor-parallel-size=%d",
			c.MaxNumSeqs, c.MaxNumBatchedTokens, c.TensorParallelSize)
	}
	return nil
}

// Config holds the configuration for one engine rank.
// The configuration covers the different components found in the engine.
type Config struct {
	TierConfig        *tier.Config        `json:"tierConfig"`
	PolicyConfig      *migration.Config   `json:"policyConfig"`
	TrackerConfig     *importance.Config  `json:"trackerConfig"`
	AllocatorConfig   *block.Config       `json:"allocatorConfig"`
	DecodeCacheConfig *decodecache.Config `json:"decodeCacheConfig"`
	PressureConfig    *pressure.Config    `json:"pressureConfig"`
	// EventsConfig enables the cache-event publisher. nil disables it.
	EventsConfig *kvevents.Config `json:"eventsConfig,omitempty"`
	EngineConfig *EngineConfig    `json:"engineConfig"`
	// EnableMetrics registers the prometheus collectors.
	EnableMetrics bool `json:"enableMetrics"`
}

// NewDefaultConfig returns a default configuration for the engine.
// Event publishing is opt-in.
func NewDefaultConfig() *Config {
	return &Config{
		TierConfig:        tier.DefaultConfig(),
		PolicyConfig:      migration.DefaultConfig(),
		TrackerConfig:     importance.DefaultConfig(),
		AllocatorConfig:   block.DefaultConfig(),
		DecodeCacheConfig: decodecache.DefaultConfig(),
		PressureConfig:    pressure.DefaultConfig(),
		EngineConfig:      DefaultEngineConfig(),
	}
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return NewDefaultConfig()
	}
	if c.TierConfig == nil {
		c.TierConfig = tier.DefaultConfig()
	}
	if c.PolicyConfig == nil {
		c.PolicyConfig = migration.DefaultConfig()
	}
	if c.TrackerConfig == nil {
		c.TrackerConfig = importance.DefaultConfig()
	}
	if c.AllocatorConfig == nil {
		c.AllocatorConfig = block.DefaultConfig()
	}
	if c.DecodeCacheConfig == nil {
		c.DecodeCacheConfig = decodecache.DefaultConfig()
	}
	if c.PressureConfig == nil {
		c.PressureConfig = pressure.DefaultConfig()
	}
	if c.EngineConfig == nil {
		c.EngineConfig = DefaultEngineConfig()
	}
	return c
}

// Engine is one rank's differentiated-precision KV cache: the sequence
// tables, the tier pools, the importance tracker and the migration policy,
// plus the coordinator surface the request scheduler consumes (footprint,
// pressure, eviction passes).
type Engine struct {
	config      *Config
	rank        int
	fingerprint uint64

	tracker   *importance.Tracker
	policy    *migration.Policy
	allocator *block.Allocator
	table     *sequence.Table
	reporter  pressure.Reporter
	events    *kvevents.Pool // may be nil

	mu         sync.Mutex
	active     sets.Set[uint64]
	stepTokens atomic.Int64
	deferred   atomic.Uint64
}

// NewEngine creates an Engine for the given rank from a Config.
// Invalid configuration fails here, never at runtime.
func NewEngine(ctx context.Context, config *Config, rank int) (*Engine, error) {
	config = config.withDefaults()

	if err := config.EngineConfig.validate(); err != nil {
		return nil, err
	}

	descs, err := config.TierConfig.Descriptors()
	if err != nil {
		return nil, fmt.Errorf("failed to create tier descriptors: %w", err)
	}

	allocator, err := block.NewAllocator(config.AllocatorConfig, descs)
	if err != nil {
		return nil, fmt.Errorf("failed to create block.Allocator: %w", err)
	}

	decoded, err := decodecache.NewCache(config.DecodeCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create decodecache.Cache: %w", err)
	}

	table, err := sequence.NewTable(allocator, descs, decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to create sequence.Table: %w", err)
	}

	tracker, err := importance.NewTracker(config.TrackerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create importance.Tracker: %w", err)
	}

	policy, err := migration.NewPolicy(config.PolicyConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration.Policy: %w", err)
	}

	reporter, err := pressure.NewReporter(config.PressureConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pressure.Reporter: %w", err)
	}

	fingerprint, err := configFingerprint(config)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint configuration: %w", err)
	}

	e := &Engine{
		config:      config,
		rank:        rank,
		fingerprint: fingerprint,
		tracker:     tracker,
		policy:      policy,
		allocator:   allocator,
		table:       table,
		reporter:    reporter,
		active:      sets.New[uint64](),
	}

	if config.EventsConfig != nil {
		publisher, err := kvevents.NewZMQPublisher(config.EventsConfig.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		e.events = kvevents.NewPool(config.EventsConfig, publisher, fingerprint)
	}

	if config.EnableMetrics {
		metrics.Register()
	}

	return e, nil
}

// Run starts the engine's background workers. It is non-blocking.
func (e *Engine) Run(ctx context.Context) {
	if e.events != nil {
		e.events.Start(ctx)
	}
}

// Shutdown drains and stops the engine's background workers.
func (e *Engine) Shutdown(ctx context.Context) {
	if e.events != nil {
		e.events.Shutdown(ctx)
	}
}

// Rank returns the tensor-parallel rank this engine serves.
func (e *Engine) Rank() int {
	return e.rank
}

// Fingerprint returns the digest of the precision-relevant configuration.
func (e *Engine) Fingerprint() uint64 {
	return e.fingerprint
}

// Reporter returns the pressure board backend the engine reports to.
func (e *Engine) Reporter() pressure.Reporter {
	return e.reporter
}

// BeginStep opens a decode step, resetting the batched-token budget.
func (e *Engine) BeginStep() {
	e.stepTokens.Store(0)
}

// AppendToken stores a freshly produced token's KV at full precision and
// returns its logical position. Pool exhaustion propagates: a new token's KV
// must always be stored somewhere, there is no fallback.
func (e *Engine) AppendToken(ctx context.Context, seqID uint64, key, value []float32) (int, error) {
	if e.stepTokens.Add(1) > int64(e.config.EngineConfig.MaxNumBatchedTokens) {
		return 0, fmt.Errorf("failed to append to sequence %d: step token budget %d exhausted",
			seqID, e.config.EngineConfig.MaxNumBatchedTokens)
	}

	if err := e.admit(seqID); err != nil {
		return 0, err
	}

	position, err := e.table.Append(seqID, key, value)
	if err != nil {
		return 0, err
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("kvcache.AppendToken").
		Info("appended token", "seq", seqID, "position", position)
	return position, nil
}

// admit adds the sequence to the active set, enforcing the sequence cap.
func (e *Engine) admit(seqID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active.Has(seqID) {
		return nil
	}
	if e.active.Len() >= e.config.EngineConfig.MaxNumSeqs {
		return fmt.Errorf("failed to admit sequence %d: %d sequences active, limit %d",
			seqID, e.active.Len(), e.config.EngineConfig.MaxNumSeqs)
	}
	e.active.Insert(seqID)
	return nil
}

// RecordAccess feeds one attention weight observation for an accessed key
// position into the importance tracker.
func (e *Engine) RecordAccess(seqID uint64, position int, weight float64) {
	e.tracker.RecordAccess(seqID, position, weight)
}

// Gather assembles the mixed-tier decoded KV view of the requested positions
// for the attention kernel. Pruned positions are absent from the result.
func (e *Engine) Gather(ctx context.Context, seqID uint64, positions []int) ([]sequence.GatherItem, error) {
	timer := prometheus.NewTimer(metrics.GatherLatency)
	defer timer.ObserveDuration()

	return e.table.Gather(seqID, positions)
}

// EndStep closes one decode step for a sequence: the step counter advances
// and, on the configured cadence, the migration policy evaluates the
// sequence's entries.
func (e *Engine) EndStep(ctx context.Context, seqID uint64) error {
	step := e.table.AdvanceStep(seqID)
	if step%uint64(e.config.PolicyConfig.EvaluationInterval) != 0 {
		return nil
	}

	if err := e.evaluateSequence(ctx, seqID); err != nil {
		return fmt.Errorf("failed to evaluate sequence %d: %w", seqID, err)
	}

	metrics.MemoryPressure.Set(e.allocator.Pressure())
	return nil
}

// evaluateSequence runs one migration pass over a sequence. Each entry
// advances at most one state. A transition that cannot allocate in the
// target tier is deferred: the entry keeps its current storage and the
// deferral is surfaced as capacity pressure.
func (e *Engine) evaluateSequence(ctx context.Context, seqID uint64) error {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvcache.evaluateSequence")

	// Age the sequence's scores before consulting them: positions that stop
	// being accessed must lose rank, not hold their last score forever.
	e.tracker.DecayAll(seqID)

	entries := e.table.Entries(seqID)
	bufferStart := len(entries) - e.config.PolicyConfig.BufferSize

	demoted := make(map[[2]tier.Tier][]uint32)
	var pruned []uint32

	for i := range entries {
		entry := &entries[i]
		if entry.Tier == tier.Pruned {
			continue
		}

		target := e.policy.Decide(migration.Input{
			Current:      entry.Tier,
			Score:        e.tracker.ScoreOf(seqID, entry.Position),
			WithinBuffer: entry.Position >= bufferStart,
		})
		if target == entry.Tier {
			continue
		}

		if err := e.table.Retier(seqID, entry.Position, target); err != nil {
			if errors.Is(err, block.ErrOutOfMemory) {
				e.deferred.Add(1)
				metrics.DeferredTransitions.Inc()
				traceLogger.Info("deferred transition", "seq", seqID,
					"position", entry.Position, "from", entry.Tier.String(), "to", target.String())
				continue
			}
			return err
		}

		if target == tier.Pruned {
			metrics.Prunes.Inc()
			//nolint:gosec // positions are bounded by max-num-batched-tokens
			pruned = append(pruned, uint32(entry.Position))
		} else {
			metrics.Demotions.WithLabelValues(entry.Tier.String(), target.String()).Inc()
			move := [2]tier.Tier{entry.Tier, target}
			//nolint:gosec // positions are bounded by max-num-batched-tokens
			demoted[move] = append(demoted[move], uint32(entry.Position))
		}
	}

	e.publishMigrations(seqID, demoted, pruned)
	return nil
}

// publishMigrations emits the pass's demotions and prunes as cache events.
func (e *Engine) publishMigrations(seqID uint64, demoted map[[2]tier.Tier][]uint32, pruned []uint32) {
	if e.events == nil {
		return
	}

	for move, positions := range demoted {
		e.events.Publish(kvevents.EntriesDemoted{
			Sequence:  seqID,
			Positions: positions,
			FromTier:  move[0].String(),
			ToTier:    move[1].String(),
		})
	}
	if len(pruned) > 0 {
		e.events.Publish(kvevents.EntriesPruned{
			Sequence:  seqID,
			Positions: pruned,
		})
	}
}

// Footprint returns the bytes of KV pool storage held by a sequence.
func (e *Engine) Footprint(seqID uint64) int64 {
	return e.table.Footprint(seqID)
}

// TotalPressure returns the fraction of the configured KV pool in use.
func (e *Engine) TotalPressure() float64 {
	return e.allocator.Pressure()
}

// DeferredCount returns the number of transitions deferred for lack of
// capacity since the engine started.
func (e *Engine) DeferredCount() uint64 {
	return e.deferred.Load()
}

// Entries returns a snapshot of a sequence's cache table entries.
func (e *Engine) Entries(seqID uint64) []sequence.Entry {
	return e.table.Entries(seqID)
}

// RunEvictionPass evaluates the migration policy across all active
// sequences, largest footprint first, then reports the rank's pressure
// sample. Sequences are evaluated in parallel; per-sequence exclusivity is
// provided by the table.
func (e *Engine) RunEvictionPass(ctx context.Context) error {
	seqIDs := e.table.SequenceIDs()
	sort.Slice(seqIDs, func(i, j int) bool {
		return e.table.Footprint(seqIDs[i]) > e.table.Footprint(seqIDs[j])
	})

	g, gCtx := errgroup.WithContext(ctx)
	for _, seqID := range seqIDs {
		g.Go(func() error {
			return e.evaluateSequence(gCtx, seqID)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to run eviction pass: %w", err)
	}

	metrics.MemoryPressure.Set(e.allocator.Pressure())
	return e.ReportPressure(ctx)
}

// ReportPressure publishes the rank's current pressure sample to the board
// and, when events are enabled, to subscribers. The deferred-transition
// counter is consumed by the report.
func (e *Engine) ReportPressure(ctx context.Context) error {
	deferred := e.deferred.Swap(0)
	sample := pressure.Sample{
		Rank:                e.rank,
		FootprintBytes:      e.allocator.UsedBytes(),
		Pressure:            e.allocator.Pressure(),
		DeferredTransitions: deferred,
		ReportedAt:          time.Now(),
	}

	if err := e.reporter.Report(ctx, sample); err != nil {
		return fmt.Errorf("failed to report pressure: %w", err)
	}

	if e.events != nil && deferred > 0 {
		e.events.Publish(kvevents.CapacityPressure{
			Rank:     e.rank,
			Pressure: sample.Pressure,
			Deferred: deferred,
		})
	}
	return nil
}

// RemoveSequence releases all of a sequence's storage and bookkeeping, used
// on completion or abort.
func (e *Engine) RemoveSequence(ctx context.Context, seqID uint64) error {
	if err := e.table.RemoveSequence(seqID); err != nil {
		return fmt.Errorf("failed to remove sequence %d: %w", seqID, err)
	}
	e.tracker.RemoveSequence(seqID)

	e.mu.Lock()
	e.active.Delete(seqID)
	e.mu.Unlock()

	if e.events != nil {
		e.events.Publish(kvevents.SequenceRemoved{Sequence: seqID})
	}
	return nil
}
