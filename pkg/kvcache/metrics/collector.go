// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// BlockAllocations counts block allocations per tier.
	BlockAllocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "allocator", Name: "block_allocations_total",
		Help: "Total number of block allocations per tier",
	}, []string{"tier"})
	// BlockFrees counts block releases per tier.
	BlockFrees = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "allocator", Name: "block_frees_total",
		Help: "Total number of block releases per tier",
	}, []string{"tier"})
	// AllocationFailures counts allocations rejected because a tier pool was
	// exhausted.
	AllocationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "allocator", Name: "allocation_failures_total",
		Help: "Total number of allocations rejected for pool exhaustion, per tier",
	}, []string{"tier"})

	// Demotions counts tier demotions by transition.
	Demotions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "migration", Name: "demotions_total",
		Help: "Total number of tier demotions, per source and target tier",
	}, []string{"from", "to"})
	// Prunes counts entries evicted outright.
	Prunes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "migration", Name: "prunes_total",
		Help: "Total number of entries pruned",
	})
	// DeferredTransitions counts demotions deferred for lack of target-tier
	// capacity.
	DeferredTransitions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "migration", Name: "deferred_transitions_total",
		Help: "Total number of transitions deferred due to capacity pressure",
	})

	// GatherLatency logs latency of mixed-tier gather calls.
	GatherLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvcache", Subsystem: "engine", Name: "gather_latency_seconds",
		Help:    "Latency of Gather calls in seconds",
		Buckets: prometheus.DefBuckets,
	})
	// MemoryPressure is the fraction of the configured KV pool in use.
	MemoryPressure = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvcache", Subsystem: "engine", Name: "memory_pressure",
		Help: "Fraction of the configured KV pool currently in use",
	})

	// DecodedCacheHits counts decoded-block cache hits on the gather path.
	DecodedCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "decodecache", Name: "hits_total",
		Help: "Total number of decoded-block cache hits",
	})
	// DecodedCacheMisses counts decoded-block cache misses on the gather path.
	DecodedCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "decodecache", Name: "misses_total",
		Help: "Total number of decoded-block cache misses",
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		BlockAllocations, BlockFrees, AllocationFailures,
		Demotions, Prunes, DeferredTransitions,
		GatherLatency, MemoryPressure,
		DecodedCacheHits, DecodedCacheMisses,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func logMetrics(ctx context.Context) {
	var m dto.Metric

	err := Prunes.Write(&m)
	if err != nil {
		return
	}
	prunes := m.GetCounter().GetValue()

	err = DeferredTransitions.Write(&m)
	if err != nil {
		return
	}
	deferred := m.GetCounter().GetValue()

	var pressureMetric dto.Metric
	err = MemoryPressure.Write(&pressureMetric)
	if err != nil {
		return
	}
	pressure := pressureMetric.GetGauge().GetValue()

	var latencyMetric dto.Metric
	err = GatherLatency.Write(&latencyMetric)
	if err != nil {
		return
	}
	latencyCount := latencyMetric.GetHistogram().GetSampleCount()
	latencySum := latencyMetric.GetHistogram().GetSampleSum()

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"prunes", prunes,
		"deferred_transitions", deferred,
		"memory_pressure", pressure,
		"gather_count", latencyCount,
		"gather_latency_sum", latencySum,
	)
}
