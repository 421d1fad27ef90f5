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

package pressure

import (
	"context"
	"sort"
	"sync"
)

// InMemoryConfig holds the configuration for the in-process board.
type InMemoryConfig struct{}

// InMemoryReporter is an in-process implementation of the Reporter interface.
type InMemoryReporter struct {
	mu      sync.RWMutex
	samples map[int]Sample
}

var _ Reporter = &InMemoryReporter{}

// NewInMemoryReporter creates a new InMemoryReporter instance.
func NewInMemoryReporter(_ *InMemoryConfig) *InMemoryReporter {
	return &InMemoryReporter{samples: make(map[int]Sample)}
}

// Report publishes one rank's sample, replacing the previous one.
func (r *InMemoryReporter) Report(_ context.Context, sample Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[sample.Rank] = sample
	return nil
}

// Snapshot returns the latest sample of every rank, ordered by rank.
func (r *InMemoryReporter) Snapshot(_ context.Context) ([]Sample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Sample, 0, len(r.samples))
	for _, s := range r.samples {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}
