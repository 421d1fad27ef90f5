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

// Package importance tracks a running per-position importance score for each
// cached token, derived from the attention weights observed when the position
// is accessed as a key during decoding.
//
// Scores are derived state: they rank candidates for demotion and pruning and
// are never used to reconstruct data. A position that has never been accessed
// scores zero; callers must combine the score with token age, since very young
// tokens have had no chance to accumulate evidence.
package importance

import (
	"fmt"
	"sync"
)

const defaultDecay = 0.9

// Config holds the configuration for the Tracker.
type Config struct {
	// Decay is the exponential decay factor of the accumulator:
	// score = Decay*score + (1-Decay)*weight. Must be in [0, 1).
	Decay float64 `json:"decay"`
}

// DefaultConfig returns a default configuration for the Tracker.
func DefaultConfig() *Config {
	return &Config{Decay: defaultDecay}
}

// Tracker maintains per-sequence, per-position exponentially weighted
// accumulators. Updates for different sequences may run in parallel; updates
// for the same sequence must be applied in the order the attention weights
// were produced (single writer per sequence).
type Tracker struct {
	decay float64

	mu     sync.RWMutex
	scores map[uint64][]float64 // sequence id -> score per logical position
}

// NewTracker creates a Tracker from the given config.
func NewTracker(cfg *Config) (*Tracker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Decay < 0 || cfg.Decay >= 1 {
		return nil, fmt.Errorf("invalid configuration: decay %f outside [0, 1)", cfg.Decay)
	}

	return &Tracker{
		decay:  cfg.Decay,
		scores: make(map[uint64][]float64),
	}, nil
}

// RecordAccess folds one observed attention weight into the accumulator for
// (sequence, position). O(1), never blocks on anything but the map lock.
// Negative weights are clamped to zero so scores stay non-negative.
func (t *Tracker) RecordAccess(seqID uint64, position int, weight float64) {
	if weight < 0 {
		weight = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	positions := t.scores[seqID]
	for len(positions) <= position {
		positions = append(positions, 0)
	}
	positions[position] = t.decay*positions[position] + (1-t.decay)*weight
	t.scores[seqID] = positions
}

// ScoreOf returns the current score for a position, or zero for positions
// that were never accessed as keys.
func (t *Tracker) ScoreOf(seqID uint64, position int) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	positions, ok := t.scores[seqID]
	if !ok || position < 0 || position >= len(positions) {
		return 0
	}
	return positions[position]
}

// DecayAll applies one decay step to every tracked position of a sequence
// without new evidence. Called once per evaluation pass so unaccessed
// positions lose rank over time.
func (t *Tracker) DecayAll(seqID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.scores[seqID] {
		t.scores[seqID][i] = s * t.decay
	}
}

// RemoveSequence drops all accumulators of a completed or aborted sequence.
func (t *Tracker) RemoveSequence(seqID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.scores, seqID)
}
