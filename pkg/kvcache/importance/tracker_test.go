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

package importance_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/importance"
)

func newTracker(t *testing.T, decay float64) *importance.Tracker {
	t.Helper()

	tracker, err := importance.NewTracker(&importance.Config{Decay: decay})
	require.NoError(t, err)
	return tracker
}

func TestNeverAccessedScoresZero(t *testing.T) {
	tracker := newTracker(t, 0.9)

	assert.Zero(t, tracker.ScoreOf(1, 0))
	assert.Zero(t, tracker.ScoreOf(1, 100))
	assert.Zero(t, tracker.ScoreOf(999, 0))
}

func TestExponentialAccumulation(t *testing.T) {
	tracker := newTracker(t, 0.5)

	tracker.RecordAccess(1, 0, 1.0)
	assert.InDelta(t, 0.5, tracker.ScoreOf(1, 0), 1e-12)

	tracker.RecordAccess(1, 0, 1.0)
	assert.InDelta(t, 0.75, tracker.ScoreOf(1, 0), 1e-12)

	// A zero-weight observation decays the score.
	tracker.RecordAccess(1, 0, 0)
	assert.InDelta(t, 0.375, tracker.ScoreOf(1, 0), 1e-12)
}

func TestScoresNeverNegative(t *testing.T) {
	tracker := newTracker(t, 0.9)

	tracker.RecordAccess(1, 0, -5)
	assert.GreaterOrEqual(t, tracker.ScoreOf(1, 0), 0.0)
}

func TestDecayAll(t *testing.T) {
	tracker := newTracker(t, 0.5)

	tracker.RecordAccess(1, 0, 1.0)
	tracker.RecordAccess(1, 3, 1.0)
	before0 := tracker.ScoreOf(1, 0)
	before3 := tracker.ScoreOf(1, 3)

	tracker.DecayAll(1)
	assert.InDelta(t, before0*0.5, tracker.ScoreOf(1, 0), 1e-12)
	assert.InDelta(t, before3*0.5, tracker.ScoreOf(1, 3), 1e-12)

	// Positions in between that were never accessed stay at zero.
	assert.Zero(t, tracker.ScoreOf(1, 1))
}

func TestSequenceIsolation(t *testing.T) {
	tracker := newTracker(t, 0.5)

	tracker.RecordAccess(1, 0, 1.0)
	tracker.RecordAccess(2, 0, 0.2)

	assert.Greater(t, tracker.ScoreOf(1, 0), tracker.ScoreOf(2, 0))

	tracker.RemoveSequence(1)
	assert.Zero(t, tracker.ScoreOf(1, 0))
	assert.Positive(t, tracker.ScoreOf(2, 0))
}

func TestConcurrentSequences(t *testing.T) {
	tracker := newTracker(t, 0.9)

	const sequences = 8
	const accesses = 500

	var wg sync.WaitGroup
	wg.Add(sequences)
	for s := 0; s < sequences; s++ {
		go func(seqID uint64) {
			defer wg.Done()
			for i := 0; i < accesses; i++ {
				tracker.RecordAccess(seqID, i%16, 0.5)
			}
		}(uint64(s))
	}
	wg.Wait()

	for s := uint64(0); s < sequences; s++ {
		assert.Positive(t, tracker.ScoreOf(s, 0))
	}
}

func TestInvalidDecay(t *testing.T) {
	_, err := importance.NewTracker(&importance.Config{Decay: 1.0})
	assert.Error(t, err)

	_, err = importance.NewTracker(&importance.Config{Decay: -0.1})
	assert.Error(t, err)
}
