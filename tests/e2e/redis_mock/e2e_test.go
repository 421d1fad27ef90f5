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

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"encoding/json"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/pressure"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
)

func (s *PrecisionCacheSuite) decodeSteps(seqIDs []uint64, steps int, weight float64) {
	for step := 0; step < steps; step++ {
		for rank := 0; rank < s.coordinator.Ranks(); rank++ {
			engine := s.coordinator.Engine(rank)
			engine.BeginStep()

			for _, seqID := range seqIDs {
				key := make([]float32, testHeadDim)
				value := make([]float32, testHeadDim)
				for i := range key {
					key[i] = float32(step) + float32(i)*0.5
					value[i] = float32(step) - float32(i)*0.5
				}

				position, err := engine.AppendToken(s.ctx, seqID, key, value)
				s.Require().NoError(err)
				for p := 0; p < position; p++ {
					engine.RecordAccess(seqID, p, weight)
				}
				s.Require().NoError(engine.EndStep(s.ctx, seqID))
			}
		}
	}
}

// TestPressureBoardE2E runs a synthetic decode across both ranks and checks
// that the pressure samples land on the Redis board, both through the
// Reporter interface and as raw hash fields an external scheduler would
// read.
func (s *PrecisionCacheSuite) TestPressureBoardE2E() {
	s.decodeSteps([]uint64{1, 2}, 12, 0.1)
	s.Require().NoError(s.coordinator.RunEvictionPass(s.ctx))

	samples, err := s.coordinator.Engine(0).Reporter().Snapshot(s.ctx)
	s.Require().NoError(err)
	s.Len(samples, 2, "expected one sample per rank")
	for _, sample := range samples {
		s.Positive(sample.FootprintBytes)
		s.Positive(sample.Pressure)
	}

	fields, err := s.rdb.HGetAll(s.ctx, testBoardKey).Result()
	s.Require().NoError(err)
	s.Len(fields, 2, "expected one board field per rank")

	var decoded pressure.Sample
	s.Require().NoError(json.Unmarshal([]byte(fields["0"]), &decoded))
	s.Equal(0, decoded.Rank)
	s.Positive(decoded.FootprintBytes)
}

// TestMixedTierDecodingE2E verifies that after a low-attention run the cache
// holds a genuine precision mix and that the gather view still serves every
// resident position.
func (s *PrecisionCacheSuite) TestMixedTierDecodingE2E() {
	const seqID = uint64(1)
	s.decodeSteps([]uint64{seqID}, 16, 0.5)

	engine := s.coordinator.Engine(0)
	counts := map[tier.Tier]int{}
	for _, entry := range engine.Entries(seqID) {
		counts[entry.Tier]++
	}
	s.Positive(counts[tier.Buffer], "recent positions must stay at full precision")
	s.Positive(counts[tier.Low], "aged low-importance positions must be requantized")

	positions := make([]int, 0, 16)
	for p := 0; p < 16; p++ {
		positions = append(positions, p)
	}
	items, err := engine.Gather(s.ctx, seqID, positions)
	s.Require().NoError(err)
	s.Len(items, 16-counts[tier.Pruned], "pruned positions are absent, everything else decodes")

	for _, item := range items {
		s.Len(item.Key, testHeadDim)
		s.Len(item.Value, testHeadDim)
	}
}
