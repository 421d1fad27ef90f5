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
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/block"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/migration"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/pressure"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
)

const (
	testBoardKey = "kvcache:pressure"
	testHeadDim  = 8
)

// PrecisionCacheSuite is an end-to-end suite: a tensor-parallel coordinator
// decoding synthetic sequences, reporting pressure to a mock Redis board the
// way a scheduler-visible deployment would.
type PrecisionCacheSuite struct {
	suite.Suite

	ctx         context.Context
	cancel      context.CancelFunc
	server      *miniredis.Miniredis
	rdb         *redis.Client
	config      *kvcache.Config
	coordinator *kvcache.Coordinator
}

// SetupTest starts the mock Redis and a two-rank coordinator before each
// test.
func (s *PrecisionCacheSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	s.server, err = miniredis.Run()
	s.Require().NoError(err)

	s.rdb = redis.NewClient(&redis.Options{Addr: s.server.Addr()})

	s.config = kvcache.NewDefaultConfig()
	s.config.TierConfig = &tier.Config{
		KBitsHigh: 8, VBitsHigh: 8,
		KBitsLow: 2, VBitsLow: 2,
		HeadDim: testHeadDim,
	}
	s.config.PolicyConfig = &migration.Config{
		QuantThreshold:     1.0,
		PruneThreshold:     0.2,
		BufferSize:         4,
		EvaluationInterval: 1,
	}
	s.config.AllocatorConfig = &block.Config{
		PoolSize:             "128KiB",
		GPUMemoryUtilization: 1.0,
		Ratios:               block.TierRatios{Buffer: 0.5, High: 0.3, Low: 0.2},
		EnableSpill:          true,
	}
	s.config.PressureConfig = &pressure.Config{
		RedisConfig: &pressure.RedisConfig{
			Address:  s.server.Addr(),
			BoardKey: testBoardKey,
		},
	}
	s.config.EngineConfig = &kvcache.EngineConfig{
		MaxNumSeqs:          16,
		MaxNumBatchedTokens: 1024,
		TensorParallelSize:  2,
	}

	s.coordinator, err = kvcache.NewCoordinator(s.ctx, s.config)
	s.Require().NoError(err)
}

// TearDownTest stops the mock Redis and cancels the context after each test.
func (s *PrecisionCacheSuite) TearDownTest() {
	if s.rdb != nil {
		s.Require().NoError(s.rdb.Close())
	}
	if s.server != nil {
		s.server.Close()
	}
	s.cancel()
}

func TestPrecisionCacheSuite(t *testing.T) {
	suite.Run(t, new(PrecisionCacheSuite))
}
