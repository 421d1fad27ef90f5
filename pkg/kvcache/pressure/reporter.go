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

// Package pressure publishes per-rank KV memory pressure so the external
// request scheduler can steer admissions without calling into the cache. Two
// backends exist: an in-process board for single-node deployments and a Redis
// board shared across replicas.
package pressure

import (
	"context"
	"fmt"
	"time"
)

// Sample is one rank's pressure report.
type Sample struct {
	// Rank is the tensor-parallel rank the sample describes.
	Rank int `json:"rank"`
	// FootprintBytes is the rank's occupied KV pool bytes.
	FootprintBytes int64 `json:"footprintBytes"`
	// Pressure is the fraction of the rank's KV budget in use.
	Pressure float64 `json:"pressure"`
	// DeferredTransitions counts migrations deferred for lack of capacity
	// since the previous sample.
	DeferredTransitions uint64 `json:"deferredTransitions"`
	// ReportedAt is the time the sample was taken.
	ReportedAt time.Time `json:"reportedAt"`
}

// Reporter is the interface of a pressure board backend.
//
// Reporter operations are thread-safe and can be performed concurrently.
type Reporter interface {
	// Report publishes one rank's sample, replacing the previous one.
	Report(ctx context.Context, sample Sample) error
	// Snapshot returns the latest sample of every rank.
	Snapshot(ctx context.Context) ([]Sample, error)
}

// Config holds the configuration for the pressure board.
// It may configure several backends such as listed within the struct.
// If multiple backends are configured, only the first one will be used.
type Config struct {
	// InMemoryConfig holds the configuration for the in-process board.
	InMemoryConfig *InMemoryConfig `json:"inMemoryConfig"`
	// RedisConfig holds the configuration for the Redis board.
	RedisConfig *RedisConfig `json:"redisConfig"`
}

// DefaultConfig returns a default configuration for the pressure board.
func DefaultConfig() *Config {
	return &Config{
		InMemoryConfig: &InMemoryConfig{},
	}
}

// NewReporter creates a Reporter backend from the config.
func NewReporter(cfg *Config) (Reporter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch {
	case cfg.InMemoryConfig != nil:
		return NewInMemoryReporter(cfg.InMemoryConfig), nil
	case cfg.RedisConfig != nil:
		r, err := NewRedisReporter(cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis pressure board: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("no valid pressure board configuration provided")
	}
}
