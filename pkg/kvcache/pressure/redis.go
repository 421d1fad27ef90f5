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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultBoardKey = "kvcache:pressure"

// RedisConfig holds the configuration for the Redis pressure board.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `json:"address,omitempty"`
	// BoardKey is the hash key the samples are stored under, one field per
	// rank.
	BoardKey string `json:"boardKey,omitempty"`
}

// DefaultRedisConfig returns a default configuration for the Redis board.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:  "redis://127.0.0.1:6379",
		BoardKey: defaultBoardKey,
	}
}

// RedisReporter implements the Reporter interface using a Redis hash shared
// across replicas.
type RedisReporter struct {
	client   *redis.Client
	boardKey string
}

var _ Reporter = &RedisReporter{}

// NewRedisReporter creates a new RedisReporter instance.
func NewRedisReporter(cfg *RedisConfig) (*RedisReporter, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if cfg.BoardKey == "" {
		cfg.BoardKey = defaultBoardKey
	}

	address := cfg.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	redisOpt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisReporter{
		client:   redisClient,
		boardKey: cfg.BoardKey,
	}, nil
}

// Report publishes one rank's sample under its rank field.
func (r *RedisReporter) Report(ctx context.Context, sample Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal pressure sample: %w", err)
	}

	if err := r.client.HSet(ctx, r.boardKey, strconv.Itoa(sample.Rank), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish pressure sample: %w", err)
	}
	return nil
}

// Snapshot returns the latest sample of every rank.
func (r *RedisReporter) Snapshot(ctx context.Context) ([]Sample, error) {
	fields, err := r.client.HGetAll(ctx, r.boardKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pressure board: %w", err)
	}

	out := make([]Sample, 0, len(fields))
	for rank, payload := range fields {
		var s Sample
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pressure sample for rank %s: %w", rank, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Close releases the Redis client.
func (r *RedisReporter) Close() error {
	return r.client.Close()
}
