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

// Package migration holds the tier-transition decision core. It is pure
// decision logic, kept separate from allocation so threshold tie-breaks and
// check ordering stay auditable and testable in isolation.
//
// The per-entry state machine:
//
//	BUFFER --(ages out of the buffer window)--> HIGH
//	HIGH   --(score < quant threshold)--------> LOW
//	HIGH   --(quant disabled, score < prune)--> PRUNED
//	LOW    --(score < prune threshold)--------> PRUNED
//	PRUNED is terminal.
//
// Transitions advance at most one state per evaluation pass: an entry whose
// score is below both thresholds demotes HIGH->LOW in one pass and becomes
// eligible for LOW->PRUNED no earlier than the next. This makes the ordering
// of the two checks deterministic when both could apply at once.
package migration

import (
	"fmt"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
)

const (
	defaultBufferSize = 128
	defaultInterval   = 1
)

// Config holds the configuration for the migration policy.
type Config struct {
	// QuantThreshold is the score below which a HIGH entry is requantized at
	// LOW precision. 0 disables the HIGH->LOW transition.
	QuantThreshold float64 `json:"quantThreshold"`
	// PruneThreshold is the score below which an entry is evicted outright.
	// 0 disables pruning.
	PruneThreshold float64 `json:"pruneThreshold"`
	// BufferSize is the buffer window length in tokens: the most recent
	// BufferSize positions of a sequence are exempt from demotion.
	BufferSize int `json:"bufferSize"`
	// EvaluationInterval is the number of decode steps between evaluation
	// passes. 1 evaluates every step.
	EvaluationInterval int `json:"evaluationInterval"`
}

// DefaultConfig returns a default configuration for the migration policy.
func DefaultConfig() *Config {
	return &Config{
		QuantThreshold:     0,
		PruneThreshold:     0,
		BufferSize:         defaultBufferSize,
		EvaluationInterval: defaultInterval,
	}
}

func (c *Config) validate() error {
	if c.QuantThreshold < 0 || c.PruneThreshold < 0 {
		return fmt.Errorf("invalid configuration: thresholds must be non-negative, got quant=%f prune=%f",
			c.QuantThreshold, c.PruneThreshold)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("invalid configuration: buffer size must be positive, got %d", c.BufferSize)
	}
	if c.EvaluationInterval <= 0 {
		return fmt.Errorf("invalid configuration: evaluation interval must be positive, got %d",
			c.EvaluationInterval)
	}
	return nil
}

// Input is the per-entry evidence a decision is made from.
type Input struct {
	// Current is the entry's tier at the start of the pass.
	Current tier.Tier
	// Score is the entry's importance score.
	Score float64
	// WithinBuffer reports whether the entry's position is among the most
	// recent BufferSize positions of its sequence.
	WithinBuffer bool
}

// rule is one row of the transition table. Rows are evaluated in order; the
// first matching row wins.
type rule struct {
	from  tier.Tier
	guard func(p *Policy, in Input) bool
	to    tier.Tier
}

// transitions is the ordered transition table of the state machine above.
var transitions = []rule{
	// Aging out of the buffer window is unconditional; importance is not
	// consulted for the first demotion.
	{
		from:  tier.Buffer,
		guard: func(_ *Policy, in Input) bool { return !in.WithinBuffer },
		to:    tier.High,
	},
	{
		from:  tier.High,
		guard: func(p *Policy, in Input) bool { return p.quantEnabled() && in.Score < p.cfg.QuantThreshold },
		to:    tier.Low,
	},
	// Direct HIGH->PRUNED exists only when quantization is disabled;
	// otherwise the LOW tier is always visited first.
	{
		from: tier.High,
		guard: func(p *Policy, in Input) bool {
			return !p.quantEnabled() && p.pruneEnabled() && in.Score < p.cfg.PruneThreshold
		},
		to: tier.Pruned,
	},
	{
		from:  tier.Low,
		guard: func(p *Policy, in Input) bool { return p.pruneEnabled() && in.Score < p.cfg.PruneThreshold },
		to:    tier.Pruned,
	},
}

// Policy decides tier transitions from importance evidence and thresholds.
// It holds no entry state and is safe for concurrent use.
type Policy struct {
	cfg Config
}

// NewPolicy creates a Policy from the given config.
func NewPolicy(cfg *Config) (*Policy, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to create migration policy: %w", err)
	}

	return &Policy{cfg: *cfg}, nil
}

// Config returns the policy's configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Decide returns the tier the entry should hold after this evaluation pass.
// Entries inside the buffer window always keep their tier. A score exactly
// equal to a threshold does not cross it (strict <), so entries do not
// oscillate at the boundary.
func (p *Policy) Decide(in Input) tier.Tier {
	if in.WithinBuffer {
		return in.Current
	}

	for _, r := range transitions {
		if r.from == in.Current && r.guard(p, in) {
			return r.to
		}
	}

	return in.Current
}

func (p *Policy) quantEnabled() bool {
	return p.cfg.QuantThreshold > 0
}

func (p *Policy) pruneEnabled() bool {
	return p.cfg.PruneThreshold > 0
}
