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
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// configFingerprint computes a uint64 digest (lower 64 bits of SHA256) of
// the precision-relevant configuration. Ranks with different fingerprints
// would produce incompatible caches; the fingerprint is stamped onto every
// published event batch so subscribers can detect the drift.
func configFingerprint(cfg *Config) (uint64, error) {
	payload := []interface{}{
		cfg.TierConfig.KBitsHigh, cfg.TierConfig.VBitsHigh,
		cfg.TierConfig.KBitsLow, cfg.TierConfig.VBitsLow,
		cfg.TierConfig.HeadDim,
		cfg.PolicyConfig.QuantThreshold, cfg.PolicyConfig.PruneThreshold,
		cfg.PolicyConfig.BufferSize,
		cfg.TrackerConfig.Decay,
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return 0, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	b, err := encMode.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload to CBOR: %w", err)
	}

	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[24:]), nil
}
