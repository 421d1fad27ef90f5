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

// Package tier defines the precision tiers of the KV cache and the stateless
// codec that packs and unpacks key/value tensors at a tier's bit-width.
//
// Three storage tiers exist: Buffer holds the most recent tokens at full
// precision, High holds coarsely compressed entries, Low holds aggressively
// compressed entries. Pruned is a terminal non-storage state.
package tier

import "fmt"

// Tier identifies one precision level of a cached token entry.
type Tier uint8

const (
	// Buffer is the full-precision tier holding the most recent tokens.
	Buffer Tier = iota
	// High is the coarse-compression tier.
	High
	// Low is the aggressive-compression tier.
	Low
	// Pruned is the terminal non-storage state. An entry in this state has
	// no live storage handle and is skipped by attention forever.
	Pruned
)

// String returns a string representation of the Tier.
func (t Tier) String() string {
	switch t {
	case Buffer:
		return "buffer"
	case High:
		return "high"
	case Low:
		return "low"
	case Pruned:
		return "pruned"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Storage reports whether entries at this tier hold a live storage handle.
func (t Tier) Storage() bool {
	return t != Pruned
}

// supportedBits is the set of bit-widths the codec can pack.
var supportedBits = map[int]struct{}{2: {}, 4: {}, 8: {}, 16: {}}

// Descriptor is the static, configuration-derived description of one storage
// tier. Immutable after engine start.
type Descriptor struct {
	// Tier is the precision level this descriptor describes.
	Tier Tier `json:"tier"`
	// KeyBits is the bit-width used to store key tensors.
	KeyBits int `json:"keyBits"`
	// ValueBits is the bit-width used to store value tensors.
	ValueBits int `json:"valueBits"`
	// HeadDim is the number of float elements per token per tensor kind.
	HeadDim int `json:"headDim"`
}

// Validate checks the descriptor against the supported bit-width set.
// Invalid descriptors are a startup failure, never a runtime one.
func (d Descriptor) Validate() error {
	if d.Tier == Pruned {
		return fmt.Errorf("invalid configuration: pruned is not a storage tier")
	}

	// The buffer tier alone may use the full-precision passthrough format.
	if !d.bitsSupported(d.KeyBits) {
		return fmt.Errorf("invalid configuration: key bit-width %d not in {2,4,8,16}", d.KeyBits)
	}
	if !d.bitsSupported(d.ValueBits) {
		return fmt.Errorf("invalid configuration: value bit-width %d not in {2,4,8,16}", d.ValueBits)
	}

	if d.HeadDim <= 0 {
		return fmt.Errorf("invalid configuration: head dimension must be positive, got %d", d.HeadDim)
	}

	return nil
}

func (d Descriptor) bitsSupported(bits int) bool {
	if bits == FullPrecisionBits {
		return d.Tier == Buffer
	}

	_, ok := supportedBits[bits]
	return ok
}

// EntryBytes returns the packed byte size of one token entry (key and value
// tensors plus their scale headers) at this tier. Value receiver so it can be
// called straight off a descriptor map.
func (d Descriptor) EntryBytes() int {
	return packedSize(d.KeyBits, d.HeadDim) + packedSize(d.ValueBits, d.HeadDim)
}

const (
	defaultHeadDim  = 128
	defaultHighBits = 8
	defaultLowBits  = 2
)

// Config holds the bit-width configuration of the compressed tiers. The
// buffer tier is always full precision and is not configurable.
type Config struct {
	// KBitsHigh and VBitsHigh are the key/value bit-widths of the High tier.
	KBitsHigh int `json:"kBitsHigh"`
	VBitsHigh int `json:"vBitsHigh"`
	// KBitsLow and VBitsLow are the key/value bit-widths of the Low tier.
	KBitsLow int `json:"kBitsLow"`
	VBitsLow int `json:"vBitsLow"`
	// HeadDim is the number of float elements per token per tensor kind.
	HeadDim int `json:"headDim"`
}

// DefaultConfig returns a default tier configuration.
func DefaultConfig() *Config {
	return &Config{
		KBitsHigh: defaultHighBits,
		VBitsHigh: defaultHighBits,
		KBitsLow:  defaultLowBits,
		VBitsLow:  defaultLowBits,
		HeadDim:   defaultHeadDim,
	}
}

// Descriptors derives the three storage-tier descriptors from the config,
// validating each. The buffer tier uses the full-precision passthrough
// format.
func (c *Config) Descriptors() (map[Tier]Descriptor, error) {
	descs := map[Tier]Descriptor{
		Buffer: {Tier: Buffer, KeyBits: FullPrecisionBits, ValueBits: FullPrecisionBits, HeadDim: c.HeadDim},
		High:   {Tier: High, KeyBits: c.KBitsHigh, ValueBits: c.VBitsHigh, HeadDim: c.HeadDim},
		Low:    {Tier: Low, KeyBits: c.KBitsLow, ValueBits: c.VBitsLow, HeadDim: c.HeadDim},
	}

	for t, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("failed to derive %s tier descriptor: %w", t, err)
		}
	}

	return descs, nil
}
