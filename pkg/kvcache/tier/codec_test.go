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

package tier_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
)

func testVector(n int, seed float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = seed * float32(math.Sin(float64(i)+float64(seed)))
	}
	return v
}

func TestCodecRoundTripErrorBound(t *testing.T) {
	const headDim = 64

	cases := []struct {
		name string
		bits int
	}{
		{name: "2-bit", bits: 2},
		{name: "4-bit", bits: 4},
		{name: "8-bit", bits: 8},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			desc := tier.Descriptor{Tier: tier.High, KeyBits: c.bits, ValueBits: c.bits, HeadDim: headDim}
			codec, err := tier.NewCodec(desc)
			require.NoError(t, err)

			key := testVector(headDim, 3.5)
			value := testVector(headDim, -1.25)

			packed, err := codec.PackEntry(key, value)
			require.NoError(t, err)
			assert.Len(t, packed, desc.EntryBytes())

			gotKey, gotValue, err := codec.UnpackEntry(packed)
			require.NoError(t, err)

			// Quantization error is bounded by half the affine step.
			keyBound := float64(tier.QuantizationStep(c.bits, key)) / 2
			valueBound := float64(tier.QuantizationStep(c.bits, value)) / 2
			for i := range key {
				assert.InDelta(t, key[i], gotKey[i], keyBound+1e-6)
				assert.InDelta(t, value[i], gotValue[i], valueBound+1e-6)
			}
		})
	}
}

func TestCodecFullPrecisionPassthrough(t *testing.T) {
	const headDim = 16

	desc := tier.Descriptor{
		Tier:      tier.Buffer,
		KeyBits:   tier.FullPrecisionBits,
		ValueBits: tier.FullPrecisionBits,
		HeadDim:   headDim,
	}
	codec, err := tier.NewCodec(desc)
	require.NoError(t, err)

	key := testVector(headDim, 7)
	value := testVector(headDim, 0.001)

	packed, err := codec.PackEntry(key, value)
	require.NoError(t, err)

	gotKey, gotValue, err := codec.UnpackEntry(packed)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, value, gotValue)
}

func TestCodecHalfPrecision(t *testing.T) {
	const headDim = 32

	desc := tier.Descriptor{Tier: tier.High, KeyBits: 16, ValueBits: 16, HeadDim: headDim}
	codec, err := tier.NewCodec(desc)
	require.NoError(t, err)

	key := testVector(headDim, 2)
	value := testVector(headDim, -4)

	packed, err := codec.PackEntry(key, value)
	require.NoError(t, err)
	assert.Len(t, packed, desc.EntryBytes())

	gotKey, gotValue, err := codec.UnpackEntry(packed)
	require.NoError(t, err)
	for i := range key {
		// float16 carries ~3 decimal digits of precision.
		assert.InDelta(t, key[i], gotKey[i], math.Abs(float64(key[i]))*1e-2+1e-4)
		assert.InDelta(t, value[i], gotValue[i], math.Abs(float64(value[i]))*1e-2+1e-4)
	}
}

func TestCodecConstantVector(t *testing.T) {
	const headDim = 8

	desc := tier.Descriptor{Tier: tier.Low, KeyBits: 2, ValueBits: 2, HeadDim: headDim}
	codec, err := tier.NewCodec(desc)
	require.NoError(t, err)

	constant := make([]float32, headDim)
	for i := range constant {
		constant[i] = 0.75
	}

	packed, err := codec.PackEntry(constant, constant)
	require.NoError(t, err)

	gotKey, gotValue, err := codec.UnpackEntry(packed)
	require.NoError(t, err)
	// A zero-range vector quantizes exactly.
	assert.Equal(t, constant, gotKey)
	assert.Equal(t, constant, gotValue)
}

func TestCodecRejectsWrongLength(t *testing.T) {
	desc := tier.Descriptor{Tier: tier.High, KeyBits: 8, ValueBits: 8, HeadDim: 16}
	codec, err := tier.NewCodec(desc)
	require.NoError(t, err)

	_, err = codec.PackEntry(make([]float32, 8), make([]float32, 16))
	assert.Error(t, err)

	_, _, err = codec.UnpackEntry(make([]byte, 3))
	assert.Error(t, err)
}
