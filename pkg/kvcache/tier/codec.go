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

package tier

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// FullPrecisionBits is the bit-width of the buffer tier's passthrough format.
const FullPrecisionBits = 32

// scaleHeaderBytes is the per-tensor header holding the affine calibration
// (scale and minimum, both float32) for sub-byte and 8-bit formats.
const scaleHeaderBytes = 8

// Codec packs and unpacks one tier's key/value tensors. It is stateless and
// safe for concurrent use; calibration is computed per call from the source
// values at the moment of demotion.
type Codec struct {
	desc Descriptor
}

// NewCodec returns a Codec for the given descriptor.
func NewCodec(desc Descriptor) (*Codec, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	return &Codec{desc: desc}, nil
}

// Descriptor returns the descriptor the codec was built from.
func (c *Codec) Descriptor() Descriptor {
	return c.desc
}

// PackEntry packs one token's key and value vectors into a single byte slice
// laid out as [packed key | packed value].
func (c *Codec) PackEntry(key, value []float32) ([]byte, error) {
	if len(key) != c.desc.HeadDim || len(value) != c.desc.HeadDim {
		return nil, fmt.Errorf("failed to pack entry: expected %d elements, got key=%d value=%d",
			c.desc.HeadDim, len(key), len(value))
	}

	buf := make([]byte, 0, c.desc.EntryBytes())
	buf = packVector(buf, c.desc.KeyBits, key)
	buf = packVector(buf, c.desc.ValueBits, value)
	return buf, nil
}

// UnpackEntry reverses PackEntry, reconstructing approximate key and value
// vectors. Reconstruction error is bounded by half the quantization step of
// the respective bit-width.
func (c *Codec) UnpackEntry(packed []byte) (key, value []float32, err error) {
	keyBytes := packedSize(c.desc.KeyBits, c.desc.HeadDim)
	if len(packed) != c.desc.EntryBytes() {
		return nil, nil, fmt.Errorf("failed to unpack entry: expected %d bytes, got %d",
			c.desc.EntryBytes(), len(packed))
	}

	key = unpackVector(packed[:keyBytes], c.desc.KeyBits, c.desc.HeadDim)
	value = unpackVector(packed[keyBytes:], c.desc.ValueBits, c.desc.HeadDim)
	return key, value, nil
}

// QuantizationStep returns the affine step size the given values would be
// quantized with at the given bit-width. Zero for passthrough formats.
func QuantizationStep(bits int, values []float32) float32 {
	if bits >= 16 || len(values) == 0 {
		return 0
	}

	lo, hi := minMax(values)
	return (hi - lo) / float32(levels(bits))
}

// packedSize returns the packed byte size of an n-element vector at the given
// bit-width.
func packedSize(bits, n int) int {
	switch bits {
	case FullPrecisionBits:
		return 4 * n
	case 16:
		return 2 * n
	default:
		// Sub-byte and 8-bit values are packed into 32-bit words, as in the
		// AWQ weight layout.
		factor := packFactor(bits)
		words := (n + factor - 1) / factor
		return scaleHeaderBytes + 4*words
	}
}

// packFactor is the number of quantized elements per 32-bit word.
func packFactor(bits int) int {
	return 32 / bits
}

// levels is the number of representable quantization levels minus one.
func levels(bits int) uint32 {
	return (1 << bits) - 1
}

func minMax(values []float32) (lo, hi float32) {
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// packVector appends the packed representation of values at the given
// bit-width to buf.
func packVector(buf []byte, bits int, values []float32) []byte {
	switch bits {
	case FullPrecisionBits:
		for _, v := range values {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		return buf
	case 16:
		for _, v := range values {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(float16.Fromfloat32(v)))
		}
		return buf
	default:
		return packAffine(buf, bits, values)
	}
}

// packAffine quantizes values with per-call min/max calibration and packs the
// integer codes into 32-bit words.
func packAffine(buf []byte, bits int, values []float32) []byte {
	lo, hi := minMax(values)
	maxCode := levels(bits)
	scale := (hi - lo) / float32(maxCode)

	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(scale))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(lo))

	factor := packFactor(bits)
	var word uint32
	inWord := 0
	for _, v := range values {
		var code uint32
		if scale > 0 {
			code = uint32(math.Round(float64((v - lo) / scale)))
			if code > maxCode {
				code = maxCode
			}
		}

		word |= code << (bits * inWord)
		inWord++
		if inWord == factor {
			buf = binary.LittleEndian.AppendUint32(buf, word)
			word, inWord = 0, 0
		}
	}
	if inWord > 0 {
		buf = binary.LittleEndian.AppendUint32(buf, word)
	}

	return buf
}

// unpackVector reconstructs an n-element vector from its packed form.
func unpackVector(packed []byte, bits, n int) []float32 {
	values := make([]float32, n)

	switch bits {
	case FullPrecisionBits:
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(packed[4*i:]))
		}
	case 16:
		for i := range values {
			values[i] = float16.Float16(binary.LittleEndian.Uint16(packed[2*i:])).Float32()
		}
	default:
		scale := math.Float32frombits(binary.LittleEndian.Uint32(packed[0:]))
		lo := math.Float32frombits(binary.LittleEndian.Uint32(packed[4:]))

		factor := packFactor(bits)
		mask := levels(bits)
		for i := range values {
			word := binary.LittleEndian.Uint32(packed[scaleHeaderBytes+4*(i/factor):])
			code := (word >> (bits * (i % factor))) & mask
			values[i] = lo + float32(code)*scale
		}
	}

	return values
}
