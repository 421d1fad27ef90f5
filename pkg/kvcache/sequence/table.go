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

// Package sequence implements the per-request cache table: an ordered mapping
// from logical token position to (tier, storage handle) for every in-flight
// sequence, plus the physical side of tier migration.
//
// Logical positions are stable for the life of a sequence. Pruning removes an
// entry's storage and presence, never its position: later positions are not
// renumbered, so attention callers must treat cache length as the count of
// non-pruned entries.
package sequence

import (
	"fmt"
	"sync"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/block"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/decodecache"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/tier"
)

// Entry is one position's cache record. Exactly one storage handle is live
// per entry at any instant; a tier transition atomically installs the new
// handle and releases the old one.
type Entry struct {
	// Position is the entry's logical position, monotonic per sequence.
	Position int
	// Tier is the entry's current precision tier.
	Tier tier.Tier
	// Handle is the live storage handle. Invalid iff Tier is Pruned.
	Handle block.Handle
	// LastAccessStep is the decode step at which the position was last read.
	LastAccessStep uint64
	// Revision distinguishes storage incarnations across tier moves.
	Revision uint32
}

// GatherItem is one decoded position returned to the attention kernel.
type GatherItem struct {
	Position int
	Tier     tier.Tier
	Key      []float32
	Value    []float32
}

// seqState is the mutable state of one sequence. All access goes through mu.
type seqState struct {
	mu      sync.Mutex
	entries []Entry
	step    uint64
}

// Table owns the sequence cache tables of all in-flight sequences and
// executes physical tier moves against the allocator. Operations on
// different sequences are independent and may run concurrently.
type Table struct {
	allocator *block.Allocator
	codecs    map[tier.Tier]*tier.Codec
	decoded   decodecache.Cache // may be nil

	mu   sync.RWMutex
	seqs map[uint64]*seqState
}

// NewTable creates a Table over the given allocator and tier descriptors.
// The decoded cache is optional.
func NewTable(alloc *block.Allocator, descs map[tier.Tier]tier.Descriptor,
	decoded decodecache.Cache,
) (*Table, error) {
	codecs := make(map[tier.Tier]*tier.Codec, len(descs))
	for t, desc := range descs {
		codec, err := tier.NewCodec(desc)
		if err != nil {
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
		codecs[t] = codec
	}

	return &Table{
		allocator: alloc,
		codecs:    codecs,
		decoded:   decoded,
		seqs:      make(map[uint64]*seqState),
	}, nil
}

func (tb *Table) state(seqID uint64) *seqState {
	tb.mu.RLock()
	s, ok := tb.seqs[seqID]
	tb.mu.RUnlock()
	if ok {
		return s
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if s, ok = tb.seqs[seqID]; !ok {
		s = &seqState{}
		tb.seqs[seqID] = s
	}
	return s
}

// Append stores a new token's key/value at the buffer tier and returns its
// logical position. A new token's KV must always be stored somewhere, so an
// exhausted buffer pool propagates block.ErrOutOfMemory to the caller.
func (tb *Table) Append(seqID uint64, key, value []float32) (int, error) {
	packed, err := tb.codecs[tier.Buffer].PackEntry(key, value)
	if err != nil {
		return 0, fmt.Errorf("failed to append to sequence %d: %w", seqID, err)
	}

	s := tb.state(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := tb.allocator.Allocate(tier.Buffer)
	if err != nil {
		return 0, fmt.Errorf("failed to append to sequence %d: %w", seqID, err)
	}
	if err := tb.allocator.Write(h, packed); err != nil {
		return 0, fmt.Errorf("failed to append to sequence %d: %w", seqID, err)
	}

	position := len(s.entries)
	s.entries = append(s.entries, Entry{
		Position:       position,
		Tier:           tier.Buffer,
		Handle:         h,
		LastAccessStep: s.step,
		Revision:       1,
	})

	return position, nil
}

// Gather decodes the requested positions for attention. Pruned positions are
// simply absent from the result; the remaining items follow the order the
// positions were requested in.
func (tb *Table) Gather(seqID uint64, positions []int) ([]GatherItem, error) {
	s := tb.state(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]GatherItem, 0, len(positions))
	for _, pos := range positions {
		if pos < 0 || pos >= len(s.entries) {
			return nil, fmt.Errorf("position %d out of range for sequence %d", pos, seqID)
		}

		entry := &s.entries[pos]
		if entry.Tier == tier.Pruned {
			continue
		}

		key, value, err := tb.decode(seqID, entry)
		if err != nil {
			return nil, fmt.Errorf("failed to gather sequence %d position %d: %w", seqID, pos, err)
		}

		entry.LastAccessStep = s.step
		items = append(items, GatherItem{
			Position: pos,
			Tier:     entry.Tier,
			Key:      key,
			Value:    value,
		})
	}

	return items, nil
}

// decode reads and unpacks one entry, going through the decoded cache when
// one is configured. Callers hold the sequence lock.
func (tb *Table) decode(seqID uint64, entry *Entry) ([]float32, []float32, error) {
	var cacheKey decodecache.Key
	if tb.decoded != nil {
		cacheKey = decodecache.Key{
			SeqID:    seqID,
			Position: entry.Position,
			Tier:     entry.Tier,
			Revision: entry.Revision,
		}
		if d, ok := tb.decoded.Get(cacheKey); ok {
			return d.Key, d.Value, nil
		}
	}

	packed, err := tb.allocator.Read(entry.Handle)
	if err != nil {
		return nil, nil, err
	}

	key, value, err := tb.codecs[entry.Tier].UnpackEntry(packed)
	if err != nil {
		return nil, nil, err
	}

	if tb.decoded != nil {
		tb.decoded.Put(cacheKey, &decodecache.Decoded{Key: key, Value: value})
	}

	return key, value, nil
}

// Retier moves one entry to the target tier: decode at the current tier,
// re-encode with calibration against the decoded values, install the new
// handle, release the old one. Retier to Pruned releases storage outright.
//
// An allocation failure in the target tier leaves the entry untouched at its
// current tier and returns block.ErrOutOfMemory so the caller can defer.
func (tb *Table) Retier(seqID uint64, position int, target tier.Tier) error {
	s := tb.state(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if position < 0 || position >= len(s.entries) {
		return fmt.Errorf("position %d out of range for sequence %d", position, seqID)
	}

	entry := &s.entries[position]
	if entry.Tier == tier.Pruned {
		return fmt.Errorf("sequence %d position %d is pruned and cannot transition", seqID, position)
	}
	if target == entry.Tier {
		return nil
	}

	if target == tier.Pruned {
		if err := tb.allocator.Free(entry.Handle); err != nil {
			return fmt.Errorf("failed to prune sequence %d position %d: %w", seqID, position, err)
		}
		entry.Tier = tier.Pruned
		entry.Handle = block.Handle{}
		entry.Revision++
		return nil
	}

	key, value, err := tb.decode(seqID, entry)
	if err != nil {
		return fmt.Errorf("failed to retier sequence %d position %d: %w", seqID, position, err)
	}

	packed, err := tb.codecs[target].PackEntry(key, value)
	if err != nil {
		return fmt.Errorf("failed to retier sequence %d position %d: %w", seqID, position, err)
	}

	// Allocate before free: on failure the entry keeps its current storage.
	newHandle, err := tb.allocator.Allocate(target)
	if err != nil {
		return fmt.Errorf("failed to retier sequence %d position %d: %w", seqID, position, err)
	}
	if err := tb.allocator.Write(newHandle, packed); err != nil {
		return fmt.Errorf("failed to retier sequence %d position %d: %w", seqID, position, err)
	}

	oldHandle := entry.Handle
	entry.Tier = target
	entry.Handle = newHandle
	entry.Revision++

	if err := tb.allocator.Free(oldHandle); err != nil {
		// The new handle is already installed; a failed release of the old
		// one is an invariant violation, not a recoverable state.
		return fmt.Errorf("failed to release old storage of sequence %d position %d: %w",
			seqID, position, err)
	}

	return nil
}

// Entries returns a snapshot of a sequence's entries for policy evaluation.
func (tb *Table) Entries(seqID uint64) []Entry {
	s := tb.state(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Length returns the number of appended positions, pruned included.
func (tb *Table) Length(seqID uint64) int {
	s := tb.state(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// LiveLength returns the number of non-pruned positions.
func (tb *Table) LiveLength(seqID uint64) int {
	s := tb.state(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()

	live := 0
	for i := range s.entries {
		if s.entries[i].Tier != tier.Pruned {
			live++
		}
	}
	return live
}

// Footprint returns the bytes of pool storage held by a sequence's live
// entries, counted at the owning pool's block size.
func (tb *Table) Footprint(seqID uint64) int64 {
	s := tb.state(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var bytes int64
	for i := range s.entries {
		if s.entries[i].Tier != tier.Pruned {
			bytes += int64(tb.allocator.BlockBytes(s.entries[i].Handle.Pool))
		}
	}
	return bytes
}

// AdvanceStep increments the sequence's decode step counter.
func (tb *Table) AdvanceStep(seqID uint64) uint64 {
	s := tb.state(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step++
	return s.step
}

// Step returns the sequence's current decode step.
func (tb *Table) Step(seqID uint64) uint64 {
	s := tb.state(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// RemoveSequence releases all storage of a completed or aborted sequence and
// forgets it. Safe to call for unknown sequences.
func (tb *Table) RemoveSequence(seqID uint64) error {
	tb.mu.Lock()
	s, ok := tb.seqs[seqID]
	if ok {
		delete(tb.seqs, seqID)
	}
	tb.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].Tier == tier.Pruned {
			continue
		}
		if err := tb.allocator.Free(s.entries[i].Handle); err != nil {
			return fmt.Errorf("failed to remove sequence %d: %w", seqID, err)
		}
	}
	s.entries = nil

	if tb.decoded != nil {
		tb.decoded.RemoveSequence(seqID)
	}

	return nil
}

// SequenceIDs returns the ids of all known sequences.
func (tb *Table) SequenceIDs() []uint64 {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	ids := make([]uint64, 0, len(tb.seqs))
	for id := range tb.seqs {
		ids = append(ids, id)
	}
	return ids
}
