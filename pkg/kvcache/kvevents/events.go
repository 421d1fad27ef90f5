// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvevents

import (
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// EntriesDemotedEventTag is the tag for EntriesDemoted events.
	EntriesDemotedEventTag = "EntriesDemoted"
	// EntriesPrunedEventTag is the tag for EntriesPruned events.
	EntriesPrunedEventTag = "EntriesPruned"
	// SequenceRemovedEventTag is the tag for SequenceRemoved events.
	SequenceRemovedEventTag = "SequenceRemoved"
	// CapacityPressureEventTag is the tag for CapacityPressure events.
	CapacityPressureEventTag = "CapacityPressure"
)

// Event is a marker interface for KV-cache events.
type Event interface {
	isEvent()
	// SeqID returns the sequence the event orders under. Events of the same
	// sequence are delivered in order.
	SeqID() uint64
	// ToTaggedUnion returns the event in tagged-union form for the wire.
	ToTaggedUnion() []any
}

// EventBatch represents a batch of events.
// It is encoded as an array to match vLLM's KV-event format.
type EventBatch struct {
	_                 struct{} `msgpack:",array"`
	TS                float64
	Events            []msgpack.RawMessage
	ConfigFingerprint uint64
}

// EntriesDemoted reports positions moved to a lower-precision tier.
type EntriesDemoted struct {
	_         struct{} `msgpack:",array"`
	Sequence  uint64
	Positions []uint32
	FromTier  string
	ToTier    string
}

func (ev EntriesDemoted) SeqID() uint64 { return ev.Sequence }

func (ev EntriesDemoted) ToTaggedUnion() []any {
	return []any{
		EntriesDemotedEventTag,
		ev.Sequence,
		ev.Positions,
		ev.FromTier,
		ev.ToTier,
	}
}

func (EntriesDemoted) isEvent() {}

// EntriesPruned reports positions evicted outright.
type EntriesPruned struct {
	_         struct{} `msgpack:",array"`
	Sequence  uint64
	Positions []uint32
}

func (ev EntriesPruned) SeqID() uint64 { return ev.Sequence }

func (ev EntriesPruned) ToTaggedUnion() []any {
	return []any{
		EntriesPrunedEventTag,
		ev.Sequence,
		ev.Positions,
	}
}

func (EntriesPruned) isEvent() {}

// SequenceRemoved reports a completed or aborted sequence whose storage was
// released.
type SequenceRemoved struct {
	_        struct{} `msgpack:",array"`
	Sequence uint64
}

func (ev SequenceRemoved) SeqID() uint64 { return ev.Sequence }

func (ev SequenceRemoved) ToTaggedUnion() []any {
	return []any{
		SequenceRemovedEventTag,
		ev.Sequence,
	}
}

func (SequenceRemoved) isEvent() {}

// CapacityPressure reports a rank's pressure after an eviction pass or a
// deferred transition.
type CapacityPressure struct {
	_        struct{} `msgpack:",array"`
	Rank     int
	Pressure float64
	Deferred uint64
}

// SeqID orders pressure events under a single synthetic sequence so they are
// delivered in emission order.
func (CapacityPressure) SeqID() uint64 { return 0 }

func (ev CapacityPressure) ToTaggedUnion() []any {
	return []any{
		CapacityPressureEventTag,
		ev.Rank,
		ev.Pressure,
		ev.Deferred,
	}
}

func (CapacityPressure) isEvent() {}
