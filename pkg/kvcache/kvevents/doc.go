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

//go:build !ignore

// Package kvevents publishes cache lifecycle events (demotions, prunes,
// sequence removals, capacity pressure) over ZMQ as msgpack-encoded
// batches. A sharded worker pool preserves per-sequence event ordering,
// and every batch carries a configuration fingerprint so subscribers can
// detect drift between ranks.
package kvevents
