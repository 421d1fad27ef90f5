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

package block

import "errors"

var (
	// ErrOutOfMemory is returned when a tier's pool and any borrowable idle
	// capacity are exhausted. Growth beyond the preallocated pools is a
	// capacity failure, not a silent reallocation.
	ErrOutOfMemory = errors.New("kv pool out of memory")

	// ErrDoubleRelease is returned when a handle is freed twice or read after
	// release. It indicates a bug in the caller, not a recoverable condition.
	ErrDoubleRelease = errors.New("storage handle released twice")
)
