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

package decodecache

import "github.com/llm-d/llm-d-precision-kv-cache/pkg/kvcache/metrics"

type instrumentedCache struct {
	next Cache
}

// newInstrumentedCache wraps a Cache and emits hit/miss metrics.
func newInstrumentedCache(next Cache) Cache {
	return &instrumentedCache{next: next}
}

func (c *instrumentedCache) Get(key Key) (*Decoded, bool) {
	decoded, ok := c.next.Get(key)
	if ok {
		metrics.DecodedCacheHits.Inc()
	} else {
		metrics.DecodedCacheMisses.Inc()
	}
	return decoded, ok
}

func (c *instrumentedCache) Put(key Key, decoded *Decoded) {
	c.next.Put(key, decoded)
}

func (c *instrumentedCache) RemoveSequence(seqID uint64) {
	c.next.RemoveSequence(seqID)
}
