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
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
)

// Config holds the configuration for the event publishing pool.
type Config struct {
	// Endpoint is the ZMQ address to bind (e.g., "tcp://*:5557").
	Endpoint string `json:"endpoint"`
	// Topic is the topic the batches are published under.
	Topic string `json:"topic"`
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default configuration for the event publishing
// pool.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:    "tcp://*:5557",
		Topic:       "kv@",
		Concurrency: 4,
	}
}

// task carries one queued event. The queue keys items in its dirty and
// processing sets, so they must be pointers: event payloads hold position
// slices and are not comparable.
type task struct {
	event Event
}

// Pool is a sharded worker pool that delivers cache events to a Publisher.
// Events are sharded by sequence id, so events of the same sequence are
// published in the order they were emitted.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*task]
	concurrency int
	publisher   Publisher
	topic       string
	fingerprint uint64
	wg          sync.WaitGroup
}

// NewPool creates a Pool with a sharded worker setup. The fingerprint stamps
// every batch so subscribers can detect configuration drift across ranks.
func NewPool(cfg *Config, publisher Publisher, fingerprint uint64) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*task], cfg.Concurrency),
		concurrency: cfg.Concurrency,
		publisher:   publisher,
		topic:       cfg.Topic,
		fingerprint: fingerprint,
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*task]())
	}

	return p
}

// Start begins the worker pool. It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Starting sharded event publishing pool", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		// Each worker is given its own dedicated queue shard.
		go p.worker(ctx, i)
	}
}

// Shutdown gracefully stops the pool and closes the publisher.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Shutting down event publishing pool...")

	for _, queue := range p.queues {
		queue.ShutDown()
	}

	p.wg.Wait()
	if err := p.publisher.Close(); err != nil {
		logger.Error(err, "Failed to close publisher")
	}
	logger.Info("event publishing pool shut down.")
}

// Publish enqueues an event for delivery. It hashes the sequence id to
// select a queue, ensuring events for the same sequence always go to the
// same worker (ordered queue).
func (p *Pool) Publish(event Event) {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], event.SeqID())

	//nolint:gosec // if concurrency overflows then the world is in trouble anyway
	queueIndex := xxhash.Sum64(seqBytes[:]) % uint64(p.concurrency)
	p.queues[queueIndex].Add(&task{event: event})
}

// worker is the main processing loop for a single worker goroutine.
// It processes events from its dedicated queue using the workqueue pattern.
func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	for {
		item, shutdown := queue.Get()
		if shutdown {
			return
		}

		// Use a nested func to ensure Done is always called.
		func(item *task) {
			defer queue.Done(item)
			if err := p.deliver(ctx, item.event); err != nil {
				klog.FromContext(ctx).Error(err, "Failed to deliver event, retrying")
				queue.AddRateLimited(item)
				return
			}
			queue.Forget(item)
		}(item)

		// Check if context was cancelled after processing a task.
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// deliver wraps one event into a batch and hands it to the publisher.
func (p *Pool) deliver(ctx context.Context, event Event) error {
	batch, err := NewBatch(p.fingerprint, []Event{event})
	if err != nil {
		return fmt.Errorf("failed to build event batch: %w", err)
	}

	return p.publisher.PublishBatch(ctx, p.topic, batch)
}
