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
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-precision-kv-cache/pkg/utils"
	"github.com/llm-d/llm-d-precision-kv-cache/pkg/utils/logging"
)

// Publisher delivers marshalled event batches to subscribers.
type Publisher interface {
	// PublishBatch sends one batch under the given topic.
	PublishBatch(ctx context.Context, topic string, batch *EventBatch) error
	// Close releases the publisher's resources.
	Close() error
}

// zmqPublisher publishes event batches on a ZMQ PUB socket. Frames are
// (topic, big-endian sequence number, msgpack payload), matching the format
// vLLM's KV-event subscribers consume.
type zmqPublisher struct {
	socket *zmq.Socket
	seqNum uint64
}

var _ Publisher = &zmqPublisher{}

// NewZMQPublisher creates a publisher bound to the given endpoint
// (e.g., "tcp://*:5557").
func NewZMQPublisher(endpoint string) (Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}

	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind to %s: %w", endpoint, err)
	}

	return &zmqPublisher{socket: socket}, nil
}

// PublishBatch marshals the batch and sends it under the topic.
func (p *zmqPublisher) PublishBatch(ctx context.Context, topic string, batch *EventBatch) error {
	payload, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}

	// sequence number for ordering
	seq := atomic.AddUint64(&p.seqNum, 1)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)

	if _, err := p.socket.SendMessage(topic, seqBytes, payload); err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", topic, err)
	}

	klog.FromContext(ctx).V(logging.TRACE).Info("published event batch", "topic", topic, "seq", seq,
		"events", len(batch.Events))
	return nil
}

// Close closes the underlying socket.
func (p *zmqPublisher) Close() error {
	return p.socket.Close()
}

// MarshalEvents converts events into the raw tagged-union payloads of an
// EventBatch.
func MarshalEvents(events []Event) ([]msgpack.RawMessage, error) {
	return utils.SliceMapE(events, func(ev Event) (msgpack.RawMessage, error) {
		raw, err := msgpack.Marshal(ev.ToTaggedUnion())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %T event: %w", ev, err)
		}
		return raw, nil
	})
}

// NewBatch assembles an EventBatch stamped with the current time and the
// engine's configuration fingerprint.
func NewBatch(fingerprint uint64, events []Event) (*EventBatch, error) {
	raw, err := MarshalEvents(events)
	if err != nil {
		return nil, err
	}

	return &EventBatch{
		TS:                float64(time.Now().UnixNano()) / float64(time.Second),
		Events:            raw,
		ConfigFingerprint: fingerprint,
	}, nil
}
