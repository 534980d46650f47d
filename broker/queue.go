// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package broker

import (
	"sync"

	"github.com/orbitfleet/gateway/types"
)

// DefaultQueueSize is the outbound queue capacity used when none is configured
var DefaultQueueSize = 16

// PublishQueue holds commands while the broker connection is down. The queue
// is bounded; adding to a full queue drops the oldest command and reports its
// ID on the Dropped channel.
type PublishQueue struct {
	mu       sync.Mutex
	size     int
	messages []*types.CommandMessage
	dropped  chan string
}

// NewPublishQueue returns a queue with the given capacity
func NewPublishQueue(size int) *PublishQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &PublishQueue{
		size:    size,
		dropped: make(chan string, size),
	}
}

// Add queues a command, dropping the oldest one on overflow
func (q *PublishQueue) Add(message *types.CommandMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) >= q.size {
		oldest := q.messages[0]
		q.messages = q.messages[1:]
		select {
		case q.dropped <- oldest.CommandID:
		default:
		}
	}
	q.messages = append(q.messages, message)
}

// Drain removes and returns all queued commands
func (q *PublishQueue) Drain() []*types.CommandMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	messages := q.messages
	q.messages = nil
	return messages
}

// Dropped delivers the IDs of commands dropped on overflow
func (q *PublishQueue) Dropped() <-chan string {
	return q.dropped
}
