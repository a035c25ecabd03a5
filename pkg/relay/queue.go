// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

const (
	DefaultMaxFragmentLength = 400
	// DefaultMaxFragmentBytes keeps a PRIVMSG with its command, channel and
	// relayed source prefix inside the 512-byte IRC line.
	DefaultMaxFragmentBytes = 400
	DefaultQueueCapacity    = 100
)

// outboundQueues holds fragments waiting for an identity's session to
// join the channel. It is keyed by identity only and is not safe for
// concurrent use; the Pool guards it with its lock.
type outboundQueues struct {
	capacity int
	queues   map[string][]string
}

func newOutboundQueues(capacity int) *outboundQueues {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &outboundQueues{
		capacity: capacity,
		queues:   make(map[string][]string),
	}
}

// push appends fragment unless the queue is full. The incoming fragment is
// the one dropped so already queued text keeps its order.
func (q *outboundQueues) push(identity, fragment string) bool {
	queue := q.queues[identity]
	if len(queue) >= q.capacity {
		return false
	}
	q.queues[identity] = append(queue, fragment)
	return true
}

// take removes and returns the whole queue for identity.
func (q *outboundQueues) take(identity string) []string {
	queue := q.queues[identity]
	delete(q.queues, identity)
	return queue
}

func (q *outboundQueues) len(identity string) int {
	return len(q.queues[identity])
}

func (q *outboundQueues) total() int {
	n := 0
	for _, queue := range q.queues {
		n += len(queue)
	}
	return n
}
