/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package pepper implements the traffic shaping engine used by the chain: a
single-producer/single-consumer byte ring buffer, a token-bucket pacer with
loss-aware backoff, and the session/engine lifecycle which binds them to
data-plane endpoints.

*/
package pepper

import (
	"sync/atomic"

	"github.com/halibiram/SimpleXray-sub004/common/errors"
)

const (
	ringCacheLineSize = 64
	maxRingCapacity   = 64 * 1024 * 1024
)

// ringBuffer is the storage shared by exactly one RingProducer and one
// RingConsumer. Positions are monotonic byte counts; the buffer offset is
// position mod capacity. The wrap-generation sequence counters mirror the
// positions and act as an ABA cross-check: a sequence observed to change
// while the peer cursor is being read indicates the peer raced the same
// observation, and the read is retried.
//
// The producer-owned and consumer-owned cursors live on separate cache
// lines so the two threads do not false-share.
type ringBuffer struct {
	writePos atomic.Uint64
	writeSeq atomic.Uint32
	_        [ringCacheLineSize - 12]byte
	readPos  atomic.Uint64
	readSeq  atomic.Uint32
	_        [ringCacheLineSize - 12]byte
	capacity uint64
	data     []byte
}

// RingProducer is the single enqueuing handle for a ring buffer. It must
// be used from at most one goroutine at a time.
type RingProducer struct {
	ring *ringBuffer
}

// RingConsumer is the single dequeuing handle for a ring buffer. It must
// be used from at most one goroutine at a time.
type RingConsumer struct {
	ring *ringBuffer
}

// NewRingBuffer allocates a fixed-capacity ring buffer and returns its
// only producer and consumer handles. The single-producer/single-consumer
// discipline is enforced by construction: no further handles can be
// obtained.
func NewRingBuffer(capacity int) (*RingProducer, *RingConsumer, error) {
	if capacity <= 0 || capacity > maxRingCapacity {
		return nil, nil, errors.Tracef(
			"invalid capacity: %d (must be 1-%d)", capacity, maxRingCapacity)
	}
	ring := &ringBuffer{
		capacity: uint64(capacity),
		data:     make([]byte, capacity),
	}
	return &RingProducer{ring: ring}, &RingConsumer{ring: ring}, nil
}

// peerCursor loads a peer position/sequence pair, retrying while the peer
// publishes a wrap concurrently with the read.
func peerCursor(pos *atomic.Uint64, seq *atomic.Uint32) uint64 {
	for {
		s := seq.Load()
		p := pos.Load()
		if seq.Load() == s {
			return p
		}
	}
}

// Enqueue copies up to len(data) bytes into the ring and returns the
// number of bytes written. A full ring yields 0; the write is never
// partial-and-blocking.
func (producer *RingProducer) Enqueue(data []byte) int {
	if len(data) == 0 {
		return 0
	}

	ring := producer.ring
	writePos := ring.writePos.Load()
	readPos := peerCursor(&ring.readPos, &ring.readSeq)

	used := writePos - readPos
	free := ring.capacity - used
	if free == 0 {
		return 0
	}

	toWrite := uint64(len(data))
	if toWrite > free {
		toWrite = free
	}

	offset := writePos % ring.capacity
	firstPart := ring.capacity - offset
	if firstPart > toWrite {
		firstPart = toWrite
	}
	copy(ring.data[offset:offset+firstPart], data[:firstPart])
	if firstPart < toWrite {
		copy(ring.data[:toWrite-firstPart], data[firstPart:toWrite])
	}

	newWritePos := writePos + toWrite
	if newWritePos/ring.capacity > writePos/ring.capacity {
		ring.writeSeq.Add(1)
	}
	ring.writePos.Store(newWritePos)

	return int(toWrite)
}

// Dequeue copies up to len(data) queued bytes out of the ring and returns
// the number of bytes read. An empty ring yields 0.
func (consumer *RingConsumer) Dequeue(data []byte) int {
	if len(data) == 0 {
		return 0
	}

	ring := consumer.ring
	readPos := ring.readPos.Load()
	writePos := peerCursor(&ring.writePos, &ring.writeSeq)

	used := writePos - readPos
	if used == 0 {
		return 0
	}

	toRead := uint64(len(data))
	if toRead > used {
		toRead = used
	}

	offset := readPos % ring.capacity
	firstPart := ring.capacity - offset
	if firstPart > toRead {
		firstPart = toRead
	}
	copy(data[:firstPart], ring.data[offset:offset+firstPart])
	if firstPart < toRead {
		copy(data[firstPart:toRead], ring.data[:toRead-firstPart])
	}

	newReadPos := readPos + toRead
	if newReadPos/ring.capacity > readPos/ring.capacity {
		ring.readSeq.Add(1)
	}
	ring.readPos.Store(newReadPos)

	return int(toRead)
}

func (ring *ringBuffer) used() int {
	writePos := peerCursor(&ring.writePos, &ring.writeSeq)
	readPos := peerCursor(&ring.readPos, &ring.readSeq)
	used := writePos - readPos
	if used > ring.capacity {
		// Transient cross-generation observation; clamp rather than
		// report an impossible depth.
		used = ring.capacity
	}
	return int(used)
}

// Used returns the number of queued bytes.
func (producer *RingProducer) Used() int { return producer.ring.used() }

// Used returns the number of queued bytes.
func (consumer *RingConsumer) Used() int { return consumer.ring.used() }

// Available returns the remaining capacity in bytes.
func (producer *RingProducer) Available() int {
	return int(producer.ring.capacity) - producer.ring.used()
}

// Available returns the remaining capacity in bytes.
func (consumer *RingConsumer) Available() int {
	return int(consumer.ring.capacity) - consumer.ring.used()
}

// Capacity returns the fixed capacity in bytes.
func (producer *RingProducer) Capacity() int { return int(producer.ring.capacity) }

// Capacity returns the fixed capacity in bytes.
func (consumer *RingConsumer) Capacity() int { return int(consumer.ring.capacity) }
