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

package pepper

import (
	"sync/atomic"
	"time"
)

// TransportMode selects the framing of the endpoint pair a session is
// attached to.
type TransportMode int

const (
	ModeStream TransportMode = iota
	ModeDatagram
)

func (mode TransportMode) String() string {
	switch mode {
	case ModeStream:
		return "stream"
	case ModeDatagram:
		return "datagram"
	}
	return "unknown"
}

// Endpoints identifies the data-plane read and write endpoints a session
// is bound to. Endpoints are opaque non-negative identifiers supplied by
// the host; the session does not perform I/O on them itself.
type Endpoints struct {
	Read  int
	Write int
}

// QueueStats holds a session's monotonically increasing traffic
// counters. Counters may be read from any goroutine.
type QueueStats struct {
	bytesEnqueued        atomic.Uint64
	bytesDequeued        atomic.Uint64
	packetsEnqueued      atomic.Uint64
	packetsDequeued      atomic.Uint64
	packetsDropped       atomic.Uint64
	bytesDropped         atomic.Uint64
	packetsRetransmitted atomic.Uint64
}

// QueueStatsSnapshot is a point-in-time copy of a session's counters and
// derived gauges.
type QueueStatsSnapshot struct {
	BytesEnqueued        uint64
	BytesDequeued        uint64
	PacketsEnqueued      uint64
	PacketsDequeued      uint64
	PacketsDropped       uint64
	BytesDropped         uint64
	PacketsRetransmitted uint64
	QueueDepth           int
	LossRate             float64
	AverageRTT           time.Duration
}

// ShaperSession binds one ring buffer and one pacing state to an
// endpoint pair. The producer side is driven by the host's reader
// goroutine via Enqueue; the consumer side is driven by a single sender
// goroutine via Dequeue/CanSend/UpdateAfterSend. Parameter updates
// arrive from the control plane as a single atomic pointer swap.
type ShaperSession struct {
	handle    int64
	endpoints Endpoints
	mode      TransportMode
	active    atomic.Bool
	producer  *RingProducer
	consumer  *RingConsumer
	params    atomic.Pointer[PacingParams]
	pacing    *PacingState
	stats     QueueStats

	// The smoothed metrics are mirrored into atomics so Stats can be
	// read from any goroutine without touching consumer-owned state.
	metricsLossRate atomic.Uint64
	metricsRTT      atomic.Int64
}

func newShaperSession(
	handle int64,
	endpoints Endpoints,
	mode TransportMode,
	params *PacingParams,
	queueCapacity int) (*ShaperSession, error) {

	producer, consumer, err := NewRingBuffer(queueCapacity)
	if err != nil {
		return nil, err
	}

	session := &ShaperSession{
		handle:    handle,
		endpoints: endpoints,
		mode:      mode,
		producer:  producer,
		consumer:  consumer,
		pacing:    NewPacingState(params, nowNano()),
	}
	session.params.Store(params)
	session.active.Store(true)
	return session, nil
}

// Handle returns the opaque session handle.
func (session *ShaperSession) Handle() int64 { return session.handle }

// Mode returns the session's transport mode.
func (session *ShaperSession) Mode() TransportMode { return session.mode }

// Endpoints returns the endpoint pair the session is bound to.
func (session *ShaperSession) Endpoints() Endpoints { return session.endpoints }

// Active reports whether the session is attached.
func (session *ShaperSession) Active() bool { return session.active.Load() }

// Enqueue queues payload bytes on the producer side. Bytes that do not
// fit are counted as dropped, never silently lost from accounting.
// Returns the number of bytes queued; 0 indicates a full queue.
func (session *ShaperSession) Enqueue(data []byte) int {
	if !session.active.Load() {
		return 0
	}
	written := session.producer.Enqueue(data)
	session.stats.bytesEnqueued.Add(uint64(written))
	session.stats.packetsEnqueued.Add(1)
	if written < len(data) {
		session.stats.bytesDropped.Add(uint64(len(data) - written))
		session.stats.packetsDropped.Add(1)
	}
	return written
}

// Dequeue removes queued bytes on the consumer side. Returns the number
// of bytes copied; 0 indicates an empty queue.
func (session *ShaperSession) Dequeue(data []byte) int {
	read := session.consumer.Dequeue(data)
	if read > 0 {
		session.stats.bytesDequeued.Add(uint64(read))
		session.stats.packetsDequeued.Add(1)
	}
	return read
}

// CanSend consults the pacing gate for a packet of packetSize bytes.
// Consumer goroutine only.
func (session *ShaperSession) CanSend(packetSize int, now int64) bool {
	return session.pacing.CanSend(session.params.Load(), packetSize, now)
}

// UpdateAfterSend accounts for a completed send. Consumer goroutine only.
func (session *ShaperSession) UpdateAfterSend(packetSize int, now int64) {
	session.pacing.UpdateAfterSend(session.params.Load(), packetSize, now)
}

// UpdateMetrics folds in loss and RTT observations. Consumer goroutine
// only; the smoothed values are mirrored into atomics for Stats readers.
func (session *ShaperSession) UpdateMetrics(lossRate float64, rtt time.Duration) {
	session.pacing.UpdateMetrics(lossRate, rtt)
	session.metricsLossRate.Store(uint64(session.pacing.LossRate() * 1e9))
	session.metricsRTT.Store(int64(session.pacing.RTTEstimate()))
}

// RecordRetransmit counts a retransmitted packet.
func (session *ShaperSession) RecordRetransmit() {
	session.stats.packetsRetransmitted.Add(1)
}

// Stats returns a snapshot of the session's counters and gauges. Safe to
// call from any goroutine.
func (session *ShaperSession) Stats() QueueStatsSnapshot {
	return QueueStatsSnapshot{
		BytesEnqueued:        session.stats.bytesEnqueued.Load(),
		BytesDequeued:        session.stats.bytesDequeued.Load(),
		PacketsEnqueued:      session.stats.packetsEnqueued.Load(),
		PacketsDequeued:      session.stats.packetsDequeued.Load(),
		PacketsDropped:       session.stats.packetsDropped.Load(),
		BytesDropped:         session.stats.bytesDropped.Load(),
		PacketsRetransmitted: session.stats.packetsRetransmitted.Load(),
		QueueDepth:           session.consumer.Used(),
		LossRate:             float64(session.metricsLossRate.Load()) / 1e9,
		AverageRTT:           time.Duration(session.metricsRTT.Load()),
	}
}

// setParams installs a new parameter epoch. The swap is atomic with
// respect to the consumer's CanSend/UpdateAfterSend: the consumer
// observes either the old set or the new set, never a mixture.
func (session *ShaperSession) setParams(params *PacingParams) {
	session.params.Store(params)
}

// drain discards any queued bytes, accounting them as dropped.
func (session *ShaperSession) drain() {
	var scratch [4096]byte
	for {
		read := session.consumer.Dequeue(scratch[:])
		if read == 0 {
			break
		}
		session.stats.bytesDropped.Add(uint64(read))
	}
}
