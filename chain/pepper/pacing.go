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
	"time"

	"github.com/halibiram/SimpleXray-sub004/common/errors"
)

const (
	// backoffLossThreshold is the smoothed loss rate above which
	// loss-aware backoff engages.
	backoffLossThreshold = 0.1

	// backoffBaselineRTT substitutes for the RTT estimate when no RTT
	// sample has been observed yet.
	backoffBaselineRTT = 100 * time.Millisecond

	// metricsSmoothingFactor is the exponential moving average weight
	// applied to new loss rate and RTT samples.
	metricsSmoothingFactor = 0.1
)

// PacingParams is one immutable pacing configuration epoch. Parameters
// are never mutated in place; UpdateParams installs a replacement set
// wholesale.
type PacingParams struct {

	// TargetRateBps is the target sustained rate in bits per second.
	// 0 means unlimited.
	TargetRateBps uint64

	// MaxBurstBytes bounds the token bucket: bursts up to this many
	// bytes are permitted immediately.
	MaxBurstBytes uint64

	// LossAwareBackoff enables suspension of sends scaled by the
	// observed loss rate and RTT.
	LossAwareBackoff bool

	// EnablePacing gates the whole engine; when false every send is
	// immediately eligible.
	EnablePacing bool

	// MinPacingInterval is the minimum spacing between sends, in
	// nanoseconds.
	MinPacingInterval time.Duration
}

func (params *PacingParams) validate() error {
	if params == nil {
		return errors.TraceNew("missing pacing params")
	}
	if params.EnablePacing && params.TargetRateBps > 0 && params.MaxBurstBytes == 0 {
		return errors.TraceNew("target rate set with zero burst")
	}
	if params.MinPacingInterval < 0 {
		return errors.TraceNew("negative pacing interval")
	}
	return nil
}

// PacingState is the mutable pacing engine state. It has one logical
// owner, the consumer goroutine performing CanSend/UpdateAfterSend;
// parameter changes arrive via atomic replacement of the PacingParams
// pointer, never through this struct.
type PacingState struct {
	nextSendTime   int64
	tokens         uint64
	lastRefillTime int64
	lossRate       float64
	rttEstimate    time.Duration
	inBackoff      bool
	backoffUntil   int64
}

// NewPacingState initializes pacing state for a configuration epoch:
// a full token bucket and no backoff.
func NewPacingState(params *PacingParams, now int64) *PacingState {
	return &PacingState{
		nextSendTime:   now,
		tokens:         params.MaxBurstBytes,
		lastRefillTime: now,
	}
}

// CanSend reports whether a packet of packetSize bytes is eligible to be
// sent at time now (nanoseconds). The gates are checked in order:
// backoff, inter-send spacing, then token bucket. Token refill happens
// here, so calling CanSend advances lastRefillTime even on an ineligible
// result.
func (state *PacingState) CanSend(
	params *PacingParams, packetSize int, now int64) bool {

	if !params.EnablePacing {
		return true
	}

	if state.inBackoff {
		if now < state.backoffUntil {
			return false
		}
		state.inBackoff = false
	}

	if now < state.nextSendTime {
		return false
	}

	if params.TargetRateBps > 0 {

		elapsed := now - state.lastRefillTime
		if elapsed < 0 {
			elapsed = 0
		}
		state.tokens += uint64(elapsed) * params.TargetRateBps / (8 * 1e9)
		if state.tokens > params.MaxBurstBytes {
			state.tokens = params.MaxBurstBytes
		}
		state.lastRefillTime = now

		if state.tokens < uint64(packetSize) {
			return false
		}
	}

	return true
}

// UpdateAfterSend accounts for a sent packet: deducts tokens, schedules
// the next eligible send time, and, when loss-aware backoff is enabled
// and the smoothed loss rate is above threshold, enters backoff for a
// duration scaled by loss rate and RTT.
func (state *PacingState) UpdateAfterSend(
	params *PacingParams, packetSize int, now int64) {

	if params.TargetRateBps > 0 {
		if state.tokens >= uint64(packetSize) {
			state.tokens -= uint64(packetSize)
		} else {
			state.tokens = 0
		}

		// packetSize*8 bits / rate bps, in nanoseconds.
		interval := int64(uint64(packetSize) * 8 * 1e9 / params.TargetRateBps)
		if interval < int64(params.MinPacingInterval) {
			interval = int64(params.MinPacingInterval)
		}
		state.nextSendTime = now + interval

	} else {
		state.nextSendTime = now + int64(params.MinPacingInterval)
	}

	if params.LossAwareBackoff && state.lossRate > backoffLossThreshold {
		rtt := state.rttEstimate
		if rtt <= 0 {
			rtt = backoffBaselineRTT
		}
		backoffFactor := 1.0 + state.lossRate*10.0
		state.backoffUntil = now + int64(float64(rtt)*backoffFactor)
		state.inBackoff = true
	}
}

// UpdateMetrics folds new loss rate and RTT samples into the smoothed
// estimates. A zero RTT sample means no sample is available and leaves
// the RTT estimate untouched.
func (state *PacingState) UpdateMetrics(lossRate float64, rtt time.Duration) {
	state.lossRate = state.lossRate*(1-metricsSmoothingFactor) +
		lossRate*metricsSmoothingFactor
	if rtt > 0 {
		if state.rttEstimate == 0 {
			state.rttEstimate = rtt
		} else {
			state.rttEstimate = time.Duration(
				float64(state.rttEstimate)*(1-metricsSmoothingFactor) +
					float64(rtt)*metricsSmoothingFactor)
		}
	}
}

// LossRate returns the smoothed loss rate estimate.
func (state *PacingState) LossRate() float64 { return state.lossRate }

// RTTEstimate returns the smoothed RTT estimate, 0 when no sample has
// been observed.
func (state *PacingState) RTTEstimate() time.Duration { return state.rttEstimate }

// InBackoff reports whether the engine is currently suppressing sends
// due to loss.
func (state *PacingState) InBackoff() bool { return state.inBackoff }

// nowNano returns the wall clock in nanoseconds, the time base used by
// the pacing engine.
func nowNano() int64 {
	return time.Now().UnixNano()
}
