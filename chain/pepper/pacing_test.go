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
	"testing"
	"time"
)

func TestPacingFreshBucket(t *testing.T) {

	params := &PacingParams{
		TargetRateBps: 1_000_000,
		MaxBurstBytes: 65536,
		EnablePacing:  true,
	}

	now := int64(1_000_000_000)

	for _, packetSize := range []int{1, 100, 1500, 65536} {
		state := NewPacingState(params, now)
		if !state.CanSend(params, packetSize, now) {
			t.Fatalf(
				"fresh bucket: packet of %d bytes should be eligible",
				packetSize)
		}
	}

	// A packet larger than the burst allowance is never eligible.
	state := NewPacingState(params, now)
	if state.CanSend(params, 65537, now) {
		t.Fatalf("packet above burst allowance should not be eligible")
	}
}

func TestPacingDisabled(t *testing.T) {

	params := &PacingParams{EnablePacing: false}
	state := NewPacingState(params, 0)

	for i := 0; i < 100; i++ {
		if !state.CanSend(params, 1<<20, int64(i)) {
			t.Fatalf("pacing disabled: every send should be eligible")
		}
	}
}

func TestPacingExampleScenario(t *testing.T) {

	// 1000 bytes at 8 Mbps: interval = 1000*8e9/8e6 = 1,000,000 ns.

	params := &PacingParams{
		TargetRateBps:     8_000_000,
		MaxBurstBytes:     65536,
		EnablePacing:      true,
		MinPacingInterval: 0,
	}

	now := int64(5_000_000_000)
	state := NewPacingState(params, now)

	if !state.CanSend(params, 1000, now) {
		t.Fatalf("1000-byte packet with full tokens should be eligible")
	}

	state.UpdateAfterSend(params, 1000, now)

	if state.tokens != 65536-1000 {
		t.Fatalf("expected 64536 tokens, got %d", state.tokens)
	}
	if state.nextSendTime != now+1_000_000 {
		t.Fatalf(
			"expected next send time %d, got %d",
			now+1_000_000, state.nextSendTime)
	}

	// Just before the computed interval elapses, not eligible.
	if state.CanSend(params, 1000, now+999_999) {
		t.Fatalf("send before pacing interval should not be eligible")
	}
	if !state.CanSend(params, 1000, now+1_000_000) {
		t.Fatalf("send at pacing interval should be eligible")
	}
}

func TestPacingMinInterval(t *testing.T) {

	params := &PacingParams{
		EnablePacing:      true,
		MinPacingInterval: 50 * time.Microsecond,
	}

	now := int64(0)
	state := NewPacingState(params, now)

	state.UpdateAfterSend(params, 1, now)
	if state.nextSendTime != int64(50*time.Microsecond) {
		t.Fatalf("expected min interval spacing, got %d", state.nextSendTime)
	}
}

func TestPacingRateConvergence(t *testing.T) {

	// Drive the gate with a virtual clock as fast as it permits and
	// check the achieved throughput converges to the target rate.

	targetRateBps := uint64(8_000_000) // 1 MB/s
	params := &PacingParams{
		TargetRateBps: targetRateBps,
		MaxBurstBytes: 16384,
		EnablePacing:  true,
	}

	packetSize := 1200
	now := int64(0)
	state := NewPacingState(params, now)

	simulated := int64(10 * time.Second)
	step := int64(100 * time.Microsecond)
	bytesSent := uint64(0)

	for ; now < simulated; now += step {
		for state.CanSend(params, packetSize, now) {
			state.UpdateAfterSend(params, packetSize, now)
			bytesSent += uint64(packetSize)
		}
	}

	achievedBps := float64(bytesSent*8) / (float64(simulated) / float64(time.Second))
	ratio := achievedBps / float64(targetRateBps)
	if ratio < 0.95 || ratio > 1.05 {
		t.Fatalf(
			"achieved rate %.0f bps not within 5%% of target %d bps",
			achievedBps, targetRateBps)
	}
}

func TestPacingLossAwareBackoff(t *testing.T) {

	params := &PacingParams{
		TargetRateBps:    8_000_000,
		MaxBurstBytes:    65536,
		EnablePacing:     true,
		LossAwareBackoff: true,
	}

	now := int64(0)
	state := NewPacingState(params, now)

	// Below threshold: one 100% loss sample smooths to exactly 0.1,
	// which does not exceed the threshold.
	state.UpdateMetrics(1.0, 0)
	state.UpdateAfterSend(params, 1000, now)
	if state.inBackoff {
		t.Fatalf("loss at threshold should not trigger backoff")
	}

	// Push the smoothed loss rate above 0.1.
	state.UpdateMetrics(1.0, 0)
	state.UpdateAfterSend(params, 1000, now)
	if !state.inBackoff {
		t.Fatalf("smoothed loss above threshold should trigger backoff")
	}

	// No RTT sample yet: backoff duration uses the 100 ms baseline
	// scaled by (1 + 10*lossRate), which is strictly positive.
	minBackoff := int64(backoffBaselineRTT)
	if state.backoffUntil <= now+minBackoff {
		t.Fatalf(
			"backoff end %d should exceed baseline %d",
			state.backoffUntil, now+minBackoff)
	}

	if state.CanSend(params, 1000, now+1) {
		t.Fatalf("send during backoff should not be eligible")
	}

	// Backoff clears once the deadline passes.
	if !state.CanSend(params, 1000, state.backoffUntil) {
		t.Fatalf("send after backoff should be eligible")
	}
	if state.inBackoff {
		t.Fatalf("backoff flag should clear after deadline")
	}

	// Backoff duration scales with loss rate: a higher smoothed loss
	// produces a longer backoff.
	lowLoss := NewPacingState(params, now)
	lowLoss.UpdateMetrics(1.0, 0)
	lowLoss.UpdateMetrics(1.0, 0)
	lowLoss.UpdateAfterSend(params, 1000, now)

	highLoss := NewPacingState(params, now)
	for i := 0; i < 20; i++ {
		highLoss.UpdateMetrics(1.0, 0)
	}
	highLoss.UpdateAfterSend(params, 1000, now)

	if highLoss.backoffUntil <= lowLoss.backoffUntil {
		t.Fatalf("backoff should scale with loss rate")
	}
}

func TestPacingMetrics(t *testing.T) {

	state := &PacingState{}

	// Zero RTT samples are skipped, not folded into the average.
	state.UpdateMetrics(0.5, 0)
	if state.rttEstimate != 0 {
		t.Fatalf("zero RTT sample should not set the estimate")
	}

	state.UpdateMetrics(0.5, 100*time.Millisecond)
	if state.rttEstimate != 100*time.Millisecond {
		t.Fatalf("first RTT sample should initialize the estimate")
	}

	state.UpdateMetrics(0.5, 200*time.Millisecond)
	expected := time.Duration(
		float64(100*time.Millisecond)*0.9 + float64(200*time.Millisecond)*0.1)
	if state.rttEstimate != expected {
		t.Fatalf(
			"expected smoothed RTT %s, got %s", expected, state.rttEstimate)
	}

	// Loss rate EMA with factor 0.1.
	lossState := &PacingState{}
	lossState.UpdateMetrics(1.0, 0)
	if lossState.lossRate < 0.0999 || lossState.lossRate > 0.1001 {
		t.Fatalf("expected smoothed loss 0.1, got %f", lossState.lossRate)
	}
}
