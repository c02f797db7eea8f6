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

package chain

import (
	"context"
	"testing"

	"github.com/halibiram/SimpleXray-sub004/chain/pepper"
)

func TestShaperLayerLifecycle(t *testing.T) {

	config := &ShaperConfig{
		ReadEndpoint:     3,
		WriteEndpoint:    4,
		Mode:             "stream",
		TargetRateBps:    8_000_000,
		MaxBurstBytes:    65536,
		EnablePacing:     true,
		LossAwareBackoff: true,
	}

	layer := newShaperLayer(config, newTestLogger())
	ctx := context.Background()

	if layer.Engine() != nil {
		t.Fatalf("engine must be nil before start")
	}

	health := layer.HealthCheck(ctx)
	if health.Healthy {
		t.Fatalf("stopped shaper layer must be unhealthy")
	}

	err := layer.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %s", err)
	}

	err = layer.Start(ctx)
	if err == nil {
		t.Fatalf("expected error starting a started layer")
	}

	health = layer.HealthCheck(ctx)
	if !health.Healthy {
		t.Fatalf("started shaper layer must be healthy: %s", health.Message)
	}

	// The data plane reaches the attached session through the engine.
	engine := layer.Engine()
	if engine == nil {
		t.Fatalf("engine must be available after start")
	}
	if engine.SessionCount() != 1 {
		t.Fatalf("expected one attached session, got %d", engine.SessionCount())
	}

	// Control-plane reconfiguration applies to the live session.
	ok := layer.UpdateParams(&pepper.PacingParams{EnablePacing: false})
	if !ok {
		t.Fatalf("UpdateParams failed")
	}

	err = layer.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %s", err)
	}
	if layer.Engine() != nil {
		t.Fatalf("engine must be nil after stop")
	}

	if layer.UpdateParams(&pepper.PacingParams{}) {
		t.Fatalf("UpdateParams must fail after stop")
	}
}

func TestShaperLayerInvalidConfig(t *testing.T) {

	// Pacing enabled with a zero burst ceiling is rejected at attach.
	config := &ShaperConfig{
		ReadEndpoint:  3,
		WriteEndpoint: 4,
		TargetRateBps: 8_000_000,
		EnablePacing:  true,
	}

	layer := newShaperLayer(config, newTestLogger())

	err := layer.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start failure for invalid pacing params")
	}
	if layer.Engine() != nil {
		t.Fatalf("engine must not leak after failed start")
	}
}
