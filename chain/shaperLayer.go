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
	"fmt"
	"sync"
	"time"

	"github.com/halibiram/SimpleXray-sub004/chain/pepper"
	"github.com/halibiram/SimpleXray-sub004/common"
	"github.com/halibiram/SimpleXray-sub004/common/errors"
)

// shaperLayer owns a pepper shaper engine and the session attached at
// chain start. While the chain is up, the engine is exclusively owned by
// this layer; the host's data plane reaches the session through Engine.
type shaperLayer struct {
	config *ShaperConfig
	logger common.Logger

	mutex  sync.Mutex
	engine *pepper.Engine
	handle int64
}

func newShaperLayer(config *ShaperConfig, logger common.Logger) *shaperLayer {
	return &shaperLayer{
		config: config,
		logger: logger,
	}
}

func (layer *shaperLayer) Name() string {
	return LayerNameShaper
}

func (layer *shaperLayer) pacingParams() *pepper.PacingParams {
	return &pepper.PacingParams{
		TargetRateBps:     layer.config.TargetRateBps,
		MaxBurstBytes:     layer.config.MaxBurstBytes,
		LossAwareBackoff:  layer.config.LossAwareBackoff,
		EnablePacing:      layer.config.EnablePacing,
		MinPacingInterval: time.Duration(layer.config.MinPacingIntervalNs),
	}
}

func (layer *shaperLayer) transportMode() pepper.TransportMode {
	if layer.config.Mode == "datagram" {
		return pepper.ModeDatagram
	}
	return pepper.ModeStream
}

func (layer *shaperLayer) Start(ctx context.Context) error {

	layer.mutex.Lock()
	defer layer.mutex.Unlock()

	if layer.engine != nil {
		return errors.TraceNew("already started")
	}

	engine := pepper.NewEngine(layer.logger)
	engine.Init()

	handle, err := engine.Attach(
		layer.config.ReadEndpoint,
		layer.config.WriteEndpoint,
		layer.transportMode(),
		layer.pacingParams())
	if err != nil {
		engine.Shutdown()
		return errors.Trace(err)
	}

	layer.engine = engine
	layer.handle = handle
	return nil
}

func (layer *shaperLayer) Stop(ctx context.Context) error {

	layer.mutex.Lock()
	engine := layer.engine
	handle := layer.handle
	layer.engine = nil
	layer.handle = 0
	layer.mutex.Unlock()

	if engine == nil {
		return errors.TraceNew("not started")
	}

	engine.Detach(handle)
	engine.Shutdown()
	return nil
}

func (layer *shaperLayer) HealthCheck(ctx context.Context) LayerHealth {

	layer.mutex.Lock()
	engine := layer.engine
	handle := layer.handle
	layer.mutex.Unlock()

	if engine == nil {
		return LayerHealth{Healthy: false, Message: "engine not running"}
	}

	session, ok := engine.Session(handle)
	if !ok || !session.Active() {
		return LayerHealth{Healthy: false, Message: "session not attached"}
	}

	stats := session.Stats()
	return LayerHealth{
		Healthy: true,
		Message: fmt.Sprintf(
			"session attached, queue depth %d, loss %.3f",
			stats.QueueDepth, stats.LossRate),
	}
}

// UpdateParams atomically replaces the attached session's pacing
// configuration. Control-plane call, safe concurrent with the data
// plane.
func (layer *shaperLayer) UpdateParams(params *pepper.PacingParams) bool {
	layer.mutex.Lock()
	engine := layer.engine
	handle := layer.handle
	layer.mutex.Unlock()

	if engine == nil {
		return false
	}
	return engine.UpdateParams(handle, params)
}

// Engine exposes the shaper engine for the host's data plane. Returns
// nil when the layer is not started.
func (layer *shaperLayer) Engine() *pepper.Engine {
	layer.mutex.Lock()
	defer layer.mutex.Unlock()
	return layer.engine
}
