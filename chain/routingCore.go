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
	"net"
	"time"

	"github.com/halibiram/SimpleXray-sub004/common"
	"github.com/halibiram/SimpleXray-sub004/common/errors"
)

// routingCore supervises the externally-run routing core process over
// its local API address. The core's process lifecycle belongs to the
// host; this layer only verifies reachability, so start and health are
// bounded probes and stop is a no-op on the remote side.
type routingCore struct {
	config *RoutingCoreConfig
	logger common.Logger
}

func newRoutingCore(config *RoutingCoreConfig, logger common.Logger) *routingCore {
	return &routingCore{
		config: config,
		logger: logger,
	}
}

func (core *routingCore) Name() string {
	return LayerNameRoutingCore
}

func (core *routingCore) Start(ctx context.Context) error {
	_, err := core.probe(ctx)
	if err != nil {
		return errors.TraceMsg(err, "routing core not reachable")
	}
	core.logger.WithTraceFields(common.LogFields{
		"api": core.config.APIAddress,
	}).Info("routing core reachable")
	return nil
}

func (core *routingCore) Stop(ctx context.Context) error {
	// The core process is externally owned; there is nothing to tear
	// down on this side.
	return nil
}

func (core *routingCore) HealthCheck(ctx context.Context) LayerHealth {

	latency, err := core.probe(ctx)
	if err != nil {
		return LayerHealth{
			Healthy: false,
			Message: fmt.Sprintf("API probe failed: %s", err),
		}
	}

	return LayerHealth{
		Healthy: true,
		Message: fmt.Sprintf("API reachable, latency %s", latency),
	}
}

func (core *routingCore) probe(ctx context.Context) (time.Duration, error) {

	start := time.Now()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", core.config.APIAddress)
	if err != nil {
		return 0, errors.Trace(err)
	}
	conn.Close()

	return time.Since(start), nil
}
