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

Package chain implements the tunnel chain supervisor: an ordered stack of
independently-failing layers (SOCKS front end, QUIC transport, traffic
shaper, routing core) started, monitored, and torn down as one coherent,
recoverable pipeline.

*/
package chain

import (
	"context"
	"time"
)

// Layer names, in chain dependency order.
const (
	LayerNameSocksFrontend = "socks-frontend"
	LayerNameQuicTransport = "quic-transport"
	LayerNameShaper        = "shaper"
	LayerNameRoutingCore   = "routing-core"
)

// Layer is the uniform contract every chain layer implements. The
// supervisor depends only on this contract; it never inspects a concrete
// layer. Start, Stop, and HealthCheck must honor the context deadline:
// the supervisor treats a timed-out call as a failure for that layer, not
// as an indefinitely blocked state.
type Layer interface {

	// Name returns the layer's fixed name.
	Name() string

	// Start brings the layer up. It must either complete or fail within
	// the context deadline, and must not leave partial state behind on
	// failure.
	Start(ctx context.Context) error

	// Stop tears the layer down. Best effort: the supervisor logs and
	// skips a layer that fails to stop.
	Stop(ctx context.Context) error

	// HealthCheck reports the layer's current health. It is called
	// concurrently with other layers' checks and must not block beyond
	// the context deadline.
	HealthCheck(ctx context.Context) LayerHealth
}

// LayerHealth is one layer's last known health.
type LayerHealth struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checkedAt"`
}
