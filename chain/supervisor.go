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
	"sync"
	"sync/atomic"
	"time"

	"github.com/halibiram/SimpleXray-sub004/common"
	"github.com/halibiram/SimpleXray-sub004/common/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ChainState is the supervisor's lifecycle state.
type ChainState int

const (
	ChainStateStopped ChainState = iota
	ChainStateStarting
	ChainStateRunning
	ChainStateDegraded
	ChainStateStopping
)

func (state ChainState) String() string {
	switch state {
	case ChainStateStopped:
		return "STOPPED"
	case ChainStateStarting:
		return "STARTING"
	case ChainStateRunning:
		return "RUNNING"
	case ChainStateDegraded:
		return "DEGRADED"
	case ChainStateStopping:
		return "STOPPING"
	}
	return "UNKNOWN"
}

// ChainStatus is an immutable snapshot of the chain's state and every
// active layer's last known health. Observers receive snapshots and
// never mutate them.
type ChainStatus struct {
	Name           string        `json:"name"`
	State          ChainState    `json:"state"`
	Layers         []LayerHealth `json:"layers"`
	OverallHealthy bool          `json:"overallHealthy"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Supervisor orchestrates an ordered list of layers through the chain
// state machine: ordered start with rollback, reverse-order best-effort
// stop, periodic concurrent health polling, and degrade/recover
// transitions. A layer failure is always converted into status data and
// never terminates the supervisor's own control loop.
type Supervisor struct {
	config *Config
	logger common.Logger
	layers []Layer

	mutex         sync.Mutex
	stateCond     *sync.Cond
	state         ChainState
	started       []Layer
	lastHealth    map[string]LayerHealth
	degradedPolls int
	stopRequested bool
	startCancel   context.CancelFunc
	pollCancel    context.CancelFunc
	pollWaitGroup *sync.WaitGroup

	unhealthyLogLimiter *rate.Limiter

	subscriberMutex  sync.Mutex
	subscribers      map[int]chan ChainStatus
	nextSubscriberID int
	latestStatus     atomic.Pointer[ChainStatus]
}

// NewSupervisor initializes a supervisor over the layers present in the
// committed config, in chain dependency order. Absent layer configs are
// skipped.
func NewSupervisor(config *Config, logger common.Logger) (*Supervisor, error) {

	if !config.IsCommitted() {
		return nil, errors.TraceNew("uncommitted config")
	}

	var layers []Layer
	if config.SocksFrontend != nil {
		layers = append(layers, newSocksFrontend(config, logger))
	}
	if config.QuicTransport != nil {
		layers = append(layers, newQuicTransport(config.QuicTransport, logger))
	}
	if config.Shaper != nil {
		layers = append(layers, newShaperLayer(config.Shaper, logger))
	}
	if config.RoutingCore != nil {
		layers = append(layers, newRoutingCore(config.RoutingCore, logger))
	}

	return newSupervisor(config, logger, layers)
}

// newSupervisor is the constructor over explicit layers, used directly
// by tests.
func newSupervisor(
	config *Config, logger common.Logger, layers []Layer) (*Supervisor, error) {

	if len(layers) == 0 {
		return nil, errors.TraceNew("no layers configured")
	}

	supervisor := &Supervisor{
		config:        config,
		logger:        logger,
		layers:        layers,
		state:         ChainStateStopped,
		lastHealth:    make(map[string]LayerHealth),
		pollWaitGroup: new(sync.WaitGroup),

		// Unhealthy-layer log lines are damped so a persistently
		// failing layer cannot flood the diagnostics collaborator.
		unhealthyLogLimiter: rate.NewLimiter(rate.Every(10*time.Second), 3),

		subscribers: make(map[int]chan ChainStatus),
	}
	supervisor.stateCond = sync.NewCond(&supervisor.mutex)
	supervisor.publishStatus(supervisor.buildStatus())
	return supervisor, nil
}

// Start brings up every configured layer in dependency order. Valid only
// from STOPPED; a Start arriving during STARTING or STOPPING fails
// immediately with a busy indication. Partial start is never left
// running: if any layer fails, already-started layers are stopped in
// reverse order and the chain returns to STOPPED with an error.
func (supervisor *Supervisor) Start() error {

	supervisor.mutex.Lock()
	switch supervisor.state {
	case ChainStateStarting, ChainStateStopping:
		state := supervisor.state
		supervisor.mutex.Unlock()
		return errors.Tracef("busy: chain is %s", state)
	case ChainStateRunning, ChainStateDegraded:
		supervisor.mutex.Unlock()
		return errors.TraceNew("chain already running")
	}
	supervisor.state = ChainStateStarting
	supervisor.stopRequested = false
	supervisor.lastHealth = make(map[string]LayerHealth)
	startCtx, startCancel := context.WithCancel(context.Background())
	supervisor.startCancel = startCancel
	status := supervisor.buildStatusLocked()
	supervisor.mutex.Unlock()
	defer startCancel()

	supervisor.publishStatus(status)

	var started []Layer
	var startErr error

	for _, layer := range supervisor.layers {

		// A concurrent Stop interrupts the start sequence between
		// layers.
		if supervisor.isStopRequested() {
			startErr = errors.TraceNew("start interrupted by stop")
			break
		}

		ctx, cancel := context.WithTimeout(
			startCtx, supervisor.config.layerStartTimeout())
		err := layer.Start(ctx)
		cancel()

		if err != nil {
			startErr = errors.TraceMsg(
				err, "layer "+layer.Name()+" failed to start")
			break
		}

		started = append(started, layer)
		supervisor.logger.WithTraceFields(
			common.LogFields{"layer": layer.Name()}).Info("layer started")
	}

	if startErr == nil && supervisor.isStopRequested() {
		startErr = errors.TraceNew("start interrupted by stop")
	}

	if startErr != nil {

		supervisor.logger.WithTrace().Warning(startErr)

		// Roll back already-started layers in reverse order.
		for i := len(started) - 1; i >= 0; i-- {
			supervisor.stopLayer(started[i])
		}

		supervisor.mutex.Lock()
		supervisor.state = ChainStateStopped
		supervisor.startCancel = nil
		status := supervisor.buildStatusLocked()
		supervisor.stateCond.Broadcast()
		supervisor.mutex.Unlock()
		supervisor.publishStatus(status)

		return startErr
	}

	supervisor.mutex.Lock()
	supervisor.started = started
	supervisor.state = ChainStateRunning
	supervisor.degradedPolls = 0
	supervisor.startCancel = nil

	// Seed health entries: every layer just started successfully.
	now := time.Now()
	for _, layer := range started {
		supervisor.lastHealth[layer.Name()] = LayerHealth{
			Name:      layer.Name(),
			Healthy:   true,
			Message:   "started",
			CheckedAt: now,
		}
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	supervisor.pollCancel = pollCancel
	supervisor.pollWaitGroup.Add(1)
	go supervisor.healthPollLoop(pollCtx)

	status = supervisor.buildStatusLocked()
	supervisor.stateCond.Broadcast()
	supervisor.mutex.Unlock()
	supervisor.publishStatus(status)

	supervisor.logger.WithTraceFields(
		common.LogFields{"chain": supervisor.config.ChainName}).Info(
		"chain running")

	return nil
}

// Stop tears the chain down: layers are stopped in reverse start order,
// best effort, and the chain always reaches STOPPED. Valid from any
// state except STOPPED. A Stop arriving during STARTING interrupts the
// start sequence and waits for the resulting rollback to complete.
func (supervisor *Supervisor) Stop() error {

	supervisor.mutex.Lock()

	if supervisor.state == ChainStateStopped {
		supervisor.mutex.Unlock()
		return errors.TraceNew("chain not running")
	}

	// Interrupt an in-progress start between layer startups and wait
	// for it to settle: either the rollback reaches STOPPED, or the
	// start won the race and reached RUNNING, in which case the normal
	// teardown below proceeds.
	for supervisor.state == ChainStateStarting {
		supervisor.stopRequested = true
		if supervisor.startCancel != nil {
			supervisor.startCancel()
		}
		supervisor.stateCond.Wait()
	}

	// Another Stop is already tearing down; wait for it to finish.
	for supervisor.state == ChainStateStopping {
		supervisor.stateCond.Wait()
	}

	if supervisor.state == ChainStateStopped {
		supervisor.mutex.Unlock()
		return nil
	}

	// RUNNING or DEGRADED.

	supervisor.state = ChainStateStopping
	pollCancel := supervisor.pollCancel
	supervisor.pollCancel = nil
	started := supervisor.started
	supervisor.started = nil
	status := supervisor.buildStatusLocked()
	supervisor.mutex.Unlock()
	supervisor.publishStatus(status)

	if pollCancel != nil {
		pollCancel()
	}
	supervisor.pollWaitGroup.Wait()

	for i := len(started) - 1; i >= 0; i-- {
		supervisor.stopLayer(started[i])
	}

	supervisor.mutex.Lock()
	supervisor.state = ChainStateStopped
	supervisor.degradedPolls = 0
	status = supervisor.buildStatusLocked()
	supervisor.stateCond.Broadcast()
	supervisor.mutex.Unlock()
	supervisor.publishStatus(status)

	supervisor.logger.WithTraceFields(
		common.LogFields{"chain": supervisor.config.ChainName}).Info(
		"chain stopped")

	return nil
}

// stopLayer stops one layer with a bounded timeout. A stop failure is
// logged and skipped, never fatal to the overall teardown.
func (supervisor *Supervisor) stopLayer(layer Layer) {

	ctx, cancel := context.WithTimeout(
		context.Background(), supervisor.config.layerStopTimeout())
	defer cancel()

	err := layer.Stop(ctx)
	if err != nil {
		supervisor.logger.WithTraceFields(common.LogFields{
			"layer": layer.Name(),
			"error": err,
		}).Warning("layer failed to stop, skipping")
		return
	}

	supervisor.logger.WithTraceFields(
		common.LogFields{"layer": layer.Name()}).Info("layer stopped")
}

func (supervisor *Supervisor) isStopRequested() bool {
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	return supervisor.stopRequested
}

// State returns the current chain state.
func (supervisor *Supervisor) State() ChainState {
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	return supervisor.state
}

func (supervisor *Supervisor) healthPollLoop(ctx context.Context) {
	defer supervisor.pollWaitGroup.Done()

	ticker := time.NewTicker(supervisor.config.healthPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			supervisor.pollHealth(ctx)
		}
	}
}

// pollHealth queries every active layer concurrently, each check bounded
// by its own timeout so a hung layer cannot stall the others, then
// applies the degrade/recover transitions.
func (supervisor *Supervisor) pollHealth(ctx context.Context) {

	supervisor.mutex.Lock()
	if supervisor.state != ChainStateRunning &&
		supervisor.state != ChainStateDegraded {
		supervisor.mutex.Unlock()
		return
	}
	layers := make([]Layer, len(supervisor.started))
	copy(layers, supervisor.started)
	supervisor.mutex.Unlock()

	results := make([]LayerHealth, len(layers))
	group, _ := errgroup.WithContext(ctx)
	for i, layer := range layers {
		i, layer := i, layer
		group.Go(func() error {
			results[i] = supervisor.checkLayerHealth(ctx, layer)
			return nil
		})
	}
	_ = group.Wait()

	supervisor.mutex.Lock()

	if supervisor.state != ChainStateRunning &&
		supervisor.state != ChainStateDegraded {
		// Torn down while checks were in flight.
		supervisor.mutex.Unlock()
		return
	}

	allHealthy := true
	for _, health := range results {
		supervisor.lastHealth[health.Name] = health
		if !health.Healthy {
			allHealthy = false
			if supervisor.unhealthyLogLimiter.Allow() {
				supervisor.logger.WithTraceFields(common.LogFields{
					"layer":   health.Name,
					"message": health.Message,
				}).Warning("layer unhealthy")
			}
		}
	}

	teardown := false

	if allHealthy {
		if supervisor.state == ChainStateDegraded {
			supervisor.state = ChainStateRunning
			supervisor.logger.WithTrace().Info("chain recovered")
		}
		supervisor.degradedPolls = 0
	} else {
		if supervisor.state == ChainStateRunning {
			supervisor.state = ChainStateDegraded
			supervisor.logger.WithTrace().Warning("chain degraded")
		}
		supervisor.degradedPolls++

		// An unrecoverable chain must not masquerade as available:
		// exceed the retry budget and the chain is torn down.
		if supervisor.degradedPolls == supervisor.config.DegradedRetryBudget+1 {
			teardown = true
		}
	}

	status := supervisor.buildStatusLocked()
	supervisor.mutex.Unlock()
	supervisor.publishStatus(status)

	if teardown {
		supervisor.logger.WithTrace().Error(
			"degraded beyond retry budget, tearing down chain")
		go func() {
			err := supervisor.Stop()
			if err != nil {
				supervisor.logger.WithTrace().Warning(err)
			}
		}()
	}
}

// checkLayerHealth runs one layer's health check, bounding it even when
// the layer ignores cancellation.
func (supervisor *Supervisor) checkLayerHealth(
	ctx context.Context, layer Layer) LayerHealth {

	checkCtx, cancel := context.WithTimeout(
		ctx, supervisor.config.healthCheckTimeout())
	defer cancel()

	resultChannel := make(chan LayerHealth, 1)
	go func() {
		resultChannel <- layer.HealthCheck(checkCtx)
	}()

	select {
	case health := <-resultChannel:
		health.Name = layer.Name()
		health.CheckedAt = time.Now()
		return health
	case <-checkCtx.Done():
		return LayerHealth{
			Name:      layer.Name(),
			Healthy:   false,
			Message:   "health check timeout",
			CheckedAt: time.Now(),
		}
	}
}
