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
	"time"
)

const subscriberBufferSize = 16

// GetStatus returns the most recently published status snapshot.
func (supervisor *Supervisor) GetStatus() ChainStatus {
	return *supervisor.latestStatus.Load()
}

// Subscribe registers a status observer and returns its id and a
// receive-only snapshot channel. Delivery is drop-oldest: a slow reader
// loses intermediate snapshots but always eventually observes the latest
// one, and never stalls the supervisor.
func (supervisor *Supervisor) Subscribe() (int, <-chan ChainStatus) {
	supervisor.subscriberMutex.Lock()
	defer supervisor.subscriberMutex.Unlock()

	id := supervisor.nextSubscriberID
	supervisor.nextSubscriberID++

	channel := make(chan ChainStatus, subscriberBufferSize)

	// Prime the channel so a new subscriber immediately observes the
	// current state.
	channel <- *supervisor.latestStatus.Load()

	supervisor.subscribers[id] = channel
	return id, channel
}

// Unsubscribe removes a status observer. The channel is closed.
func (supervisor *Supervisor) Unsubscribe(id int) {
	supervisor.subscriberMutex.Lock()
	defer supervisor.subscriberMutex.Unlock()

	channel, ok := supervisor.subscribers[id]
	if !ok {
		return
	}
	delete(supervisor.subscribers, id)
	close(channel)
}

// buildStatusLocked assembles an immutable snapshot from the current
// state and last known per-layer health. Callers hold supervisor.mutex.
func (supervisor *Supervisor) buildStatusLocked() ChainStatus {

	layers := make([]LayerHealth, 0, len(supervisor.layers))
	overallHealthy := supervisor.state == ChainStateRunning

	for _, layer := range supervisor.layers {
		health, ok := supervisor.lastHealth[layer.Name()]
		if !ok {
			continue
		}
		layers = append(layers, health)
		if !health.Healthy {
			overallHealthy = false
		}
	}

	// Every configured layer must report in for the chain to be
	// overall healthy.
	if len(layers) != len(supervisor.layers) {
		overallHealthy = false
	}

	name := ""
	if supervisor.config != nil {
		name = supervisor.config.ChainName
	}

	return ChainStatus{
		Name:           name,
		State:          supervisor.state,
		Layers:         layers,
		OverallHealthy: overallHealthy,
		Timestamp:      time.Now(),
	}
}

// buildStatus is buildStatusLocked for callers not holding the mutex.
func (supervisor *Supervisor) buildStatus() ChainStatus {
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	return supervisor.buildStatusLocked()
}

// publishStatus stores the snapshot for GetStatus and broadcasts it to
// subscribers. Sends never block: when a subscriber's buffer is full the
// oldest snapshot is dropped to make room.
func (supervisor *Supervisor) publishStatus(status ChainStatus) {

	supervisor.latestStatus.Store(&status)

	supervisor.subscriberMutex.Lock()
	defer supervisor.subscriberMutex.Unlock()

	for _, channel := range supervisor.subscribers {
		select {
		case channel <- status:
		default:
			select {
			case <-channel:
			default:
			}
			select {
			case channel <- status:
			default:
			}
		}
	}
}
