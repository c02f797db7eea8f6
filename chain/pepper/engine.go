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
	"sync"

	"github.com/halibiram/SimpleXray-sub004/common"
	"github.com/halibiram/SimpleXray-sub004/common/errors"
)

const defaultQueueCapacity = 64 * 1024

// Engine is an explicit shaper engine instance owning a table of
// attached sessions. There is no process-wide engine; multiple
// independent engines may be constructed, each with its own lifecycle.
// All Engine operations are control-plane calls: they are safe to invoke
// from the host runtime, bounded in duration, and fail with an explicit
// indicator rather than crashing on bad input.
type Engine struct {
	logger      common.Logger
	mutex       sync.Mutex
	initialized bool
	nextHandle  int64
	sessions    map[int64]*ShaperSession
}

// NewEngine initializes a new, uninitialized Engine.
func NewEngine(logger common.Logger) *Engine {
	return &Engine{
		logger:     logger,
		nextHandle: 1,
		sessions:   make(map[int64]*ShaperSession),
	}
}

// Init makes the engine ready to attach sessions. Calling Init on an
// initialized engine is a no-op.
func (engine *Engine) Init() {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	if engine.initialized {
		engine.logger.WithTrace().Debug("already initialized")
		return
	}
	engine.initialized = true
	engine.logger.WithTrace().Info("shaper engine initialized")
}

// Attach creates a session binding a new ring buffer and pacing state to
// the given endpoint pair and returns its opaque handle. Invalid
// endpoints or parameters are rejected synchronously with no side
// effects.
func (engine *Engine) Attach(
	readEndpoint, writeEndpoint int,
	mode TransportMode,
	params *PacingParams) (int64, error) {

	if readEndpoint < 0 || writeEndpoint < 0 {
		return 0, errors.Tracef(
			"invalid endpoints: read=%d, write=%d", readEndpoint, writeEndpoint)
	}

	err := params.validate()
	if err != nil {
		return 0, errors.Trace(err)
	}

	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	if !engine.initialized {
		return 0, errors.TraceNew("engine not initialized")
	}

	handle := engine.nextHandle
	engine.nextHandle++

	paramsCopy := *params
	session, err := newShaperSession(
		handle,
		Endpoints{Read: readEndpoint, Write: writeEndpoint},
		mode,
		&paramsCopy,
		defaultQueueCapacity)
	if err != nil {
		return 0, errors.Trace(err)
	}

	engine.sessions[handle] = session

	engine.logger.WithTraceFields(common.LogFields{
		"handle":        handle,
		"readEndpoint":  readEndpoint,
		"writeEndpoint": writeEndpoint,
		"mode":          mode.String(),
	}).Debug("shaper attached")

	return handle, nil
}

// Detach drains and releases the session for the given handle. Returns
// false, without fault, when the handle is unknown or already detached.
func (engine *Engine) Detach(handle int64) bool {
	if handle <= 0 {
		return false
	}

	engine.mutex.Lock()
	session, ok := engine.sessions[handle]
	if ok {
		delete(engine.sessions, handle)
	}
	engine.mutex.Unlock()

	if !ok {
		engine.logger.WithTraceFields(
			common.LogFields{"handle": handle}).Warning("handle not found")
		return false
	}

	session.active.Store(false)
	session.drain()

	engine.logger.WithTraceFields(
		common.LogFields{"handle": handle}).Debug("shaper detached")
	return true
}

// UpdateParams atomically replaces the pacing configuration of the
// session for the given handle. The consumer never observes a
// half-applied parameter set. Returns false when the handle is unknown.
func (engine *Engine) UpdateParams(handle int64, params *PacingParams) bool {
	if handle <= 0 {
		return false
	}

	err := params.validate()
	if err != nil {
		engine.logger.WithTrace().Warning(err)
		return false
	}

	engine.mutex.Lock()
	session, ok := engine.sessions[handle]
	engine.mutex.Unlock()

	if !ok {
		engine.logger.WithTraceFields(
			common.LogFields{"handle": handle}).Warning("handle not found")
		return false
	}

	paramsCopy := *params
	session.setParams(&paramsCopy)

	engine.logger.WithTraceFields(
		common.LogFields{"handle": handle}).Debug("params updated")
	return true
}

// Session returns the attached session for the given handle.
func (engine *Engine) Session(handle int64) (*ShaperSession, bool) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	session, ok := engine.sessions[handle]
	return session, ok
}

// SessionCount returns the number of attached sessions.
func (engine *Engine) SessionCount() int {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()
	return len(engine.sessions)
}

// Shutdown detaches all sessions and returns the engine to the
// uninitialized state. Idempotent.
func (engine *Engine) Shutdown() {
	engine.mutex.Lock()
	if !engine.initialized {
		engine.mutex.Unlock()
		return
	}
	engine.initialized = false
	sessions := engine.sessions
	engine.sessions = make(map[int64]*ShaperSession)
	engine.nextHandle = 1
	engine.mutex.Unlock()

	for _, session := range sessions {
		session.active.Store(false)
		session.drain()
	}

	engine.logger.WithTrace().Info("shaper engine shutdown complete")
}
