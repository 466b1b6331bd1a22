// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package agent implements AgentRuntime (spec §4.4, C4): the glue binding
// one Transport and one Scheduler behind a single Endpoint, dispatching
// every inbound frame onto the scheduler's worker so role-specific FSM state
// (allocator or load) is mutated by exactly one goroutine.
package agent

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smartgrid-sim/agentcore/clog"
	"github.com/smartgrid-sim/agentcore/codec"
	"github.com/smartgrid-sim/agentcore/scheduler"
	"github.com/smartgrid-sim/agentcore/transport"
)

// Role distinguishes the two agent kinds named throughout spec §4.5/§4.6.
type Role string

const (
	RoleAllocator Role = "allocator"
	RoleLoad      Role = "load"
)

// readyWait bounds how long Schedule blocks for a caller racing Run from
// another goroutine (spec §4.4: "schedule blocks (bounded) until the latch
// is set").
const readyWait = 5 * time.Second

// ReceiveHandler is the role-specific dispatcher (AllocatorFSM.Receive or
// LoadFSM.Receive) invoked for every accepted inbound packet.
type ReceiveHandler func(p codec.Packet, src codec.Endpoint)

// Runtime is one running agent (spec §4.4). Construct with New, install a
// ReceiveHandler, then call Run.
type Runtime struct {
	log *clog.CLogger

	endpoint codec.Endpoint
	role     Role
	tp       transport.Transport
	sched    *scheduler.Scheduler

	handler ReceiveHandler

	running atomic.Bool
	ready   chan struct{}
}

// New constructs a Runtime. tp must not yet be started; Run starts it.
func New(role Role, endpoint codec.Endpoint, tp transport.Transport, log *clog.CLogger) *Runtime {
	return &Runtime{
		log:      log,
		endpoint: endpoint,
		role:     role,
		tp:       tp,
		sched:    scheduler.New(log),
		ready:    make(chan struct{}),
	}
}

// Endpoint returns the agent's own Endpoint.
func (r *Runtime) Endpoint() codec.Endpoint { return r.endpoint }

// Role returns the agent's role tag.
func (r *Runtime) Role() Role { return r.role }

// SetReceiveHandler installs the role-specific dispatcher. Must be called
// before Run.
func (r *Runtime) SetReceiveHandler(h ReceiveHandler) {
	r.handler = h
}

// Run starts the Scheduler and the Transport, then signals "ready" to any
// concurrent caller blocked in Schedule.
func (r *Runtime) Run() error {
	r.sched.Run()
	if err := r.tp.Start(r.endpoint, r.onReceive); err != nil {
		return err
	}
	r.running.Store(true)
	close(r.ready)
	if r.log != nil {
		r.log.Printf("agent %s (%s) listening on %s", r.role, r.endpoint, r.endpoint)
	}
	return nil
}

// onReceive is the Transport callback. It hands the packet to the scheduler
// worker rather than invoking the handler directly, so handler state stays
// single-writer (spec §4.4, §5).
func (r *Runtime) onReceive(p codec.Packet, src codec.Endpoint) {
	if r.log != nil {
		r.log.With("trace_id", shortTraceID()).Printf("recv %s from %s", p.Type, src)
	}
	if r.handler == nil {
		return
	}
	r.sched.Schedule(func() { r.handler(p, src) }, 0)
}

// Send applies no further loss model of its own - that is the Transport's
// job (spec §4.2) - and simply delegates, attaching a fresh trace id to the
// log line so a single join/report/allocation round trip can be picked out
// of this agent's logs (spec §4.4, SPEC_FULL.md Domain Stack).
func (r *Runtime) Send(p codec.Packet, remote codec.Endpoint) {
	if r.log != nil {
		r.log.With("trace_id", shortTraceID()).Printf("send %s to %s", p.Type, remote)
	}
	r.tp.Send(p, remote)
}

// shortTraceID returns the first segment of a fresh UUID v4, kept short for
// log readability.
func shortTraceID() string {
	id := uuid.NewString()
	for i, c := range id {
		if c == '-' {
			return id[:i]
		}
	}
	return id
}

// Schedule delegates to the Scheduler, blocking (bounded) until Run has
// completed if called concurrently with startup.
func (r *Runtime) Schedule(action scheduler.Fn, delay time.Duration, callbacks ...scheduler.Fn) scheduler.EventHandle {
	if !r.running.Load() {
		select {
		case <-r.ready:
		case <-time.After(readyWait):
			if r.log != nil {
				r.log.Errorf("schedule called but agent never became ready within %s", readyWait)
			}
		}
	}
	return r.sched.Schedule(action, delay, callbacks...)
}

// CreateTimer delegates to the Scheduler.
func (r *Runtime) CreateTimer(id string, timeout time.Duration, onFire func()) scheduler.TimerHandle {
	return r.sched.CreateTimer(id, timeout, onFire)
}

// RemoveTimer delegates to the Scheduler.
func (r *Runtime) RemoveTimer(id string) {
	r.sched.RemoveTimer(id)
}

// Stop schedules a sentinel on the Scheduler, stops the Transport, and
// joins (spec §4.4).
func (r *Runtime) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.tp.Stop()
	r.sched.Stop()
}
