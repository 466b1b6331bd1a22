// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package allocator implements AllocatorFSM (spec §4.5, C5): join
// acceptance, the node registry, allocation dispatch with ack timers, and
// controlled shutdown. Every exported method that touches FSM state enqueues
// its work onto the owning AgentRuntime's scheduler, so nodes, alloc_timers
// and stop_timers are mutated by exactly one goroutine (spec §5 P4).
package allocator

import (
	"fmt"
	"time"

	"github.com/smartgrid-sim/agentcore/agent"
	"github.com/smartgrid-sim/agentcore/clog"
	"github.com/smartgrid-sim/agentcore/codec"
)

// NodeRecord is the allocator's last-known view of one joined Load (spec
// §3): its most recently reported effective allocation, cap, and measure.
// Created on first join, mutated on every curr_allocation, destroyed on
// leave or stop_ack.
type NodeRecord struct {
	Allocation    codec.Allocation
	MaxAllocation codec.Allocation
	Measure       float64
}

// FSM is the allocator's protocol state (spec §4.5).
type FSM struct {
	log *clog.CLogger
	rt  *agent.Runtime

	stopAckTimeout  time.Duration
	allocAckTimeout time.Duration

	nodes       map[codec.Endpoint]NodeRecord
	allocTimers map[uint64]struct{} // aid -> outstanding (timer lives in rt's scheduler)
	stopTimers  map[codec.Endpoint]struct{}
	aidCounter  uint64

	allocationUpdated func(NodeRecord, codec.Endpoint)

	shutdownDone chan struct{}
}

// New constructs an AllocatorFSM bound to rt. Call rt.SetReceiveHandler(f.Receive)
// before rt.Run so inbound packets reach the FSM.
func New(rt *agent.Runtime, log *clog.CLogger, stopAckTimeout, allocAckTimeout time.Duration) *FSM {
	return &FSM{
		log:             log,
		rt:              rt,
		stopAckTimeout:  stopAckTimeout,
		allocAckTimeout: allocAckTimeout,
		nodes:           make(map[codec.Endpoint]NodeRecord),
		allocTimers:     make(map[uint64]struct{}),
		stopTimers:      make(map[codec.Endpoint]struct{}),
	}
}

// SetAllocationUpdated installs the controller-facing callback fired on
// every curr_allocation (spec §4.5's "external collaborator interface").
func (f *FSM) SetAllocationUpdated(cb func(NodeRecord, codec.Endpoint)) {
	f.allocationUpdated = cb
}

// Receive is the role-specific dispatcher wired to AgentRuntime; it always
// runs on the scheduler worker (spec §4.4).
func (f *FSM) Receive(p codec.Packet, src codec.Endpoint) {
	switch p.Type {
	case codec.Join:
		f.nodes[src] = NodeRecord{}
		f.sendJoinAck(src)
	case codec.AllocationAck:
		f.handleAllocationAck(p, src)
	case codec.CurrAllocation:
		rec := NodeRecord{
			Allocation:    p.Payload.Allocation,
			MaxAllocation: p.Payload.MaxAllocation,
			Measure:       p.Payload.Measure,
		}
		f.nodes[src] = rec
		if f.allocationUpdated != nil {
			f.allocationUpdated(rec, src)
		}
	case codec.Leave:
		delete(f.nodes, src)
	case codec.Stop:
		f.beginShutdown()
	case codec.StopAck:
		f.handleStopAck(src)
	default:
		if f.log != nil {
			f.log.Errorf("allocator: unexpected ptype %q from %s", p.Type, src)
		}
	}
}

func (f *FSM) sendJoinAck(src codec.Endpoint) {
	f.rt.Send(codec.Packet{
		Type:   codec.JoinAck,
		Src:    f.rt.Endpoint(),
		Dst:    src,
		HasDst: true,
	}, src)
}

func (f *FSM) handleAllocationAck(p codec.Packet, src codec.Endpoint) {
	aid := p.Payload.Allocation.AID
	if _, ok := f.allocTimers[aid]; ok {
		f.rt.RemoveTimer(allocTimerID(aid))
		delete(f.allocTimers, aid)
	}
	if f.log != nil {
		f.log.Printf("allocation_ack from %s for aid %d", src, aid)
	}
}

func (f *FSM) handleStopAck(src codec.Endpoint) {
	if _, ok := f.stopTimers[src]; ok {
		f.rt.RemoveTimer(stopTimerID(src))
		delete(f.stopTimers, src)
	}
	delete(f.nodes, src)
	f.checkShutdownComplete()
}

// SendAllocation assigns the next process-wide aid, dispatches a to nid, and
// installs an ack timer (spec §4.5). It is the controller's entry point into
// the allocator and is itself scheduled onto the worker so aid_counter and
// alloc_timers stay single-writer even when the controller runs on its own
// goroutine (spec §4.7).
func (f *FSM) SendAllocation(nid codec.Endpoint, a codec.Allocation) {
	f.rt.Schedule(func() { f.sendAllocation(nid, a) }, 0)
}

func (f *FSM) sendAllocation(nid codec.Endpoint, a codec.Allocation) {
	f.aidCounter++
	a.AID = f.aidCounter

	f.rt.Send(codec.Packet{
		Type:    codec.AllocationMsg,
		Src:     f.rt.Endpoint(),
		Dst:     nid,
		HasDst:  true,
		Payload: codec.Payload{Kind: codec.PayloadSingle, Allocation: a},
	}, nid)

	f.allocTimers[a.AID] = struct{}{}
	aid := a.AID
	f.rt.CreateTimer(allocTimerID(aid), f.allocAckTimeout, func() {
		delete(f.allocTimers, aid)
		if f.log != nil {
			f.log.Errorf("allocation %d to %s unacknowledged, dropping (next controller tick will re-issue)", aid, nid)
		}
	})
}

// StopNetwork runs the shutdown sequence (spec §4.5): send stop to every
// joined node, wait (bounded) for nodes to drain or stop timers to fire,
// then stop the runtime. It returns within 2*stopAckTimeout even if no
// stop_ack is ever received (spec §8 P7).
func (f *FSM) StopNetwork() {
	done := make(chan struct{})
	f.rt.Schedule(func() {
		f.shutdownDone = done
		f.beginShutdown()
	}, 0)

	select {
	case <-done:
	case <-time.After(2 * f.stopAckTimeout):
		if f.log != nil {
			f.log.Errorf("stop_network: grace period elapsed, forcing shutdown")
		}
		f.rt.Stop()
	}
}

func (f *FSM) beginShutdown() {
	if len(f.nodes) == 0 {
		f.finishShutdown()
		return
	}
	for nid := range f.nodes {
		nid := nid
		f.rt.Send(codec.Packet{Type: codec.Stop, Src: f.rt.Endpoint()}, nid)
		f.stopTimers[nid] = struct{}{}
		f.rt.CreateTimer(stopTimerID(nid), f.stopAckTimeout, func() {
			delete(f.stopTimers, nid)
			delete(f.nodes, nid)
			f.checkShutdownComplete()
		})
	}
}

func (f *FSM) checkShutdownComplete() {
	if f.shutdownDone == nil {
		return
	}
	if len(f.nodes) == 0 || len(f.stopTimers) == 0 {
		f.finishShutdown()
	}
}

func (f *FSM) finishShutdown() {
	done := f.shutdownDone
	f.shutdownDone = nil
	if done != nil {
		close(done)
	}
	// Stop blocks until the scheduler worker observes its shutdown sentinel
	// and exits; finishShutdown runs on that same worker (via Receive, the
	// StopNetwork closure, a stop-timer callback, or handleStopAck), so
	// calling it inline would deadlock the worker against itself.
	go f.rt.Stop()
}

// Nodes runs a synchronous snapshot read on the worker, used by tests and by
// embedding applications inspecting registry state.
func (f *FSM) Nodes() map[codec.Endpoint]NodeRecord {
	result := make(chan map[codec.Endpoint]NodeRecord, 1)
	f.rt.Schedule(func() {
		snap := make(map[codec.Endpoint]NodeRecord, len(f.nodes))
		for k, v := range f.nodes {
			snap[k] = v
		}
		result <- snap
	}, 0)
	return <-result
}

func allocTimerID(aid uint64) string         { return fmt.Sprintf("alloc-ack-%d", aid) }
func stopTimerID(nid codec.Endpoint) string { return fmt.Sprintf("stop-ack-%s", nid) }
