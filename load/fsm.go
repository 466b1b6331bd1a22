// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package load implements LoadFSM (spec §4.6, C6): the join protocol with
// retry, the three periodic tasks (get_allocation, update_measure,
// report_measure), allocation enforcement, and ack emission. As with
// AllocatorFSM, every exported entry point that mutates FSM state is
// scheduled onto the owning AgentRuntime's worker (spec §5 P4).
package load

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/smartgrid-sim/agentcore/agent"
	"github.com/smartgrid-sim/agentcore/clog"
	"github.com/smartgrid-sim/agentcore/codec"
)

const joinAckTimerID = "join-ack"

// GenerateAllocations produces the local cap for the next duty cycle, given
// the current allocation and the current wall-clock time (spec §4.6
// get_allocation task).
type GenerateAllocations func(local codec.Endpoint, curr codec.Allocation, now time.Time) codec.Allocation

// UpdateMeasureCB computes the latest observed measure from the effective
// allocation. It MUST be non-blocking (spec §9 Open Question resolution).
type UpdateMeasureCB func(effective codec.Allocation, local codec.Endpoint, now time.Time) float64

// JoinedCallback fires exactly once per successful join (spec §8 scenario 1).
type JoinedCallback func(local, remote codec.Endpoint)

// FSM is the load's protocol state (spec §4.6).
type FSM struct {
	log *clog.CLogger
	rt  *agent.Runtime

	joinAckTimeout      time.Duration
	updateMeasurePeriod time.Duration
	reportMeasurePeriod time.Duration
	generateAllocPeriod time.Duration

	remote          codec.Endpoint
	hasRemote       bool
	currAllocation  codec.Allocation
	maxAllocation   codec.Allocation
	currMeasure     float64
	joinBackoff     backoff.BackOff

	GenerateAllocationsFn GenerateAllocations
	UpdateMeasureCBFn     UpdateMeasureCB
	JoinedCallbackFn      JoinedCallback
}

// New constructs a LoadFSM bound to rt, with maxAllocation as the initial
// local cap (spec §4.6's "max_allocation (local cap)").
func New(rt *agent.Runtime, log *clog.CLogger, joinAckTimeout, updateMeasurePeriod, reportMeasurePeriod, generateAllocPeriod time.Duration, maxAllocation codec.Allocation) *FSM {
	return &FSM{
		log:                 log,
		rt:                  rt,
		joinAckTimeout:      joinAckTimeout,
		updateMeasurePeriod: updateMeasurePeriod,
		reportMeasurePeriod: reportMeasurePeriod,
		generateAllocPeriod: generateAllocPeriod,
		maxAllocation:       maxAllocation,
	}
}

// Receive is the role-specific dispatcher wired to AgentRuntime (spec §4.4);
// it always runs on the scheduler worker.
func (f *FSM) Receive(p codec.Packet, src codec.Endpoint) {
	if p.HasDst && p.Dst != f.rt.Endpoint() {
		if f.log != nil {
			f.log.Errorf("dropping packet addressed to %s, not me (%s)", p.Dst, f.rt.Endpoint())
		}
		return
	}

	switch p.Type {
	case codec.JoinAck:
		f.handleJoinAck(src)
	case codec.AllocationMsg:
		f.handleAllocation(p, src)
	case codec.Stop:
		f.handleStop(src)
	default:
		if f.log != nil {
			f.log.Errorf("load: unexpected ptype %q from %s", p.Type, src)
		}
	}
}

func (f *FSM) handleJoinAck(src codec.Endpoint) {
	alreadyJoined := f.hasRemote
	f.remote = src
	f.hasRemote = true
	f.rt.RemoveTimer(joinAckTimerID)
	if !alreadyJoined && f.JoinedCallbackFn != nil {
		f.JoinedCallbackFn(f.rt.Endpoint(), src)
	}
}

func (f *FSM) handleAllocation(p codec.Packet, src codec.Endpoint) {
	if p.Payload.Kind != codec.PayloadSingle {
		if f.log != nil {
			f.log.Errorf("malformed allocation payload from %s, dropping", src)
		}
		return
	}
	a := p.Payload.Allocation
	f.currAllocation = a
	f.rt.Send(codec.Packet{
		Type: codec.AllocationAck,
		Src:  f.rt.Endpoint(),
		Dst:  src,
		HasDst: true,
		Payload: codec.Payload{
			Kind:       codec.PayloadPair,
			Allocation: a,
			Measure:    f.currMeasure,
		},
	}, src)
}

func (f *FSM) handleStop(src codec.Endpoint) {
	f.rt.Send(codec.Packet{Type: codec.StopAck, Src: f.rt.Endpoint(), Dst: src, HasDst: true}, src)
	// handleStop itself runs on the scheduler worker; Stop blocks until that
	// worker observes its own shutdown sentinel and exits, so it must be
	// dispatched off-worker rather than scheduled back onto it.
	go f.rt.Stop()
}

// SendJoin starts (or retries) the join handshake against dst (spec §4.6).
// On join_ack timeout, the timer's callback re-invokes sendJoin, which sends
// the join again and re-arms the timer with the next backoff interval,
// yielding retry until acknowledged. This implementation uses a capped exponential
// backoff (github.com/cenkalti/backoff/v4) rather than the source's fixed
// period, a documented deviation (spec §4.6/§9 Open Question #1).
func (f *FSM) SendJoin(dst codec.Endpoint) {
	f.rt.Schedule(func() {
		f.joinBackoff = f.newJoinBackoff()
		f.sendJoin(dst)
	}, 0)
}

func (f *FSM) newJoinBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.joinAckTimeout
	b.MaxInterval = 8 * f.joinAckTimeout
	b.MaxElapsedTime = 0 // retry until explicitly stopped, per spec: "retry until the load is explicitly stopped"
	b.Reset()
	return b
}

func (f *FSM) sendJoin(dst codec.Endpoint) {
	if f.hasRemote {
		return
	}
	f.rt.Send(codec.Packet{Type: codec.Join, Src: f.rt.Endpoint(), Dst: dst, HasDst: true}, dst)

	next := f.joinBackoff.NextBackOff()
	f.rt.CreateTimer(joinAckTimerID, next, func() { f.sendJoin(dst) })
}

// Start launches the three periodic tasks (spec §4.6). Call after SendJoin.
func (f *FSM) Start() {
	f.rt.Schedule(func() { f.getAllocation() }, 0)
	f.rt.Schedule(func() { f.updateMeasure() }, 0)
	f.rt.Schedule(func() { f.reportMeasure() }, 0)
}

// getAllocation computes a fresh local cap and reschedules itself after the
// cap's own validity duration, falling back to generate_allocations_period
// when that duration is non-positive (spec §4.6).
func (f *FSM) getAllocation() {
	if f.GenerateAllocationsFn != nil {
		f.maxAllocation = f.GenerateAllocationsFn(f.rt.Endpoint(), f.currAllocation, time.Now())
	}
	next := f.generateAllocPeriod
	if d := time.Duration(f.maxAllocation.Duration * float64(time.Second)); d > 0 {
		next = d
	}
	f.rt.Schedule(func() { f.getAllocation() }, next)
}

// updateMeasure computes curr_allocation ⊓ max_allocation and stores the
// callback's reading as curr_measure (spec §4.6).
func (f *FSM) updateMeasure() {
	effective := f.currAllocation.Meet(f.maxAllocation)
	if f.UpdateMeasureCBFn != nil {
		f.currMeasure = f.UpdateMeasureCBFn(effective, f.rt.Endpoint(), time.Now())
	}
	f.rt.Schedule(func() { f.updateMeasure() }, f.updateMeasurePeriod)
}

// reportMeasure sends a curr_allocation packet carrying [effective,
// max_allocation, curr_measure] to the allocator, if joined (spec §4.6).
func (f *FSM) reportMeasure() {
	if f.hasRemote {
		effective := f.currAllocation.Meet(f.maxAllocation)
		f.rt.Send(codec.Packet{
			Type: codec.CurrAllocation,
			Src:  f.rt.Endpoint(),
			Dst:  f.remote,
			HasDst: true,
			Payload: codec.Payload{
				Kind:          codec.PayloadTriple,
				Allocation:    effective,
				MaxAllocation: f.maxAllocation,
				Measure:       f.currMeasure,
			},
		}, f.remote)
	}
	f.rt.Schedule(func() { f.reportMeasure() }, f.reportMeasurePeriod)
}

// Remote returns the allocator's Endpoint once joined, and whether a join
// has completed.
func (f *FSM) Remote() (codec.Endpoint, bool) {
	result := make(chan struct {
		ep codec.Endpoint
		ok bool
	}, 1)
	f.rt.Schedule(func() {
		result <- struct {
			ep codec.Endpoint
			ok bool
		}{f.remote, f.hasRemote}
	}, 0)
	r := <-result
	return r.ep, r.ok
}

// CurrAllocation returns the load's current enforced allocation.
func (f *FSM) CurrAllocation() codec.Allocation {
	result := make(chan codec.Allocation, 1)
	f.rt.Schedule(func() { result <- f.currAllocation }, 0)
	return <-result
}
