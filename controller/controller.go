// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package controller implements the two pluggable allocation strategies of
// spec §4.7 (C7): a PI feedback controller and an OPF-driven controller,
// both consuming voltage observations off a bounded queue and issuing new
// allocations through the allocator's SendAllocation entry point. Both
// strategies are stateless per call except the PI controller's integral
// term and its aid sequence, which the allocator re-stamps (spec §5: "the controller's PI integral" is one of only three
// globally mutable pieces of state in the system).
package controller

import (
	"context"
	"time"

	"github.com/smartgrid-sim/agentcore/clog"
	"github.com/smartgrid-sim/agentcore/codec"
	"github.com/smartgrid-sim/agentcore/powerflow"
)

// AllocatorHandle is the allocator's controller-facing entry point (spec
// §4.5: "the allocator exposes send_allocation(nid, allocation) for the
// controller"). allocator.FSM satisfies this.
type AllocatorHandle interface {
	SendAllocation(nid codec.Endpoint, a codec.Allocation)
}

// Controllable is one node the controller may issue allocations to: its
// Endpoint and its nameplate active-power capacity, used by the PI strategy
// to scale μ and by the OPF strategy to request a feasible setpoint.
type Controllable struct {
	Node codec.Endpoint
	PMax float64 // kW
}

// VoltageObservation is one reading pushed by the allocator's
// curr_allocation handler (spec §4.5 "allocation_updated") into the queue
// the controller drains on its own cadence (spec §4.7, §5).
type VoltageObservation struct {
	Node codec.Endpoint
	VPU  float64 // voltage magnitude, per-unit
}

// VoltageQueue is the bounded, best-effort allocator→controller queue named
// in spec §5: "when full, producers drop with a logged warning (no
// blocking)". It is owned by the embedding application, not by either the
// allocator or the controller (spec §4.5).
type VoltageQueue struct {
	log *clog.CLogger
	ch  chan VoltageObservation
}

// NewVoltageQueue constructs a VoltageQueue with the given capacity.
func NewVoltageQueue(capacity int, log *clog.CLogger) *VoltageQueue {
	return &VoltageQueue{log: log, ch: make(chan VoltageObservation, capacity)}
}

// Push enqueues obs, dropping it with a logged warning if the queue is full
// (spec §5). Safe to call from the allocator's scheduler worker.
func (q *VoltageQueue) Push(obs VoltageObservation) {
	select {
	case q.ch <- obs:
	default:
		if q.log != nil {
			q.log.Errorf("voltage queue full, dropping observation from %s", obs.Node)
		}
	}
}

// Drain empties the queue without blocking, coalescing duplicate
// observations by Endpoint so the controller "sees voltage observations in
// the order they were enqueued ... and MAY coalesce duplicates by endpoint"
// (spec §5). The last observation per node wins, in arrival order.
func (q *VoltageQueue) Drain() []VoltageObservation {
	order := make([]codec.Endpoint, 0, len(q.ch))
	latest := make(map[codec.Endpoint]float64, len(q.ch))
	for {
		select {
		case obs := <-q.ch:
			if _, seen := latest[obs.Node]; !seen {
				order = append(order, obs.Node)
			}
			latest[obs.Node] = obs.VPU
		default:
			out := make([]VoltageObservation, len(order))
			for i, n := range order {
				out[i] = VoltageObservation{Node: n, VPU: latest[n]}
			}
			return out
		}
	}
}

// Strategy is the common shape of both pluggable allocation generators
// (spec §4.7): "Fn(net_snapshot, allocator_handle, voltage_queue,
// duty_cycle, max_vm) → ()".
type Strategy interface {
	Tick(net powerflow.Snapshot, alloc AllocatorHandle, vq *VoltageQueue, dutyCycle time.Duration, maxVM float64)
}

// Run drives strat once per dutyCycle until ctx is cancelled. It is meant to
// run on the controller's own goroutine (spec §5: "external controllers run
// on their own thread(s)"), separate from any agent's scheduler worker.
func Run(ctx context.Context, strat Strategy, net powerflow.Snapshot, alloc AllocatorHandle, vq *VoltageQueue, dutyCycle time.Duration, maxVM float64) {
	ticker := time.NewTicker(dutyCycle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			strat.Tick(net, alloc, vq, dutyCycle, maxVM)
		}
	}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
