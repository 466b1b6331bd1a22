// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package controller

import (
	"math"
	"time"

	"github.com/smartgrid-sim/agentcore/codec"
	"github.com/smartgrid-sim/agentcore/powerflow"
)

// PI is the proportional-integral feedback strategy of spec §4.7: on each
// tick it computes the voltage excess over maxVM, accumulates it into a
// clamped integral term, and scales every controllable's active-power cap
// by a single factor μ ∈ [0,1]. The integral term is the only state carried
// across calls that affects μ; the aid sequence stamped on outgoing
// allocations also persists, but the allocator ignores it.
type PI struct {
	Sigma float64 // σ ≈ 5e-2 1/V, proportional gain
	Tau   float64 // τ ≈ 4e-5 1/(V·s), integral gain

	Controllables []Controllable

	integralError float64
	aidSeq        uint64 // ignored by the allocator, which re-stamps aid (spec §4.7)
}

// NewPI constructs a PI strategy with the given gains and controllable set.
func NewPI(sigma, tau float64, controllables []Controllable) *PI {
	return &PI{Sigma: sigma, Tau: tau, Controllables: controllables}
}

// Tick implements Strategy. If no voltage observations arrived since the
// last tick, it skips the cycle entirely rather than acting on stale data.
func (c *PI) Tick(_ powerflow.Snapshot, alloc AllocatorHandle, vq *VoltageQueue, dutyCycle time.Duration, maxVM float64) {
	obs := vq.Drain()
	if len(obs) == 0 {
		return
	}

	maxV := obs[0].VPU
	for _, o := range obs[1:] {
		if o.VPU > maxV {
			maxV = o.VPU
		}
	}

	dc := dutyCycle.Seconds()
	eps := maxV - maxVM
	c.integralError = math.Max(c.integralError+eps*dc, 0)
	mu := clip(1-c.Sigma*eps-c.Tau*c.integralError, 0, 1)

	for _, ctl := range c.Controllables {
		c.aidSeq++
		alloc.SendAllocation(ctl.Node, codec.Allocation{
			AID:      c.aidSeq,
			P:        mu * ctl.PMax,
			Duration: dc,
		})
	}
}

// Mu recomputes and returns the current production factor without mutating
// state, for tests and dashboards that want to observe convergence (spec §8
// scenario 6) without re-running Tick.
func (c *PI) Mu(eps float64) float64 {
	return clip(1-c.Sigma*eps-c.Tau*c.integralError, 0, 1)
}

// IntegralError returns the accumulated integral term.
func (c *PI) IntegralError() float64 { return c.integralError }
