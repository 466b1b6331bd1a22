// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package controller

import (
	"time"

	"github.com/smartgrid-sim/agentcore/clog"
	"github.com/smartgrid-sim/agentcore/codec"
	"github.com/smartgrid-sim/agentcore/powerflow"
)

// allocDurationFactor is the OPF strategy's fixed allocation validity
// horizon relative to the duty cycle (spec §4.7: "Allocation(0, p, q,
// duty_cycle·3)").
const allocDurationFactor = 3

// OPF is the optimal-power-flow-driven strategy of spec §4.7: it drains the
// voltage queue, and when any reported voltage is at or above maxVM (or
// unconditionally when CheckLimit is false) invokes the external solver. On
// convergence it dispatches the solver's per-node p/q; on non-convergence it
// falls back to safe-mode zero allocations for every controllable load.
type OPF struct {
	Solver        powerflow.Solver
	Controllables []Controllable
	CheckLimit    bool // when false, solve unconditionally every tick
	log           *clog.CLogger
}

// NewOPF constructs an OPF strategy bound to solver.
func NewOPF(solver powerflow.Solver, controllables []Controllable, checkLimit bool, log *clog.CLogger) *OPF {
	return &OPF{Solver: solver, Controllables: controllables, CheckLimit: checkLimit, log: log}
}

// Tick implements Strategy.
func (c *OPF) Tick(net powerflow.Snapshot, alloc AllocatorHandle, vq *VoltageQueue, dutyCycle time.Duration, maxVM float64) {
	obs := vq.Drain()

	trigger := !c.CheckLimit
	if c.CheckLimit {
		for _, o := range obs {
			if o.VPU >= maxVM {
				trigger = true
				break
			}
		}
	}
	if !trigger {
		return
	}

	loads := make([]powerflow.Setpoint, len(c.Controllables))
	for i, ctl := range c.Controllables {
		loads[i] = powerflow.Setpoint{Node: ctl.Node, P: ctl.PMax}
	}

	duration := dutyCycle.Seconds() * allocDurationFactor

	result, err := c.Solver.Solve(net, loads)
	if err != nil || !result.Converged {
		if c.log != nil {
			c.log.Errorf("opf solve failed to converge, issuing safe-mode zero allocations: %v", err)
		}
		for _, ctl := range c.Controllables {
			alloc.SendAllocation(ctl.Node, codec.Allocation{Duration: duration})
		}
		return
	}

	for _, ctl := range c.Controllables {
		sp, ok := result.SuggestedPQ[ctl.Node]
		if !ok {
			continue
		}
		alloc.SendAllocation(ctl.Node, codec.Allocation{P: sp.P, Q: sp.Q, Duration: duration})
	}
}
