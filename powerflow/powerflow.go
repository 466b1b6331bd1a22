// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package powerflow names the boundary to the power-flow solver that spec §1
// places deliberately out of scope: "a pure function solve(net, loads) →
// (bus_voltages, suggested_pq) invoked by the allocator's control thread".
// The core never inspects the grid data model, only an opaque Snapshot
// handle it forwards to a Solver (spec §1: "the grid data model ... the
// core sees only an opaque handle passed to the solver").
package powerflow

import "github.com/smartgrid-sim/agentcore/codec"

// Snapshot is the opaque grid handle (buses, lines, transformers) the
// controller passes through to a Solver without inspecting it.
type Snapshot any

// Setpoint is one controllable load's requested active/reactive power, the
// input the OPF strategy drives a solve with (spec §4.7).
type Setpoint struct {
	Node codec.Endpoint
	P    float64 // active power, kW
	Q    float64 // reactive power, kvar
}

// Result is a completed (or failed) solve: per-node voltages in per-unit,
// and, on convergence, the feasible p/q suggested for every controllable
// load (spec §4.7 OPF strategy).
type Result struct {
	Voltages    map[codec.Endpoint]float64
	SuggestedPQ map[codec.Endpoint]Setpoint
	Converged   bool
}

// Solver is the external collaborator interface (spec §1). Implementations
// live outside this module; the core only calls Solve from the controller's
// own goroutine, never from the scheduler worker (spec §5).
type Solver interface {
	Solve(net Snapshot, loads []Setpoint) (Result, error)
}

// SolverFunc adapts a plain function to Solver, the way http.HandlerFunc
// adapts a function to http.Handler.
type SolverFunc func(net Snapshot, loads []Setpoint) (Result, error)

// Solve implements Solver.
func (f SolverFunc) Solve(net Snapshot, loads []Setpoint) (Result, error) {
	return f(net, loads)
}
