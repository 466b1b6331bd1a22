// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package controller

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartgrid-sim/agentcore/codec"
	"github.com/smartgrid-sim/agentcore/powerflow"
)

func TestOPFDispatchesSolverOutputOnConvergence(t *testing.T) {
	controllables := []Controllable{{Node: "127.0.0.1:7200", PMax: 5}}
	solver := powerflow.SolverFunc(func(_ powerflow.Snapshot, loads []powerflow.Setpoint) (powerflow.Result, error) {
		require.Len(t, loads, 1)
		return powerflow.Result{
			Converged:   true,
			SuggestedPQ: map[codec.Endpoint]powerflow.Setpoint{"127.0.0.1:7200": {P: 2.5, Q: 0.1}},
		}, nil
	})
	opf := NewOPF(solver, controllables, true, nil)
	alloc := &fakeAllocator{}
	vq := NewVoltageQueue(4, nil)
	vq.Push(VoltageObservation{Node: "127.0.0.1:7200", VPU: 1.1})

	opf.Tick(nil, alloc, vq, 2*time.Second, 1.05)

	sent := alloc.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, 2.5, sent[0].P)
	assert.Equal(t, 0.1, sent[0].Q)
	assert.Equal(t, 6.0, sent[0].Duration) // duty_cycle * 3
}

func TestOPFSkipsBelowLimitWhenCheckLimitEnabled(t *testing.T) {
	called := false
	solver := powerflow.SolverFunc(func(_ powerflow.Snapshot, _ []powerflow.Setpoint) (powerflow.Result, error) {
		called = true
		return powerflow.Result{Converged: true}, nil
	})
	opf := NewOPF(solver, []Controllable{{Node: "n", PMax: 1}}, true, nil)
	alloc := &fakeAllocator{}
	vq := NewVoltageQueue(4, nil)
	vq.Push(VoltageObservation{Node: "n", VPU: 0.98}) // below maxVM, no trigger

	opf.Tick(nil, alloc, vq, time.Second, 1.05)

	assert.False(t, called)
	assert.Empty(t, alloc.snapshot())
}

func TestOPFSafeModeOnNonConvergence(t *testing.T) {
	solver := powerflow.SolverFunc(func(_ powerflow.Snapshot, _ []powerflow.Setpoint) (powerflow.Result, error) {
		return powerflow.Result{Converged: false}, nil
	})
	opf := NewOPF(solver, []Controllable{{Node: "n1", PMax: 1}, {Node: "n2", PMax: 2}}, false, nil)
	alloc := &fakeAllocator{}
	vq := NewVoltageQueue(4, nil)
	vq.Push(VoltageObservation{Node: "n1", VPU: 1.1})

	opf.Tick(nil, alloc, vq, time.Second, 1.05)

	sent := alloc.snapshot()
	require.Len(t, sent, 2)
	for _, a := range sent {
		assert.Equal(t, 0.0, a.P)
		assert.Equal(t, 0.0, a.Q)
	}
}

func TestOPFSafeModeOnSolverError(t *testing.T) {
	solver := powerflow.SolverFunc(func(_ powerflow.Snapshot, _ []powerflow.Setpoint) (powerflow.Result, error) {
		return powerflow.Result{}, errors.New("solver unavailable")
	})
	opf := NewOPF(solver, []Controllable{{Node: "n1", PMax: 1}}, false, nil)
	alloc := &fakeAllocator{}
	vq := NewVoltageQueue(4, nil)
	vq.Push(VoltageObservation{Node: "n1", VPU: 1.1})

	opf.Tick(nil, alloc, vq, time.Second, 1.05)

	assert.Len(t, alloc.snapshot(), 1)
}
