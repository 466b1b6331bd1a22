// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// End-to-end scenarios from spec §8, driving real allocator and load agents
// over real UDP sockets rather than fake transports, the way a deployed
// allocator/load pair would actually talk to each other.
package agentcore_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartgrid-sim/agentcore/agent"
	"github.com/smartgrid-sim/agentcore/allocator"
	"github.com/smartgrid-sim/agentcore/codec"
	"github.com/smartgrid-sim/agentcore/load"
	"github.com/smartgrid-sim/agentcore/transport"
)

var portMu sync.Mutex
var nextPort = 29100

func freeEndpoint() codec.Endpoint {
	portMu.Lock()
	defer portMu.Unlock()
	nextPort++
	return codec.Endpoint(fmt.Sprintf("127.0.0.1:%d", nextPort))
}

type harness struct {
	allocRT  *agent.Runtime
	allocFSM *allocator.FSM
	loadRT   *agent.Runtime
	loadFSM  *load.FSM
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	allocEP := freeEndpoint()
	loadEP := freeEndpoint()

	allocRT := agent.New(agent.RoleAllocator, allocEP, transport.NewUDP(nil, nil), nil)
	allocFSM := allocator.New(allocRT, nil, 300*time.Millisecond, 300*time.Millisecond)
	allocRT.SetReceiveHandler(allocFSM.Receive)
	require.NoError(t, allocRT.Run())
	t.Cleanup(allocRT.Stop)

	loadRT := agent.New(agent.RoleLoad, loadEP, transport.NewUDP(nil, nil), nil)
	loadFSM := load.New(loadRT, nil, 150*time.Millisecond, 5*time.Second, 500*time.Millisecond, 5*time.Second, codec.Allocation{P: 3, Duration: 5})
	loadRT.SetReceiveHandler(loadFSM.Receive)
	require.NoError(t, loadRT.Run())
	t.Cleanup(loadRT.Stop)

	return &harness{allocRT: allocRT, allocFSM: allocFSM, loadRT: loadRT, loadFSM: loadFSM}
}

// Scenario 1: two-node join.
func TestTwoNodeJoin(t *testing.T) {
	h := newHarness(t)

	var joinedLocal, joinedRemote codec.Endpoint
	joinedCount := 0
	var mu sync.Mutex
	h.loadFSM.JoinedCallbackFn = func(local, remote codec.Endpoint) {
		mu.Lock()
		defer mu.Unlock()
		joinedCount++
		joinedLocal, joinedRemote = local, remote
	}

	h.loadFSM.SendJoin(h.allocRT.Endpoint())

	require.Eventually(t, func() bool {
		_, ok := h.allocFSM.Nodes()[h.loadRT.Endpoint()]
		return ok
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		ep, ok := h.loadFSM.Remote()
		return ok && ep == h.allocRT.Endpoint()
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, joinedCount)
	assert.Equal(t, h.loadRT.Endpoint(), joinedLocal)
	assert.Equal(t, h.allocRT.Endpoint(), joinedRemote)
}

// Scenario 2: allocation round-trip.
func TestAllocationRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.loadFSM.SendJoin(h.allocRT.Endpoint())
	require.Eventually(t, func() bool {
		ep, ok := h.loadFSM.Remote()
		return ok && ep == h.allocRT.Endpoint()
	}, time.Second, 10*time.Millisecond)

	sent := codec.Allocation{P: 2.5, Q: 0.1, Duration: 10}
	h.allocFSM.SendAllocation(h.loadRT.Endpoint(), sent)

	require.Eventually(t, func() bool {
		return sent.EqualValue(h.loadFSM.CurrAllocation())
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		nodes := h.allocFSM.Nodes()
		return len(nodes) == 1
	}, time.Second, 10*time.Millisecond)
}

// Scenario 5: controlled shutdown.
func TestControlledShutdownDrainsNodes(t *testing.T) {
	h1 := newHarness(t)
	allocEP := h1.allocRT.Endpoint()

	loads := []*load.FSM{h1.loadFSM}
	for i := 0; i < 2; i++ {
		loadEP := freeEndpoint()
		rt := agent.New(agent.RoleLoad, loadEP, transport.NewUDP(nil, nil), nil)
		fsm := load.New(rt, nil, 150*time.Millisecond, 5*time.Second, 500*time.Millisecond, 5*time.Second, codec.Allocation{P: 1, Duration: 5})
		rt.SetReceiveHandler(fsm.Receive)
		require.NoError(t, rt.Run())
		t.Cleanup(rt.Stop)
		fsm.SendJoin(allocEP)
		loads = append(loads, fsm)
	}
	h1.loadFSM.SendJoin(allocEP)

	require.Eventually(t, func() bool {
		return len(h1.allocFSM.Nodes()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	h1.allocFSM.StopNetwork()

	assert.Eventually(t, func() bool {
		return len(h1.allocFSM.Nodes()) == 0
	}, 700*time.Millisecond, 10*time.Millisecond)
}
