// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package agent

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartgrid-sim/agentcore/codec"
	"github.com/smartgrid-sim/agentcore/transport"
)

var portMu sync.Mutex
var nextPort = 24900

func freePort() int {
	portMu.Lock()
	defer portMu.Unlock()
	nextPort++
	return nextPort
}

func TestRuntimeDispatchesOnSchedulerWorker(t *testing.T) {
	a := codec.Endpoint(fmt.Sprintf("127.0.0.1:%d", freePort()))
	b := codec.Endpoint(fmt.Sprintf("127.0.0.1:%d", freePort()))

	recv := make(chan codec.Endpoint, 1)
	serverDone := make(chan struct{})

	server := New(RoleAllocator, b, transport.NewUDP(nil, nil), nil)
	server.SetReceiveHandler(func(p codec.Packet, src codec.Endpoint) {
		defer close(serverDone)
		recv <- src
	})
	require.NoError(t, server.Run())
	defer server.Stop()

	client := New(RoleLoad, a, transport.NewUDP(nil, nil), nil)
	require.NoError(t, client.Run())
	defer client.Stop()

	client.Send(codec.Packet{Type: codec.Join, Src: a, Dst: b, HasDst: true}, b)

	select {
	case src := <-recv:
		assert.Equal(t, a, src)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched packet")
	}
	<-serverDone
}

func TestScheduleBeforeRunBlocksUntilReady(t *testing.T) {
	a := codec.Endpoint(fmt.Sprintf("127.0.0.1:%d", freePort()))
	r := New(RoleLoad, a, transport.NewUDP(nil, nil), nil)

	fired := make(chan struct{})
	go func() {
		r.Schedule(func() { close(fired) }, 0)
	}()

	time.Sleep(20 * time.Millisecond) // give Schedule a head start racing Run
	require.NoError(t, r.Run())
	defer r.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled action never fired")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	a := codec.Endpoint(fmt.Sprintf("127.0.0.1:%d", freePort()))
	r := New(RoleLoad, a, transport.NewUDP(nil, nil), nil)
	require.NoError(t, r.Run())
	r.Stop()
	assert.NotPanics(t, r.Stop)
}
