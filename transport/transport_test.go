// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package transport

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartgrid-sim/agentcore/codec"
)

func freePort(t *testing.T) int {
	t.Helper()
	return nextTestPort()
}

var portMu sync.Mutex
var nextPort = 22900

func nextTestPort() int {
	portMu.Lock()
	defer portMu.Unlock()
	nextPort++
	return nextPort
}

func TestUDPSendReceiveRoundTrip(t *testing.T) {
	aPort, bPort := freePort(t), freePort(t)
	a := codec.Endpoint(fmt.Sprintf("127.0.0.1:%d", aPort))
	b := codec.Endpoint(fmt.Sprintf("127.0.0.1:%d", bPort))

	recv := make(chan codec.Packet, 1)
	rx := NewUDP(nil, nil)
	require.NoError(t, rx.Start(b, func(p codec.Packet, src codec.Endpoint) { recv <- p }))
	defer rx.Stop()

	tx := NewUDP(nil, nil)
	require.NoError(t, tx.Start(a, func(codec.Packet, codec.Endpoint) {}))
	defer tx.Stop()

	tx.Send(codec.Packet{Type: codec.Join, Src: a, Dst: b, HasDst: true}, b)

	select {
	case p := <-recv:
		assert.Equal(t, codec.Join, p.Type)
		assert.Equal(t, a, p.Src)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for udp packet")
	}
}

func TestTCPSendReceiveRoundTrip(t *testing.T) {
	aPort, bPort := freePort(t), freePort(t)
	a := codec.Endpoint(fmt.Sprintf("127.0.0.1:%d", aPort))
	b := codec.Endpoint(fmt.Sprintf("127.0.0.1:%d", bPort))

	recv := make(chan codec.Packet, 4)
	rx := NewTCP(nil, nil)
	require.NoError(t, rx.Start(b, func(p codec.Packet, src codec.Endpoint) { recv <- p }))
	defer rx.Stop()

	tx := NewTCP(nil, nil)
	require.NoError(t, tx.Start(a, func(codec.Packet, codec.Endpoint) {}))
	defer tx.Stop()

	for i := 0; i < 3; i++ {
		tx.Send(codec.Packet{Type: codec.Leave, Src: a}, b)
	}

	for i := 0; i < 3; i++ {
		select {
		case p := <-recv:
			assert.Equal(t, codec.Leave, p.Type)
			assert.Equal(t, a, p.Src)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tcp packet")
		}
	}
}

// P8: with ErrorModel(rate=r), the long-run drop fraction approaches 1-r.
func TestErrorModelFairness(t *testing.T) {
	const rate = 0.7
	em := NewErrorModel(rate, 42)

	const n = 20000
	dropped := 0
	for i := 0; i < n; i++ {
		if em.Corrupt() {
			dropped++
		}
	}
	got := float64(dropped) / float64(n)
	want := 1 - rate
	assert.InDelta(t, want, got, 0.02)
}

func TestErrorModelNilNeverCorrupts(t *testing.T) {
	var em *ErrorModel
	for i := 0; i < 100; i++ {
		assert.False(t, em.Corrupt())
	}
}
