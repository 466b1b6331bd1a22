// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package transport implements the asynchronous messaging fabric (spec §4.2,
// C2): a UDP variant and a TCP router/dealer variant sharing one interface,
// both carrying codec-framed Packets between Endpoints, both consulting an
// optional ErrorModel on send and receive.
package transport

import (
	"github.com/smartgrid-sim/agentcore/codec"
)

// OnReceive is invoked once per successfully decoded, non-dropped packet.
// The UDP variant invokes it from a worker pool, off the socket-reading
// goroutine, so a slow handler cannot stall the reader; the TCP variant
// invokes it from each peer's own reader goroutine, one frame at a time, so a
// slow handler stalls only that peer's connection.
type OnReceive func(p codec.Packet, src codec.Endpoint)

// Transport is the interface both variants present (spec §4.2).
type Transport interface {
	// Start binds local and begins receiving, dispatching decoded packets to
	// onReceive as described on OnReceive.
	Start(local codec.Endpoint, onReceive OnReceive) error
	// Send serializes and emits p to remote. Non-blocking, best-effort: send
	// failures are logged, never returned or panicked (spec §7).
	Send(p codec.Packet, remote codec.Endpoint)
	// Stop is idempotent and releases all sockets within a bounded grace
	// period.
	Stop()
}

// receiveWorkerCount bounds the UDP variant's dispatch pool, keeping handler
// concurrency predictable without per-datagram goroutine sprawl under load.
// UDP gives no per-peer ordering guarantee (spec §4.2), so a shared pool
// draining one inbox is safe; the TCP variant dispatches each peer's frames
// from that peer's own reader goroutine instead, to preserve per-peer FIFO.
const receiveWorkerCount = 8
