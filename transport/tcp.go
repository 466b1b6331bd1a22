// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/smartgrid-sim/agentcore/clog"
	"github.com/smartgrid-sim/agentcore/codec"
)

// maxFrameSize bounds a single length-prefixed TCP frame, guarding the
// reader against a corrupt or hostile length header.
const maxFrameSize = 1 << 20

// closeGrace bounds how long Stop waits for per-peer dealer sockets to close
// (spec §4.2: "MUST close them all during stop within a bounded grace
// period").
const closeGrace = 2 * time.Second

// TCP is the router/dealer connection-oriented transport variant (spec
// §4.2). The listener plays the router role, demultiplexing inbound frames
// from however many peers connect; each distinct remote gets a lazily
// opened dealer-style client connection for sends. A peer's identity is
// carried in-band as the Packet's Src field rather than negotiated at the
// TCP layer, since every frame already names its sender.
type TCP struct {
	log   *clog.CLogger
	model *ErrorModel

	ln net.Listener

	wg sync.WaitGroup

	peersMu sync.Mutex
	peers   map[codec.Endpoint]net.Conn

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewTCP constructs a TCP transport. model may be nil to disable loss
// injection.
func NewTCP(log *clog.CLogger, model *ErrorModel) *TCP {
	return &TCP{
		log:     log,
		model:   model,
		peers:   make(map[codec.Endpoint]net.Conn),
		stopped: make(chan struct{}),
	}
}

// Start implements Transport.
func (t *TCP) Start(local codec.Endpoint, onReceive OnReceive) error {
	ln, err := net.Listen("tcp", string(local))
	if err != nil {
		return err
	}
	t.ln = ln

	go t.acceptLoop(onReceive)
	return nil
}

func (t *TCP) acceptLoop(onReceive OnReceive) {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.stopped:
				return
			default:
				if t.log != nil {
					t.log.Errorf("tcp accept error: %v", err)
				}
				return
			}
		}
		t.wg.Add(1)
		go t.readConn(conn, onReceive)
	}
}

// readConn owns one peer's connection for its whole lifetime and decodes
// and dispatches its frames itself, one at a time, in the order they arrived
// on the wire: per-peer FIFO (spec §4.2, §5) requires that two frames from
// the same dealer never race each other into onReceive, which a shared
// worker pool draining one inbox for every peer cannot guarantee. A slow
// handler stalls only this peer's connection, not the accept loop or any
// other peer's readConn goroutine.
func (t *TCP) readConn(conn net.Conn, onReceive OnReceive) {
	defer t.wg.Done()
	defer conn.Close()
	for {
		raw, err := readFrame(conn)
		if err != nil {
			if err != io.EOF && t.log != nil {
				t.log.Errorf("tcp read from %s failed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if t.model.Corrupt() {
			continue
		}
		p, err := codec.Decode(raw)
		if err != nil {
			if t.log != nil {
				t.log.Errorf("dropping malformed frame from %s: %v", conn.RemoteAddr(), err)
			}
			continue
		}
		// Prefer the in-band declared source over the raw socket address:
		// the socket address is an ephemeral client port on the dealer side,
		// while Packet.Src is the peer's well-known Endpoint.
		src := p.Src
		if src == "" {
			src = codec.Endpoint(conn.RemoteAddr().String())
		}
		onReceive(p, src)
	}
}

// Send implements Transport. The per-peer dealer connection is opened
// lazily and cached for subsequent sends to the same remote.
func (t *TCP) Send(p codec.Packet, remote codec.Endpoint) {
	if t.model.Corrupt() {
		return
	}
	b, err := codec.Encode(p)
	if err != nil {
		if t.log != nil {
			t.log.Errorf("failed encoding %s packet: %v", p.Type, err)
		}
		return
	}

	conn, err := t.dealerFor(remote)
	if err != nil {
		if t.log != nil {
			t.log.Errorf("tcp dial to %s failed: %v", remote, err)
		}
		return
	}

	if err := writeFrame(conn, b); err != nil {
		if t.log != nil {
			t.log.Errorf("tcp send to %s failed: %v", remote, err)
		}
		t.peersMu.Lock()
		if t.peers[remote] == conn {
			delete(t.peers, remote)
		}
		t.peersMu.Unlock()
		conn.Close()
	}
}

func (t *TCP) dealerFor(remote codec.Endpoint) (net.Conn, error) {
	t.peersMu.Lock()
	if conn, ok := t.peers[remote]; ok {
		t.peersMu.Unlock()
		return conn, nil
	}
	t.peersMu.Unlock()

	conn, err := net.Dial("tcp", string(remote))
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}

	t.peersMu.Lock()
	if existing, ok := t.peers[remote]; ok {
		t.peersMu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.peers[remote] = conn
	t.peersMu.Unlock()

	return conn, nil
}

// Stop implements Transport.
func (t *TCP) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
		if t.ln != nil {
			t.ln.Close()
		}

		done := make(chan struct{})
		go func() {
			t.peersMu.Lock()
			for remote, conn := range t.peers {
				conn.Close()
				delete(t.peers, remote)
			}
			t.peersMu.Unlock()
			t.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(closeGrace):
			if t.log != nil {
				t.log.Errorf("tcp stop: grace period elapsed with peers still closing")
			}
		}
	})
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, io.ErrShortBuffer
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}
