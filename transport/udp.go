// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package transport

import (
	"net"
	"sync"

	"github.com/smartgrid-sim/agentcore/clog"
	"github.com/smartgrid-sim/agentcore/codec"
)

// maxDatagramSize caps a single UDP read. Packets in this system are small
// (spec §4.2: "under a few hundred bytes"); anything larger than the path
// MTU is the caller's problem, not this transport's.
const maxDatagramSize = 4096

// udpJob is one decoded-or-not receive handed from the reader goroutine to
// the worker pool.
type udpJob struct {
	raw []byte
	src codec.Endpoint
}

// UDP is the connectionless datagram transport variant (spec §4.2).
type UDP struct {
	log   *clog.CLogger
	model *ErrorModel

	conn *net.UDPConn
	jobs chan udpJob
	wg   sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewUDP constructs a UDP transport. model may be nil to disable loss
// injection.
func NewUDP(log *clog.CLogger, model *ErrorModel) *UDP {
	return &UDP{
		log:     log,
		model:   model,
		jobs:    make(chan udpJob, 256),
		stopped: make(chan struct{}),
	}
}

// Start implements Transport.
func (u *UDP) Start(local codec.Endpoint, onReceive OnReceive) error {
	addr, err := net.ResolveUDPAddr("udp", string(local))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	u.conn = conn

	for i := 0; i < receiveWorkerCount; i++ {
		u.wg.Add(1)
		go u.worker(onReceive)
	}

	go u.readLoop()
	return nil
}

func (u *UDP) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed by Stop, or an unreachable-port ICMP error
			// surfaced as a read error; both are swallowed (spec §4.2).
			select {
			case <-u.stopped:
				return
			default:
				if u.log != nil {
					u.log.Errorf("udp read error: %v", err)
				}
				continue
			}
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		select {
		case u.jobs <- udpJob{raw: raw, src: codec.Endpoint(addr.String())}:
		default:
			if u.log != nil {
				u.log.Errorf("udp receive queue full, dropping datagram from %s", addr)
			}
		}
	}
}

func (u *UDP) worker(onReceive OnReceive) {
	defer u.wg.Done()
	for job := range u.jobs {
		if u.model.Corrupt() {
			continue
		}
		p, err := codec.Decode(job.raw)
		if err != nil {
			if u.log != nil {
				u.log.Errorf("dropping malformed frame from %s: %v", job.src, err)
			}
			continue
		}
		onReceive(p, job.src)
	}
}

// Send implements Transport.
func (u *UDP) Send(p codec.Packet, remote codec.Endpoint) {
	if u.model.Corrupt() {
		return
	}
	b, err := codec.Encode(p)
	if err != nil {
		if u.log != nil {
			u.log.Errorf("failed encoding %s packet: %v", p.Type, err)
		}
		return
	}
	addr, err := net.ResolveUDPAddr("udp", string(remote))
	if err != nil {
		if u.log != nil {
			u.log.Errorf("failed resolving %s: %v", remote, err)
		}
		return
	}
	if _, err := u.conn.WriteToUDP(b, addr); err != nil {
		if u.log != nil {
			u.log.Errorf("udp send to %s failed: %v", remote, err)
		}
	}
}

// Stop implements Transport.
func (u *UDP) Stop() {
	u.stopOnce.Do(func() {
		close(u.stopped)
		if u.conn != nil {
			u.conn.Close()
		}
		close(u.jobs)
		u.wg.Wait()
	})
}
