// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package codec

import "fmt"

const extPacket int8 = 1

// PType enumerates the nine wire message variants (spec §3, §6).
type PType string

const (
	Join           PType = "join"
	JoinAck        PType = "join_ack"
	AllocationMsg  PType = "allocation"
	AllocationAck  PType = "allocation_ack"
	CurrAllocation PType = "curr_allocation"
	Stop           PType = "stop"
	StopAck        PType = "stop_ack"
	Leave          PType = "leave"
	LeaveAck       PType = "leave_ack"
)

var validPTypes = map[PType]bool{
	Join: true, JoinAck: true, AllocationMsg: true, AllocationAck: true,
	CurrAllocation: true, Stop: true, StopAck: true, Leave: true, LeaveAck: true,
}

// PayloadKind discriminates the shapes a Packet's payload may take.
type PayloadKind uint8

const (
	// PayloadNone is the empty payload carried by join, join_ack, leave,
	// leave_ack, stop and stop_ack.
	PayloadNone PayloadKind = iota
	// PayloadSingle carries just an Allocation; used by "allocation".
	PayloadSingle
	// PayloadPair carries [Allocation, measure]; used by "allocation_ack"
	// (spec §4.6's inbound handler table).
	PayloadPair
	// PayloadTriple carries [effective, max_allocation, measure]; used by
	// "curr_allocation" (spec §4.6's report_measure task).
	PayloadTriple
)

// Payload is the type-specific data a Packet carries (spec §3). Only one of
// the fields is meaningful, selected by Kind.
type Payload struct {
	Kind          PayloadKind
	Allocation    Allocation // the "first payload slot" for Single/Pair/Triple
	MaxAllocation Allocation // Triple only
	Measure       float64    // Pair, Triple
}

// Packet is the tagged union exchanged between agents (spec §3, wire tag 1).
type Packet struct {
	Type    PType
	Payload Payload
	Src     Endpoint
	Dst     Endpoint
	HasDst  bool
}

// validatePayload enforces the spec §3 invariant that only allocation,
// allocation_ack and curr_allocation may carry a non-empty payload, and that
// the shape matches the ptype (spec §4.5, §4.6 handler tables).
func validatePayload(t PType, p Payload) error {
	switch t {
	case AllocationMsg:
		if p.Kind != PayloadSingle {
			return fmt.Errorf("codec: %q packet must carry a single Allocation payload", t)
		}
	case AllocationAck:
		if p.Kind != PayloadPair {
			return fmt.Errorf("codec: %q packet must carry [allocation, measure] payload", t)
		}
	case CurrAllocation:
		if p.Kind != PayloadTriple {
			return fmt.Errorf("codec: %q packet must carry [allocation, max_allocation, measure] payload", t)
		}
	default:
		if p.Kind != PayloadNone {
			return fmt.Errorf("codec: %q packet must carry an empty payload", t)
		}
	}
	return nil
}

func validPType(t PType) bool { return validPTypes[t] }
