// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package codec

import (
	"fmt"

	"github.com/tinylib/msgp"
)

const extAllocation int8 = 2

// Allocation is the quadruple (aid, p, q, duration) describing a power
// set-point valid for a bounded time (spec §3). aid is assigned by the
// allocator from a process-wide counter; ordering and equality ignore it.
type Allocation struct {
	AID      uint64
	P        float64 // active power, kW; negative means generation
	Q        float64 // reactive power, kvar
	Duration float64 // validity horizon, seconds
}

// Less implements the lexicographic (p, q, duration) ordering from spec §3,
// which deliberately ignores AID.
func (a Allocation) Less(b Allocation) bool {
	if a.P != b.P {
		return a.P < b.P
	}
	if a.Q != b.Q {
		return a.Q < b.Q
	}
	return a.Duration < b.Duration
}

// EqualValue reports whether a and b agree on (p, q, duration), ignoring AID,
// matching the "equality ignores aid" rule used by the testable properties
// (spec §8, scenario 2).
func (a Allocation) EqualValue(b Allocation) bool {
	return a.P == b.P && a.Q == b.Q && a.Duration == b.Duration
}

// Meet computes curr_allocation ⊓ max_allocation as defined in §4.6's
// update_measure task: the whole allocation is min(curr, max) under the
// lexicographic (p, q, duration) order (spec §3) when curr.P is
// non-negative (consumption), or max(curr, max) when it is negative
// (generation). One of the two Allocation values is returned intact, never
// a per-field blend of the two.
func (curr Allocation) Meet(max Allocation) Allocation {
	if curr.P >= 0 {
		if curr.Less(max) {
			return curr
		}
		return max
	}
	if max.Less(curr) {
		return curr
	}
	return max
}

func (a Allocation) ExtensionType() int8 { return extAllocation }

func (a Allocation) Len() int { return len(a.appendTo(nil)) }

func (a Allocation) MarshalBinaryTo(b []byte) error {
	enc := a.appendTo(nil)
	if len(b) != len(enc) {
		return fmt.Errorf("codec: allocation buffer size mismatch: got %d want %d", len(b), len(enc))
	}
	copy(b, enc)
	return nil
}

func (a *Allocation) UnmarshalBinary(b []byte) error {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return fmt.Errorf("codec: allocation: %w", err)
	}
	if n != 4 {
		return fmt.Errorf("codec: allocation array has %d elements, want 4", n)
	}
	aid, b, err := msgp.ReadUint64Bytes(b)
	if err != nil {
		return fmt.Errorf("codec: allocation.aid: %w", err)
	}
	p, b, err := msgp.ReadFloat64Bytes(b)
	if err != nil {
		return fmt.Errorf("codec: allocation.p: %w", err)
	}
	q, b, err := msgp.ReadFloat64Bytes(b)
	if err != nil {
		return fmt.Errorf("codec: allocation.q: %w", err)
	}
	d, _, err := msgp.ReadFloat64Bytes(b)
	if err != nil {
		return fmt.Errorf("codec: allocation.duration: %w", err)
	}
	a.AID, a.P, a.Q, a.Duration = aid, p, q, d
	return nil
}

func (a Allocation) appendTo(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendUint64(b, a.AID)
	b = msgp.AppendFloat64(b, a.P)
	b = msgp.AppendFloat64(b, a.Q)
	b = msgp.AppendFloat64(b, a.Duration)
	return b
}
