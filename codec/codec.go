// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package codec frames Packet and Allocation values to and from opaque byte
// strings (spec §4.1, C1). It mirrors original_source/sens/defs.py's
// msgpack.ExtType(1, ...)/ExtType(2, ...) scheme, built on
// github.com/tinylib/msgp's Extension and byte-slice Append/Read helpers the
// way rockstar-0000-aistore's xact/xs package drives msgp.Writer/Reader
// directly rather than only through codegen.
package codec

import (
	"errors"
	"fmt"

	"github.com/tinylib/msgp"
)

// ErrMalformed wraps every decode failure, so callers can match it with
// errors.Is regardless of the underlying cause (spec §7: "malformed frame,
// drop, log at warn").
var ErrMalformed = errors.New("codec: malformed frame")

// Encode serializes p into a self-describing extension-tagged frame. It never
// fails for a well-formed Packet (spec §4.1); a non-nil error here indicates
// p itself violates the payload-shape invariant and is a caller bug.
func Encode(p Packet) ([]byte, error) {
	if !validPType(p.Type) {
		return nil, fmt.Errorf("codec: unknown ptype %q", p.Type)
	}
	if err := validatePayload(p.Type, p.Payload); err != nil {
		return nil, err
	}
	return msgp.AppendExtension(nil, &p), nil
}

// Decode parses a frame produced by Encode. Any structural problem -
// truncated input, wrong extension tag, unknown ptype, payload/ptype
// mismatch - is reported as ErrMalformed (spec §4.1, §8 P1).
func Decode(b []byte) (Packet, error) {
	typ, _, err := msgp.ReadExtensionTypeBytes(b)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if typ != extPacket {
		return Packet{}, fmt.Errorf("%w: extension tag %d, want %d", ErrMalformed, typ, extPacket)
	}
	var p Packet
	if _, err := msgp.ReadExtensionBytes(b, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

func (p Packet) ExtensionType() int8 { return extPacket }

func (p Packet) Len() int { return len(p.appendTo(nil)) }

func (p Packet) MarshalBinaryTo(b []byte) error {
	enc := p.appendTo(nil)
	if len(b) != len(enc) {
		return fmt.Errorf("codec: packet buffer size mismatch: got %d want %d", len(b), len(enc))
	}
	copy(b, enc)
	return nil
}

func (p *Packet) UnmarshalBinary(b []byte) error {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return fmt.Errorf("packet: %w", err)
	}
	if n != 4 {
		return fmt.Errorf("packet array has %d elements, want 4", n)
	}
	ptypeStr, b, err := msgp.ReadStringBytes(b)
	if err != nil {
		return fmt.Errorf("packet.ptype: %w", err)
	}
	t := PType(ptypeStr)
	if !validPType(t) {
		return fmt.Errorf("unknown ptype %q", ptypeStr)
	}
	payload, b, err := decodePayload(b)
	if err != nil {
		return fmt.Errorf("packet.payload: %w", err)
	}
	if err := validatePayload(t, payload); err != nil {
		return err
	}
	srcStr, b, err := msgp.ReadStringBytes(b)
	if err != nil {
		return fmt.Errorf("packet.src: %w", err)
	}
	var dst Endpoint
	hasDst := false
	if msgp.NextType(b) == msgp.NilType {
		if _, err := msgp.ReadNilBytes(b); err != nil {
			return fmt.Errorf("packet.dst: %w", err)
		}
	} else {
		dstStr, _, err := msgp.ReadStringBytes(b)
		if err != nil {
			return fmt.Errorf("packet.dst: %w", err)
		}
		dst = Endpoint(dstStr)
		hasDst = true
	}
	p.Type = t
	p.Payload = payload
	p.Src = Endpoint(srcStr)
	p.Dst = dst
	p.HasDst = hasDst
	return nil
}

func (p Packet) appendTo(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendString(b, string(p.Type))
	b = appendPayload(b, p.Payload)
	b = msgp.AppendString(b, string(p.Src))
	if p.HasDst {
		b = msgp.AppendString(b, string(p.Dst))
	} else {
		b = msgp.AppendNil(b)
	}
	return b
}

func appendPayload(b []byte, p Payload) []byte {
	switch p.Kind {
	case PayloadNone:
		return msgp.AppendNil(b)
	case PayloadSingle:
		return msgp.AppendExtension(b, &p.Allocation)
	case PayloadPair:
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendExtension(b, &p.Allocation)
		return msgp.AppendFloat64(b, p.Measure)
	case PayloadTriple:
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendExtension(b, &p.Allocation)
		b = msgp.AppendExtension(b, &p.MaxAllocation)
		return msgp.AppendFloat64(b, p.Measure)
	default:
		return msgp.AppendNil(b)
	}
}

func decodePayload(b []byte) (Payload, []byte, error) {
	switch msgp.NextType(b) {
	case msgp.NilType:
		b, err := msgp.ReadNilBytes(b)
		return Payload{Kind: PayloadNone}, b, err
	case msgp.ExtensionType:
		var a Allocation
		b, err := msgp.ReadExtensionBytes(b, &a)
		if err != nil {
			return Payload{}, b, err
		}
		return Payload{Kind: PayloadSingle, Allocation: a}, b, nil
	case msgp.ArrayType:
		n, b, err := msgp.ReadArrayHeaderBytes(b)
		if err != nil {
			return Payload{}, b, err
		}
		switch n {
		case 2:
			var a Allocation
			b, err = msgp.ReadExtensionBytes(b, &a)
			if err != nil {
				return Payload{}, b, err
			}
			measure, b, err := msgp.ReadFloat64Bytes(b)
			if err != nil {
				return Payload{}, b, err
			}
			return Payload{Kind: PayloadPair, Allocation: a, Measure: measure}, b, nil
		case 3:
			var a, max Allocation
			b, err = msgp.ReadExtensionBytes(b, &a)
			if err != nil {
				return Payload{}, b, err
			}
			b, err = msgp.ReadExtensionBytes(b, &max)
			if err != nil {
				return Payload{}, b, err
			}
			measure, b, err := msgp.ReadFloat64Bytes(b)
			if err != nil {
				return Payload{}, b, err
			}
			return Payload{Kind: PayloadTriple, Allocation: a, MaxAllocation: max, Measure: measure}, b, nil
		default:
			return Payload{}, b, fmt.Errorf("payload array has %d elements, want 2 or 3", n)
		}
	default:
		return Payload{}, b, fmt.Errorf("unsupported payload wire type %v", msgp.NextType(b))
	}
}
