// Package dataproto implements the DataProto pipeline: the per-link packet
// format, the fair-queued send side (Sink/Flow), the tap-facing send source
// (Source), and the receive-side dispatcher (ReceiveDevice) that demultiplexes
// and relays incoming packets.
//
// Wire layout, grounded on device/send.go and device/receive.go's
// queue/keepalive plumbing but carrying tapmesh's own header:
//
//	[flags:u8] [from_id:u16 LE] [num_destinations:u8] [dest_id:u16 LE]x [payload]
package dataproto

import (
	"encoding/binary"
	"errors"
)

// FlagReceivedData is set by a peer to acknowledge it has recently received
// traffic on this link — the liveness hint a Sink's receive-timer watches
// for.
const FlagReceivedData = 1 << 0

var (
	ErrPacketTooShort = errors.New("dataproto: packet shorter than header")
	ErrTooManyDests   = errors.New("dataproto: more than 255 destinations")
)

// Packet is one decoded DataProto message.
type Packet struct {
	Flags    byte
	FromID   uint16
	Dests    []uint16
	Payload  []byte
}

// HeaderLen returns the wire size of this packet's fixed-plus-destinations
// header (everything before Payload).
func (p Packet) HeaderLen() int {
	return 1 + 2 + 1 + 2*len(p.Dests)
}

// Encode appends the wire encoding of p to dst and returns the result.
func (p Packet) Encode(dst []byte) ([]byte, error) {
	if len(p.Dests) > 0xff {
		return nil, ErrTooManyDests
	}
	header := make([]byte, p.HeaderLen())
	header[0] = p.Flags
	binary.LittleEndian.PutUint16(header[1:3], p.FromID)
	header[3] = byte(len(p.Dests))
	off := 4
	for _, d := range p.Dests {
		binary.LittleEndian.PutUint16(header[off:off+2], d)
		off += 2
	}
	dst = append(dst, header...)
	dst = append(dst, p.Payload...)
	return dst, nil
}

// Decode parses a DataProto packet from wire. Payload aliases the input
// slice; callers that retain it across a buffer reuse boundary must copy.
func Decode(wire []byte) (Packet, error) {
	if len(wire) < 4 {
		return Packet{}, ErrPacketTooShort
	}
	p := Packet{
		Flags:  wire[0],
		FromID: binary.LittleEndian.Uint16(wire[1:3]),
	}
	numDests := int(wire[3])
	need := 4 + 2*numDests
	if len(wire) < need {
		return Packet{}, ErrPacketTooShort
	}
	p.Dests = make([]uint16, numDests)
	off := 4
	for i := 0; i < numDests; i++ {
		p.Dests[i] = binary.LittleEndian.Uint16(wire[off : off+2])
		off += 2
	}
	p.Payload = wire[need:]
	return p, nil
}

// IsKeepalive reports whether p carries no payload — an empty payload is,
// by definition, a keepalive.
func (p Packet) IsKeepalive() bool { return len(p.Payload) == 0 }
