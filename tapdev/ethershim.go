package tapdev

import (
	"encoding/binary"
	"errors"
)

const ethHeaderLen = 14

// l3Backend is the narrow surface ethershim needs from a device that can
// only read and write bare IP packets (wintun, netstack) rather than
// full Ethernet frames.
type l3Backend interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(packet []byte) (int, error)
	Close() error
	Name() (string, error)
	MTU() (int, error)
}

// EthernetShim wraps an l3Backend to satisfy Device: it synthesizes a
// fixed source/destination MAC and ethertype on read, and strips the
// 14-byte header on write, so the frame decider and DataProto codec —
// which operate on whole Ethernet frames — work unmodified on top of a
// natively layer-3 backend.
type EthernetShim struct {
	backend  l3Backend
	localMAC [6]byte
	peerMAC  [6]byte
}

var errShortFrame = errors.New("tapdev: frame shorter than an ethernet header")

// NewEthernetShim wraps backend. localMAC is stamped as the source
// address of every synthesized frame; peerMAC as the destination. A
// fixed peer MAC is sufficient because an L3 backend carries exactly
// one logical neighbor (the host IP stack) behind the shim.
func NewEthernetShim(backend l3Backend, localMAC, peerMAC [6]byte) *EthernetShim {
	return &EthernetShim{backend: backend, localMAC: localMAC, peerMAC: peerMAC}
}

func (s *EthernetShim) Read(buf []byte) (int, error) {
	if len(buf) < ethHeaderLen {
		return 0, errShortFrame
	}
	n, err := s.backend.ReadPacket(buf[ethHeaderLen:])
	if err != nil {
		return 0, err
	}
	copy(buf[0:6], s.peerMAC[:])
	copy(buf[6:12], s.localMAC[:])
	binary.BigEndian.PutUint16(buf[12:14], ethertypeOf(buf[ethHeaderLen:ethHeaderLen+n]))
	return ethHeaderLen + n, nil
}

func (s *EthernetShim) Write(frame []byte) (int, error) {
	if len(frame) < ethHeaderLen {
		return 0, errShortFrame
	}
	n, err := s.backend.WritePacket(frame[ethHeaderLen:])
	if err != nil {
		return 0, err
	}
	return n + ethHeaderLen, nil
}

func (s *EthernetShim) Close() error           { return s.backend.Close() }
func (s *EthernetShim) Name() (string, error)  { return s.backend.Name() }
func (s *EthernetShim) MTU() (int, error)      { return s.backend.MTU() }

func ethertypeOf(packet []byte) uint16 {
	if len(packet) == 0 {
		return 0x0800
	}
	switch packet[0] >> 4 {
	case 6:
		return 0x86DD
	default:
		return 0x0800
	}
}
