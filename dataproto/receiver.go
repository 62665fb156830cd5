package dataproto

import (
	"sync"
	"time"
)

// ReceiveDevice is the receive-side half of the DataProto pipeline: it
// demultiplexes incoming packets by destination id, writes frames destined
// for this endpoint to the tap device, and relays frames destined for
// another peer onward via that peer's own send sink — unless the packet's
// original source is a relay-client-only peer, in which case onward
// forwarding is refused to prevent relay loops.
type ReceiveDevice struct {
	ownID    uint16
	writeTap func(fromPeer uint16, payload []byte) error

	// forward relays payload toward destPeer on behalf of sourcePeer,
	// typically by routing it into destPeer's attached Flow/Sink with
	// sourcePeer preserved as the re-sent packet's FromID, so the
	// eventual receiver's decider still learns the original sender's MAC
	// rather than the relay's.
	forward func(sourcePeer, destPeer uint16, payload []byte) error

	isRelayClientOnly func(sourcePeer uint16) bool

	inactivity time.Duration

	mu         sync.Mutex
	lastActive map[uint16]time.Time
}

func NewReceiveDevice(ownID uint16, writeTap func(uint16, []byte) error, forward func(uint16, uint16, []byte) error, isRelayClientOnly func(uint16) bool, inactivity time.Duration) *ReceiveDevice {
	return &ReceiveDevice{
		ownID:             ownID,
		writeTap:          writeTap,
		forward:           forward,
		isRelayClientOnly: isRelayClientOnly,
		inactivity:        inactivity,
		lastActive:        make(map[uint16]time.Time),
	}
}

// SetOwnID updates the id this device treats as "destined for us". The
// endpoint coordinator constructs its ReceiveDevice before the rendezvous
// server has assigned an id (EventReady arrives after the reactor loop
// starts), so this lets it patch the real id in once known.
func (rd *ReceiveDevice) SetOwnID(id uint16) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.ownID = id
}

// HandlePacket processes one wire packet that physically arrived on some
// peer link. It returns the decode error, if any; forwarding/tap-write
// errors are per-destination and do not abort processing of the other
// destinations in a multi-destination packet.
func (rd *ReceiveDevice) HandlePacket(wire []byte, now time.Time) error {
	pkt, err := Decode(wire)
	if err != nil {
		return err
	}

	rd.touch(pkt.FromID, now)

	if pkt.IsKeepalive() {
		return nil
	}

	relayClientOnly := rd.isRelayClientOnly != nil && rd.isRelayClientOnly(pkt.FromID)

	rd.mu.Lock()
	ownID := rd.ownID
	rd.mu.Unlock()

	for _, dest := range pkt.Dests {
		if dest == ownID {
			_ = rd.writeTap(pkt.FromID, pkt.Payload)
			continue
		}
		if relayClientOnly {
			continue
		}
		_ = rd.forward(pkt.FromID, dest, pkt.Payload)
	}
	return nil
}

func (rd *ReceiveDevice) touch(peer uint16, now time.Time) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.lastActive[peer] = now
}

// Expire forgets and returns every source peer that has sent no packet for
// longer than the configured inactivity timeout. ReceiveDevice keeps no
// per-source packet buffer, only each source's last activity time.
func (rd *ReceiveDevice) Expire(now time.Time) []uint16 {
	if rd.inactivity <= 0 {
		return nil
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	var expired []uint16
	for peer, last := range rd.lastActive {
		if now.Sub(last) > rd.inactivity {
			expired = append(expired, peer)
			delete(rd.lastActive, peer)
		}
	}
	return expired
}
