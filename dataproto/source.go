package dataproto

import "time"

// LocalPeerID is the pseudo peer id Source.HandleFrame hands the decider for frames
// originating at this endpoint's own tap device, distinct from any real
// peer id (peer ids are assigned by the rendezvous server starting at 1).
const LocalPeerID = 0

// Decider is the subset of the frame decider's contract Source needs:
// learn from an observed frame, then decide its destinations.
type Decider interface {
	Observe(frame []byte, fromPeer uint16, now time.Time)
	Decide(frame []byte, allPeers []uint16, excludePeer uint16) []uint16
}

// FlowByPeer resolves a peer id to the Flow currently carrying this
// endpoint's locally-originated traffic toward it.
type FlowByPeer func(peerID uint16) (*Flow, bool)

// Source is the tap-facing half of the send side: it decides each
// outbound frame's destinations and routes a copy into every destination
// peer's local flow.
type Source struct {
	decider    Decider
	flowByPeer FlowByPeer
	allPeers   func() []uint16
}

func NewSource(decider Decider, flowByPeer FlowByPeer, allPeers func() []uint16) *Source {
	return &Source{decider: decider, flowByPeer: flowByPeer, allPeers: allPeers}
}

// HandleFrame processes one Ethernet frame read from the tap device.
func (s *Source) HandleFrame(frame []byte, now time.Time) {
	s.decider.Observe(frame, LocalPeerID, now)
	dests := s.decider.Decide(frame, s.allPeers(), LocalPeerID)
	for _, peer := range dests {
		flow, ok := s.flowByPeer(peer)
		if !ok {
			continue
		}
		_ = flow.Route(frame, []uint16{peer})
	}
}
