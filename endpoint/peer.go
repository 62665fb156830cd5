package endpoint

import (
	"net"
	"sync"

	"tapmesh/dataproto"
	"tapmesh/fragment"
	"tapmesh/session"
	"tapmesh/spp"
	"tapmesh/transport"
)

// peerState is everything the endpoint coordinator tracks for one
// remote peer: its session state machine, its outbound flow buffer, its
// SPP codec pair, and whichever direct link currently carries its
// traffic.
type peerState struct {
	id   uint16
	peer *session.Peer

	flow *dataproto.Flow

	mu      sync.Mutex
	encoder *spp.Encoder
	decoder *spp.Decoder

	udpLink    *transport.UDPLink
	udpRemote  *net.UDPAddr
	tcpLink    *transport.TCPLink
	sink       *dataproto.Sink
	relayID    uint16
	relayingOn bool // true once EnterRelay has pointed flow at another peer's sink

	// awaitingRemote is true for a master-side UDP link that is bound but
	// has not yet received a datagram from the peer it addressed in
	// YOUCONNECT; the first datagram's source address becomes udpRemote.
	awaitingRemote bool

	// pendingPassword is the TCP password most recently registered with
	// the endpoint's shared PasswordListener for this peer's bind
	// attempt, kept so a later attempt can unregister the old one.
	pendingPassword uint64

	// assembler reconstructs frames from fragmentation-codec chunks this
	// peer sends us; it is keyed per source peer rather than shared, so
	// one peer's frame-id sequence never collides with another's.
	assembler *fragment.Assembler

	// fecPipe and fecReceiver are non-nil only when FEC shielding is
	// configured; fecPipe batches our outgoing chunks into groups toward
	// this peer, fecReceiver recovers groups this peer sends us.
	fecPipe     *fragment.Pipe
	fecReceiver *fragment.Receiver

	certDER []byte
}

// udpWriter adapts a UDPLink bound (but not necessarily connected) to a
// fixed remote address into dataproto.Writer, used on the master side
// where the socket stays unconnected until a remote address is learned.
type udpWriter struct {
	link   *transport.UDPLink
	remote *net.UDPAddr
}

func (w *udpWriter) WriteDataProto(wire []byte) error {
	return w.link.WriteTo(wire, w.remote)
}

func newPeerState(ownID, peerID uint16, acts session.Actions, flowCapacity int) *peerState {
	return &peerState{
		id:   peerID,
		peer: session.NewPeer(ownID, peerID, acts),
		flow: dataproto.NewFlow(flowCapacity),
	}
}

func (p *peerState) closeLinks() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink != nil {
		p.sink.Stop()
		p.sink = nil
	}
	if p.udpLink != nil {
		p.udpLink.Close()
		p.udpLink = nil
	}
	if p.tcpLink != nil {
		p.tcpLink.Close()
		p.tcpLink = nil
	}
}
