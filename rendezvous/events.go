// Package rendezvous implements the endpoint's side of the rendezvous
// server channel: a framed byte stream over which the server tells an
// endpoint its own id and which peers exist, and over which endpoints
// exchange signalling messages relayed by the server.
package rendezvous

// EventType discriminates the events a Client delivers to its consumer.
type EventType int

const (
	// EventReady carries the endpoint's assigned peer id and its
	// server-observed external address, delivered once at the start of
	// a session.
	EventReady EventType = iota
	// EventNewClient announces a peer joining the rendezvous group.
	EventNewClient
	// EventEndClient announces a peer leaving the group.
	EventEndClient
	// EventMessage carries one signalling message from another peer.
	EventMessage
	// EventError reports the channel has failed and will deliver no
	// further events; the consumer must treat this as terminal.
	EventError
)

// ClientFlags advertises capability bits a peer reports on joining.
type ClientFlags uint32

const (
	FlagCanBeRelay ClientFlags = 1 << iota
	FlagRelayClientOnly
)

// Event is one item delivered from the rendezvous server to this
// endpoint. Only the fields relevant to Type are populated.
type Event struct {
	Type EventType

	// EventReady
	OwnID      uint16
	ExternalIP string

	// EventNewClient
	PeerID   uint16
	Flags    ClientFlags
	CertDER  []byte

	// EventEndClient / EventMessage share PeerID above.

	// EventMessage
	Payload []byte

	// EventError
	Err error
}

// Client is the consumed contract between the endpoint coordinator and
// whatever carries the rendezvous protocol — a live stream, a test
// double, or a replay log. Events arrives in arrival order; Send queues
// a signalling message toward peerID subject to the implementation's
// own outbound buffering policy.
type Client interface {
	Events() <-chan Event
	Send(peerID uint16, payload []byte) error
	Close() error
}
