package endpoint

import (
	"time"

	"tapmesh/fragment"
	"tapmesh/spp"
)

// BindCandidate is one locally reachable address the master side offers
// a peer in YOUCONNECT, tried in order until one is accepted.
type BindCandidate struct {
	Scope string
	Host  string
}

// Config holds everything the endpoint coordinator needs that isn't
// learned from the rendezvous server: local bind strategy, timing, and
// the SPP parameters applied to every new direct link.
type Config struct {
	// Candidates is walked by addrIndex during master binding.
	Candidates []BindCandidate

	UDPBasePort  uint16
	UDPPortRange uint16

	TCPListenAddr string

	KeepaliveInterval time.Duration
	ReceiveTimeout    time.Duration
	RetryInterval     time.Duration

	FlowBufferSize      int
	RelayFlowBufferSize int

	RelayCapable    bool
	RelayClientOnly bool

	// OTPRotationEvery is not read by the endpoint: how many packets go
	// out under one seed, and when the rotation warning fires, are set by
	// SPP's OTP parameters.
	OTPRotationEvery uint16

	// SPP is the security parameter set applied to every direct UDP link.
	// It is negotiated out of band (both endpoints run the same
	// configuration) rather than advertised on the wire: YOUCONNECT's key
	// field carries only fresh key material sized against these params.
	SPP spp.Params

	// FEC optionally shields fragmentation-codec chunks against loss on
	// relay hops; the zero value (fragment.NoFEC) leaves the wire format
	// exactly as spec'd.
	FEC          fragment.Algorithm
	FECGroupSize int

	// TapMTU bounds both the fragmentation codec's input frame size and
	// the reassembler's per-frame buffer.
	TapMTU int

	// OutputMTU and ChunkMTU bound the fragmentation codec's output
	// packet and per-chunk sizes; see fragment.NewDisassembler.
	OutputMTU int
	ChunkMTU  int

	// ExternalHost is substituted for the `{server_reported}:PORT`
	// placeholder described in spec.md §6 when advertising a bound port
	// in YOUCONNECT; normally the address the rendezvous server reported
	// back at EventReady.
	ExternalHost string

	// MaxMACs and MaxGroups bound the frame decider's learned-MAC table
	// and total IGMP group membership count.
	MaxMACs   int
	MaxGroups int

	// IGMPGroupMembershipInterval and IGMPLastMemberQueryTime are the
	// decider's two aging timers; see decider.Config.
	IGMPGroupMembershipInterval time.Duration
	IGMPLastMemberQueryTime     time.Duration

	// ReassemblySlotCount bounds how many in-flight fragmentation-codec
	// reassembly slots each peer's Assembler keeps at once.
	ReassemblySlotCount int

	// RelayInactivityTimeout is how long a source peer may stay silent
	// before the ReceiveDevice drops its activity record
	// (PEER_RELAY_FLOW_INACTIVITY_TIME). There is no per-source receive
	// buffer; RelayFlowBufferSize is not read.
	RelayInactivityTimeout time.Duration
}

// ReassemblySlots returns the configured (or defaulted) reassembly slot
// count for a peer's fragmentation Assembler.
func (c Config) ReassemblySlots() int {
	if c.ReassemblySlotCount <= 0 {
		return 16
	}
	return c.ReassemblySlotCount
}

// RelayFlowInactivity returns the configured (or defaulted) relay receive
// buffer inactivity eviction timeout.
func (c Config) RelayFlowInactivity() time.Duration {
	if c.RelayInactivityTimeout <= 0 {
		return 2 * time.Minute
	}
	return c.RelayInactivityTimeout
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 10 * time.Second
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = 30 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.FlowBufferSize == 0 {
		c.FlowBufferSize = 128
	}
	if c.RelayFlowBufferSize == 0 {
		c.RelayFlowBufferSize = 256
	}
	if c.UDPPortRange == 0 {
		c.UDPPortRange = 32
	}
	if c.TapMTU == 0 {
		c.TapMTU = 1500
	}
	if c.OutputMTU == 0 {
		c.OutputMTU = 1400
	}
	if c.FECGroupSize == 0 {
		c.FECGroupSize = 8
	}
	if c.MaxMACs == 0 {
		c.MaxMACs = 4096
	}
	if c.MaxGroups == 0 {
		c.MaxGroups = 1024
	}
	if c.IGMPGroupMembershipInterval == 0 {
		c.IGMPGroupMembershipInterval = 260 * time.Second
	}
	if c.IGMPLastMemberQueryTime == 0 {
		c.IGMPLastMemberQueryTime = 2 * time.Second
	}
	if c.ReassemblySlotCount == 0 {
		c.ReassemblySlotCount = 16
	}
	if c.RelayInactivityTimeout == 0 {
		c.RelayInactivityTimeout = 2 * time.Minute
	}
	return c
}
