package session

import "fmt"

// State is one node in the per-peer link-state machine. It combines link
// disposition with transient signalling phase.
type State int

const (
	Idle State = iota
	Binding
	WaitingConnect
	Connecting
	LinkUp
	Relaying
	WaitingRelay
	RetryBackoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Binding:
		return "Binding"
	case WaitingConnect:
		return "WaitingConnect"
	case Connecting:
		return "Connecting"
	case LinkUp:
		return "LinkUp"
	case Relaying:
		return "Relaying"
	case WaitingRelay:
		return "WaitingRelay"
	case RetryBackoff:
		return "RetryBackoff"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Actions is the set of side effects the state machine requests of its
// host (the endpoint coordinator). Every method is called synchronously
// from within a Peer method, on the single reactor goroutine — none of
// them may block.
type Actions interface {
	// BindAddress attempts to bind (UDP) or register a password listener
	// entry (TCP) for bind address index addrIndex, returning whether it
	// succeeded and, on success, the YouConnect payload to advertise.
	BindAddress(addrIndex int) (YouConnect, bool)
	// ConnectAddress attempts to establish a link to one address offered
	// by the master in a YOUCONNECT, returning success.
	ConnectAddress(yc YouConnect, addrIndex int) bool
	// SendMessage queues a signalling message toward this peer via the
	// server's fair-queued outbound channel.
	SendMessage(msg Message)
	// TearDownLink closes whatever link is currently established.
	TearDownLink()
	// ArmRetryTimer schedules a one-shot PEER_RETRY_TIME callback; only
	// ever called by the master role.
	ArmRetryTimer()
	// RequestRelay asks the endpoint coordinator to run assign_relays for
	// this peer.
	RequestRelay()
	// GenerateSeed produces a fresh random key/iv pair sized for the
	// negotiated OTP cipher, for a rotation this endpoint initiates.
	GenerateSeed() (key, iv []byte, err error)
	// InstallSendSeed installs seed as the active OTP send seed once its
	// rotation has been confirmed.
	InstallSendSeed(seed Seed)
	// AddReceiveSeed installs seed as a pending OTP receive seed from an
	// incoming SEED message.
	AddReceiveSeed(seed Seed)
}

// Peer is one remote peer's session state machine.
type Peer struct {
	ownID  uint16
	peerID uint16
	acts   Actions

	state          State
	addrIndex      int // Binding: which configured bind address we're trying
	connectIndex   int // Connecting (slave): which offered address we're trying
	pendingYC      YouConnect
	relayID        uint16
	waitingRelay   bool
	canBeRelay     bool
	relayClientOnly bool

	nextSeedID     uint16
	pendingSeed    Seed
	pendingSeedSet bool
}

// NewPeer builds a Peer in Idle state. Role (master/slave) is derived from
// id comparison: am_master = own_id > peer_id.
func NewPeer(ownID, peerID uint16, acts Actions) *Peer {
	return &Peer{ownID: ownID, peerID: peerID, acts: acts, state: Idle}
}

func (p *Peer) State() State  { return p.state }
func (p *Peer) PeerID() uint16 { return p.peerID }

// IsMaster reports whether this endpoint drives binding and retry timers
// toward this peer.
func (p *Peer) IsMaster() bool { return p.ownID > p.peerID }

// Start begins the session once the peer becomes known (a new_client
// event from the server). Only the master side actively binds; the slave
// waits for YOUCONNECT.
func (p *Peer) Start() {
	if p.IsMaster() {
		p.beginBinding(0)
	} else {
		p.state = WaitingConnect
	}
}

func (p *Peer) beginBinding(addrIndex int) {
	p.state = Binding
	p.addrIndex = addrIndex
	yc, ok := p.acts.BindAddress(addrIndex)
	if !ok {
		p.nextBindAddress()
		return
	}
	p.pendingYC = yc
	p.acts.SendMessage(EncodeYouConnect(yc))
	p.state = WaitingConnect
}

func (p *Peer) nextBindAddress() {
	// Only the single next address index is tried here. A false result
	// from BindAddress, whether that bind failed or the index is past
	// the configured list, sends CANNOTBIND at once; addresses after a
	// failed one are not tried.
	p.addrIndex++
	yc, ok := p.acts.BindAddress(p.addrIndex)
	if !ok {
		p.onCannotBindLocally()
		return
	}
	p.pendingYC = yc
	p.acts.SendMessage(EncodeYouConnect(yc))
	p.state = WaitingConnect
}

func (p *Peer) onCannotBindLocally() {
	p.acts.SendMessage(Message{Type: MsgCannotBind})
	p.enterWaitingRelay()
}

func (p *Peer) enterWaitingRelay() {
	p.state = WaitingRelay
	p.waitingRelay = true
	p.acts.RequestRelay()
}

// OnMessage dispatches one decoded signalling message from this peer.
func (p *Peer) OnMessage(msg Message) {
	switch msg.Type {
	case MsgYouConnect:
		p.onYouConnect(msg.Payload)
	case MsgCannotConnect:
		p.onCannotConnect()
	case MsgCannotBind:
		p.onCannotBind()
	case MsgYouRetry:
		p.onYouRetry()
	case MsgConfirmSeed:
		if seedID, err := DecodeConfirmSeed(msg.Payload); err == nil {
			p.OnConfirmSeed(seedID)
		}
	}
	// MsgSeed is not dispatched here: decoding its payload needs the
	// negotiated OTP cipher's key/iv lengths, which Peer does not know.
	// The endpoint coordinator decodes it directly with DecodeSeed and
	// calls OnSeed.
}

// onYouConnect is the slave side of master binding: walk the offered
// addresses, connecting to the first whose scope we recognize.
func (p *Peer) onYouConnect(payload []byte) {
	yc, err := DecodeYouConnect(payload)
	if err != nil {
		return
	}
	p.pendingYC = yc
	p.connectIndex = 0
	p.tryConnect()
}

func (p *Peer) tryConnect() {
	p.state = Connecting
	if p.acts.ConnectAddress(p.pendingYC, p.connectIndex) {
		p.state = LinkUp
		return
	}
	p.acts.SendMessage(Message{Type: MsgCannotConnect})
}

// onCannotConnect: the master tries the next bind address for its
// YOUCONNECT advertisement.
func (p *Peer) onCannotConnect() {
	if !p.IsMaster() {
		return
	}
	p.nextBindAddress()
}

// onCannotBind: if we are the master and the slave cannot bind either
// (TCP password listener failure), we retry; if we are the slave
// receiving this from the master, the master gave up entirely and we
// should also wait for relay.
func (p *Peer) onCannotBind() {
	if p.IsMaster() {
		p.scheduleRetry()
		return
	}
	p.enterWaitingRelay()
}

// onYouRetry: the slave is asking the master to restart from Binding.
func (p *Peer) onYouRetry() {
	if !p.IsMaster() {
		return
	}
	p.scheduleRetry()
}

func (p *Peer) scheduleRetry() {
	p.acts.TearDownLink()
	p.state = RetryBackoff
	p.acts.ArmRetryTimer()
}

// OnRetryTimer fires PEER_RETRY_TIME after a master-side failure.
func (p *Peer) OnRetryTimer() {
	if p.state != RetryBackoff {
		return
	}
	p.beginBinding(0)
}

// OnTransportError is raised by a link (direct or relay) failing. The
// slave reports YOURETRY and waits; the master tears down and retries.
func (p *Peer) OnTransportError() {
	p.acts.TearDownLink()
	if p.IsMaster() {
		p.state = RetryBackoff
		p.acts.ArmRetryTimer()
		return
	}
	p.acts.SendMessage(Message{Type: MsgYouRetry})
	p.state = WaitingConnect
}

// EnterRelay attaches this peer's traffic through relayID's link, called
// by the endpoint coordinator's assign_relays once a relay provider is
// available.
func (p *Peer) EnterRelay(relayID uint16) {
	p.relayID = relayID
	p.waitingRelay = false
	p.state = Relaying
}

// LeaveRelay returns this peer to WaitingRelay, e.g. because its relay
// provider's link went down or was removed.
func (p *Peer) LeaveRelay() {
	if p.state != Relaying {
		return
	}
	p.enterWaitingRelay()
}

// SetRelayCapable marks whether this peer has offered itself as a relay
// provider (a direct link coming up on a peer with the relay-server
// capability flag adds it to the relay registry).
func (p *Peer) SetRelayCapable(v bool) { p.canBeRelay = v }
func (p *Peer) CanBeRelay() bool        { return p.canBeRelay }

// SetRelayClientOnly marks this peer as never eligible to have its
// traffic forwarded onward by us (anti-loop), per the decider's
// relay-client-only exclusion.
func (p *Peer) SetRelayClientOnly(v bool) { p.relayClientOnly = v }
func (p *Peer) RelayClientOnly() bool      { return p.relayClientOnly }

// WaitingForRelay reports the orthogonal "waiting for relay" flag, which
// can be true even while state is something other than WaitingRelay in the
// instant between a relay provider disappearing and assign_relays running.
func (p *Peer) WaitingForRelay() bool { return p.waitingRelay }

// OnSeedWarning handles the SPP send-seed-warning event: the sender is
// approaching its OTP index limit, so a rotation must begin.
func (p *Peer) OnSeedWarning() {
	key, iv, err := p.acts.GenerateSeed()
	if err != nil {
		return
	}
	p.nextSeedID++
	p.pendingSeed = Seed{SeedID: p.nextSeedID, Key: key, IV: iv}
	p.pendingSeedSet = true
	p.acts.SendMessage(EncodeSeed(p.pendingSeed))
}

// OnConfirmSeed installs the pending send seed once the peer confirms it
// has observed traffic under it.
func (p *Peer) OnConfirmSeed(seedID uint16) {
	if !p.pendingSeedSet || seedID != p.pendingSeed.SeedID {
		return
	}
	p.pendingSeedSet = false
	p.acts.InstallSendSeed(p.pendingSeed)
}

// OnSeed installs an incoming SEED as a pending receive seed.
func (p *Peer) OnSeed(seed Seed) {
	p.acts.AddReceiveSeed(seed)
}

// OnSeedObserved is called once the SPP layer sees the first packet under
// a newly added receive seed, which both arms the seed as active and
// triggers the CONFIRMSEED reply.
func (p *Peer) OnSeedObserved(seedID uint16) {
	p.acts.SendMessage(EncodeConfirmSeed(seedID))
}
