// Package endpoint implements the coordinator: the peer table, the relay
// registry, the waiting-for-relay list, the rendezvous server connection,
// and the device I/O endpoints described in spec.md §3 and §4.6-4.7. It is
// the glue that turns session.Peer's Actions callbacks, dataproto's
// sink/flow pipeline, and the transport/rendezvous I/O collaborators into
// one running process.
//
// The coordinator owns exactly one mutable state tree and mutates it only
// from its own goroutine (the rendezvous event loop) or from short,
// synchronous callbacks session.Peer invokes from within that goroutine —
// mirroring the teacher's single-reactor-thread discipline described in
// spec.md §5, realized here with one driving goroutine plus a small job
// queue for deferred teardown, instead of a libevent-style callback
// reactor.
package endpoint

import (
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"tapmesh/dataproto"
	"tapmesh/decider"
	"tapmesh/fragment"
	"tapmesh/logging"
	"tapmesh/rendezvous"
	"tapmesh/session"
	"tapmesh/spp"
	"tapmesh/tapdev"
	"tapmesh/transport"
)

// Endpoint is the running coordinator for one local tap device and its
// rendezvous-server-mediated peer group.
type Endpoint struct {
	cfg Config
	log logging.Logger

	server rendezvous.Client
	tap    tapdev.Device

	ownID uint16

	decider  *decider.Decider
	source   *dataproto.Source
	receiver *dataproto.ReceiveDevice

	passwords *transport.PasswordListener

	mu             sync.Mutex
	peers          map[uint16]*peerState
	relayProviders []uint16 // ordered: peers currently offering relay service
	waitingRelay   []uint16 // ordered: peers currently waiting for a relay

	// jobs is the same-tick deferred-action queue design note 9 describes:
	// a handler that would otherwise free an object it was called from
	// instead posts a job here, run once the current event has finished
	// dispatching.
	jobs chan func()

	retryTimers map[uint16]*time.Timer

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds an Endpoint. Run starts its event loop; New performs no I/O
// beyond validating cfg.
func New(cfg Config, log logging.Logger) *Endpoint {
	cfg = cfg.withDefaults()
	ep := &Endpoint{
		cfg:         cfg,
		log:         log,
		peers:       make(map[uint16]*peerState),
		jobs:        make(chan func(), 64),
		retryTimers: make(map[uint16]*time.Timer),
		stop:        make(chan struct{}),
	}
	ep.decider = decider.New(decider.Config{
		MaxMACs:                     cfg.MaxMACs,
		MaxGroups:                   cfg.MaxGroups,
		IGMPGroupMembershipInterval: cfg.IGMPGroupMembershipInterval,
		IGMPLastMemberQueryTime:     cfg.IGMPLastMemberQueryTime,
	})
	return ep
}

// Run is the endpoint's reactor loop: it consumes rendezvous events and
// tap-device frames until the server channel fails, the tap device errors,
// or Close is called. It returns the terminal error, nil only on a clean
// Close.
func (ep *Endpoint) Run(server rendezvous.Client, tap tapdev.Device) error {
	ep.server = server
	ep.tap = tap

	ep.source = dataproto.NewSource(ep.decider, ep.flowForPeer, ep.peerIDs)
	ep.receiver = dataproto.NewReceiveDevice(0, ep.writeTap, ep.forward, ep.isRelayClientOnly, ep.cfg.RelayFlowInactivity())

	if ep.cfg.TCPListenAddr != "" {
		pl, err := transport.ListenPassword(ep.cfg.TCPListenAddr)
		if err != nil {
			return fmt.Errorf("endpoint: listen password: %w", err)
		}
		ep.passwords = pl
	}

	tapErrs := make(chan error, 1)
	ep.wg.Add(1)
	go ep.tapReadLoop(tapErrs)

	expiry := time.NewTicker(time.Second)
	defer expiry.Stop()

	for {
		select {
		case <-ep.stop:
			ep.teardownAll()
			ep.wg.Wait()
			return nil

		case err := <-tapErrs:
			ep.teardownAll()
			return fmt.Errorf("endpoint: tap device: %w", err)

		case job := <-ep.jobs:
			job()

		case <-expiry.C:
			ep.runExpiry()

		case ev, ok := <-server.Events():
			if !ok {
				ep.teardownAll()
				return fmt.Errorf("endpoint: server channel closed")
			}
			if err := ep.handleServerEvent(ev); err != nil {
				ep.teardownAll()
				return err
			}
		}
	}
}

// Close stops the reactor loop and tears down every peer and device.
func (ep *Endpoint) Close() {
	select {
	case <-ep.stop:
	default:
		close(ep.stop)
	}
}

func (ep *Endpoint) defer_(fn func()) {
	select {
	case ep.jobs <- fn:
	default:
		fn()
	}
}

func (ep *Endpoint) peerIDs() []uint16 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ids := make([]uint16, 0, len(ep.peers))
	for id := range ep.peers {
		ids = append(ids, id)
	}
	return ids
}

func (ep *Endpoint) flowForPeer(peerID uint16) (*dataproto.Flow, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	p, ok := ep.peers[peerID]
	if !ok {
		return nil, false
	}
	return p.flow, true
}

func (ep *Endpoint) isRelayClientOnly(peerID uint16) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	p, ok := ep.peers[peerID]
	return ok && p.peer.RelayClientOnly()
}

// writeTap delivers a frame this endpoint is the final destination for.
func (ep *Endpoint) writeTap(fromPeer uint16, payload []byte) error {
	frame, err := ep.reassembleFrom(fromPeer, payload)
	if err != nil || frame == nil {
		return err
	}
	ep.decider.Observe(frame, fromPeer, time.Now())
	_, err = ep.tap.Write(frame)
	return err
}

// forward relays payload from sourcePeer onward to destPeer's sink, used
// both for genuine relay traffic and, transparently, for the single-hop
// case where a DataProto packet names more than one destination.
func (ep *Endpoint) forward(sourcePeer, destPeer uint16, payload []byte) error {
	ep.mu.Lock()
	dest, ok := ep.peers[destPeer]
	ep.mu.Unlock()
	if !ok {
		return fmt.Errorf("endpoint: forward: unknown destination peer %d", destPeer)
	}
	return dest.flow.RouteFrom(payload, []uint16{destPeer}, sourcePeer)
}

// reassembleFrom feeds one received chunk-bearing DataProto payload into
// fromPeer's fragmentation assembler (and FEC receiver, if configured),
// returning a completed frame once reassembly finishes.
func (ep *Endpoint) reassembleFrom(fromPeer uint16, payload []byte) ([]byte, error) {
	ep.mu.Lock()
	p, ok := ep.peers[fromPeer]
	ep.mu.Unlock()
	if !ok {
		return nil, nil
	}

	chunks := [][]byte{payload}
	if p.fecReceiver != nil {
		recovered, err := p.fecReceiver.Accept(payload, time.Now())
		if err != nil {
			return nil, nil // transient packet fault: silent drop
		}
		if recovered == nil {
			return nil, nil
		}
		chunks = recovered
	}

	for _, chunk := range chunks {
		if chunk == nil {
			continue // FEC erasure that could not be recovered
		}
		frames, err := p.assembler.Reassemble(chunk)
		if err != nil {
			continue
		}
		if len(frames) > 0 {
			return frames[0], nil
		}
	}
	return nil, nil
}

func (ep *Endpoint) tapReadLoop(errs chan<- error) {
	defer ep.wg.Done()
	mtu := ep.cfg.TapMTU
	buf := make([]byte, mtu+32)
	for {
		n, err := ep.tap.Read(buf)
		if err != nil {
			select {
			case errs <- err:
			case <-ep.stop:
			}
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		ep.source.HandleFrame(frame, time.Now())
	}
}

func (ep *Endpoint) runExpiry() {
	now := time.Now()
	for _, k := range ep.decider.Expire(now) {
		ep.log.Debugf("igmp membership expired: peer=%d group=%x", k.Peer, k.Group)
	}
	if ep.receiver != nil {
		for _, peer := range ep.receiver.Expire(now) {
			ep.log.Debugf("relay receive buffer idle, evicting peer=%d", peer)
		}
	}
}

// --- rendezvous event handling -------------------------------------------------

func (ep *Endpoint) handleServerEvent(ev rendezvous.Event) error {
	switch ev.Type {
	case rendezvous.EventReady:
		ep.ownID = ev.OwnID
		if ep.cfg.ExternalHost == "" {
			ep.cfg.ExternalHost = ev.ExternalIP
		}
		ep.receiver.SetOwnID(ev.OwnID)
		ep.log.Infof("ready: own_id=%d external=%s", ev.OwnID, ev.ExternalIP)
	case rendezvous.EventNewClient:
		ep.addPeer(ev.PeerID, ev.Flags, ev.CertDER)
	case rendezvous.EventEndClient:
		ep.removePeer(ev.PeerID)
	case rendezvous.EventMessage:
		ep.dispatchMessage(ev.PeerID, ev.Payload)
	case rendezvous.EventError:
		return fmt.Errorf("endpoint: server channel failed: %w", ev.Err)
	}
	return nil
}

func (ep *Endpoint) addPeer(peerID uint16, flags rendezvous.ClientFlags, cert []byte) {
	if peerID == ep.ownID {
		return
	}
	ep.mu.Lock()
	if _, exists := ep.peers[peerID]; exists {
		ep.mu.Unlock()
		return
	}
	acts := &peerActions{ep: ep, peerID: peerID}
	p := newPeerState(ep.ownID, peerID, acts, ep.cfg.FlowBufferSize)
	p.certDER = cert
	p.assembler = fragment.NewAssembler(ep.cfg.ReassemblySlots(), ep.cfg.TapMTU)
	p.peer.SetRelayClientOnly(flags&rendezvous.FlagRelayClientOnly != 0)
	if flags&rendezvous.FlagCanBeRelay != 0 {
		p.peer.SetRelayCapable(true)
	}
	ep.peers[peerID] = p
	ep.mu.Unlock()

	p.peer.Start()
}

// removePeer tears down a peer's link, detaches its local flow, and
// re-queues any relay users that were riding on it as waiting-for-relay.
// Outbound signalling to this peer needs no teardown step of its own:
// StreamClient.Send enqueues onto its own fair-queued channel and drains
// it independently of whether the peer row still exists here.
func (ep *Endpoint) removePeer(peerID uint16) {
	ep.mu.Lock()
	p, ok := ep.peers[peerID]
	if !ok {
		ep.mu.Unlock()
		return
	}
	delete(ep.peers, peerID)
	ep.removeFromRelayProvidersLocked(peerID)
	ep.removeFromWaitingLocked(peerID)
	orphans := ep.usersOfLocked(peerID)
	ep.mu.Unlock()

	p.closeLinks()
	p.flow.Detach()

	if timer, ok := ep.retryTimers[peerID]; ok {
		timer.Stop()
		delete(ep.retryTimers, peerID)
	}

	for _, orphanID := range orphans {
		ep.mu.Lock()
		orphan, ok := ep.peers[orphanID]
		if ok {
			orphan.relayingOn = false
		}
		ep.mu.Unlock()
		if !ok {
			continue
		}
		orphan.flow.Detach()
		orphan.peer.LeaveRelay()
		ep.mu.Lock()
		ep.waitingRelay = append(ep.waitingRelay, orphanID)
		ep.mu.Unlock()
	}
	ep.assignRelays()
}

// usersOfLocked returns every peer currently relaying through providerID.
// Callers must hold ep.mu.
func (ep *Endpoint) usersOfLocked(providerID uint16) []uint16 {
	var users []uint16
	for id, p := range ep.peers {
		if p.relayingOn && p.relayID == providerID {
			users = append(users, id)
		}
	}
	return users
}

func (ep *Endpoint) removeFromRelayProvidersLocked(peerID uint16) {
	for i, id := range ep.relayProviders {
		if id == peerID {
			ep.relayProviders = append(ep.relayProviders[:i], ep.relayProviders[i+1:]...)
			return
		}
	}
}

func (ep *Endpoint) removeFromWaitingLocked(peerID uint16) {
	for i, id := range ep.waitingRelay {
		if id == peerID {
			ep.waitingRelay = append(ep.waitingRelay[:i], ep.waitingRelay[i+1:]...)
			return
		}
	}
}

func (ep *Endpoint) dispatchMessage(peerID uint16, payload []byte) {
	ep.mu.Lock()
	p, ok := ep.peers[peerID]
	ep.mu.Unlock()
	if !ok {
		return
	}
	msg, err := session.DecodeMessage(payload)
	if err != nil {
		ep.log.Errorf("signalling: malformed message from peer %d: %v", peerID, err)
		return
	}
	if msg.Type == session.MsgSeed {
		ep.handleSeedMessage(p, msg.Payload)
		return
	}
	p.peer.OnMessage(msg)
}

func (ep *Endpoint) handleSeedMessage(p *peerState, payload []byte) {
	keyLen := ep.cfg.SPP.OTPCipher.KeySize()
	ivLen := ep.cfg.SPP.OTPCipher.BlockSize()
	seed, err := session.DecodeSeed(payload, keyLen, ivLen)
	if err != nil {
		ep.log.Errorf("signalling: malformed SEED from peer %d: %v", p.id, err)
		return
	}
	p.peer.OnSeed(seed)
}

func (ep *Endpoint) sendSignalling(peerID uint16, msg session.Message) {
	if ep.server == nil {
		return
	}
	if err := ep.server.Send(peerID, msg.Encode()); err != nil {
		ep.log.Errorf("signalling: send to peer %d failed: %v", peerID, err)
	}
}

// --- Actions: binding / connecting ---------------------------------------------

func (ep *Endpoint) bindAddress(peerID uint16, addrIndex int) (session.YouConnect, bool) {
	if addrIndex < 0 || addrIndex >= len(ep.cfg.Candidates) {
		return session.YouConnect{}, false
	}
	cand := ep.cfg.Candidates[addrIndex]

	ep.mu.Lock()
	p, ok := ep.peers[peerID]
	ep.mu.Unlock()
	if !ok {
		return session.YouConnect{}, false
	}

	if ep.cfg.TCPListenAddr != "" {
		return ep.bindTCP(p, cand)
	}
	return ep.bindUDP(p, cand)
}

func (ep *Endpoint) bindUDP(p *peerState, cand BindCandidate) (session.YouConnect, bool) {
	link, err := transport.BindUDPRange(ep.cfg.UDPBasePort, ep.cfg.UDPPortRange)
	if err != nil {
		ep.log.Debugf("bind udp for peer %d failed: %v", p.id, err)
		return session.YouConnect{}, false
	}

	var key []byte
	if ep.cfg.SPP.HaveEncryption() {
		key = make([]byte, ep.cfg.SPP.Cipher.KeySize())
		if _, err := rand.Read(key); err != nil {
			link.Close()
			return session.YouConnect{}, false
		}
	}

	p.mu.Lock()
	p.udpLink = link
	p.awaitingRemote = true
	p.mu.Unlock()

	ep.installCodecs(p, key, hmacKeyFor(ep.cfg.SPP), false)
	ep.startUDPReceiveLoop(p, link)

	host, port := ep.externalAddress(link.Port())
	return session.YouConnect{
		Addresses: []session.Address{{Scope: cand.Scope, Host: host, Port: port}},
		Key:       key,
	}, true
}

func (ep *Endpoint) bindTCP(p *peerState, cand BindCandidate) (session.YouConnect, bool) {
	if ep.passwords == nil {
		return session.YouConnect{}, false
	}
	password, err := ep.passwords.NewPassword()
	if err != nil {
		return session.YouConnect{}, false
	}
	ch, err := ep.passwords.Register(password)
	if err != nil {
		return session.YouConnect{}, false
	}

	p.mu.Lock()
	p.pendingPassword = password
	p.mu.Unlock()

	ep.wg.Add(1)
	go ep.awaitTCPConnection(p, password, ch)

	host, port := ep.externalHostPort(cand)
	return session.YouConnect{
		Addresses: []session.Address{{Scope: cand.Scope, Host: host, Port: port}},
		UseTCP:    true,
		Password:  password,
	}, true
}

func (ep *Endpoint) awaitTCPConnection(p *peerState, password uint64, ch <-chan *transport.TCPLink) {
	defer ep.wg.Done()
	select {
	case link, ok := <-ch:
		if !ok {
			return
		}
		ep.defer_(func() {
			p.mu.Lock()
			p.tcpLink = link
			p.mu.Unlock()
			ep.installCodecs(p, nil, hmacKeyFor(ep.cfg.SPP), true)
			ep.startTCPReceiveLoop(p, link)
			ep.onDirectLinkUp(p)
		})
	case <-ep.stop:
		ep.passwords.Unregister(password)
	}
}

func (ep *Endpoint) connectAddress(peerID uint16, yc session.YouConnect, addrIndex int) bool {
	if addrIndex < 0 || addrIndex >= len(yc.Addresses) {
		return false
	}
	addr := yc.Addresses[addrIndex]
	if !ep.scopeRecognized(addr.Scope) {
		return false
	}

	ep.mu.Lock()
	p, ok := ep.peers[peerID]
	ep.mu.Unlock()
	if !ok {
		return false
	}

	if yc.UseTCP {
		return ep.connectTCP(p, addr, yc.Password)
	}
	return ep.connectUDP(p, addr, yc.Key)
}

func (ep *Endpoint) connectUDP(p *peerState, addr session.Address, key []byte) bool {
	remote, err := resolveUDP(addr.Host, addr.Port)
	if err != nil {
		return false
	}
	link, err := transport.ConnectUDP(remote)
	if err != nil {
		return false
	}

	p.mu.Lock()
	p.udpLink = link
	p.udpRemote = remote
	p.mu.Unlock()

	ep.installCodecs(p, key, hmacKeyFor(ep.cfg.SPP), false)
	ep.startUDPReceiveLoop(p, link)
	ep.onDirectLinkUp(p)
	return true
}

func (ep *Endpoint) connectTCP(p *peerState, addr session.Address, password uint64) bool {
	remote, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(addr.Host, portString(addr.Port)))
	if err != nil {
		return false
	}
	link, err := transport.ConnectTCP(remote, password)
	if err != nil {
		return false
	}

	p.mu.Lock()
	p.tcpLink = link
	p.mu.Unlock()

	ep.installCodecs(p, nil, hmacKeyFor(ep.cfg.SPP), true)
	ep.startTCPReceiveLoop(p, link)
	ep.onDirectLinkUp(p)
	return true
}

func (ep *Endpoint) scopeRecognized(scope string) bool {
	for _, c := range ep.cfg.Candidates {
		if c.Scope == scope {
			return true
		}
	}
	return false
}

// installCodecs builds this peer's SPP encoder/decoder pair and, if FEC
// shielding is configured, its Pipe/Receiver, for a freshly (re)established
// direct link. encKey is nil when encryption is disabled.
func (ep *Endpoint) installCodecs(p *peerState, encKey, hmacKey []byte, isTCP bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	writer := p.currentWriterLocked()
	p.encoder = spp.NewEncoder(ep.cfg.SPP, encKey, hmacKey, func(w spp.SeedWarning) {
		ep.defer_(func() { p.peer.OnSeedWarning() })
	})
	p.decoder = spp.NewDecoder(ep.cfg.SPP, encKey, hmacKey, func(seedID uint16) {
		ep.defer_(func() { p.peer.OnSeedObserved(seedID) })
	})

	sink := dataproto.NewSink(ep.ownID, writer, ep.cfg.KeepaliveInterval, ep.cfg.ReceiveTimeout, func(up bool) {
		ep.defer_(func() { ep.onSinkLinkChange(p, up) })
	})
	p.sink = sink
	sink.Start()
	p.flow.Attach(sink)

	if ep.cfg.FEC != fragment.NoFEC {
		shield, err := fragment.NewShield(ep.cfg.FEC, ep.cfg.FECGroupSize, ep.cfg.OutputMTU)
		if err == nil {
			p.fecPipe = fragment.NewPipe(shield)
			p.fecReceiver = fragment.NewReceiver(shield, ep.cfg.ReceiveTimeout)
		}
	}
}

// currentWriterLocked returns a dataproto.Writer for whichever physical
// link this peer currently has. Caller must hold p.mu.
func (p *peerState) currentWriterLocked() dataproto.Writer {
	if p.udpLink != nil {
		if p.udpRemote != nil {
			return &udpWriter{link: p.udpLink, remote: p.udpRemote}
		}
		return p.udpLink
	}
	return p.tcpLink
}

func hmacKeyFor(params spp.Params) []byte {
	if !params.HaveHash() {
		return nil
	}
	key := make([]byte, params.Hash.Size())
	_, _ = rand.Read(key)
	return key
}

// onDirectLinkUp is called once a link (master or slave side) is
// established. If this peer advertises relay capability it joins the
// relay registry and assign_relays runs again to pick up anyone waiting.
func (ep *Endpoint) onDirectLinkUp(p *peerState) {
	if ep.cfg.SPP.HaveOTP() {
		key := make([]byte, ep.cfg.SPP.OTPCipher.KeySize())
		iv := make([]byte, ep.cfg.SPP.OTPCipher.BlockSize())
		if _, err := rand.Read(key); err == nil {
			if _, err := rand.Read(iv); err == nil {
				p.mu.Lock()
				_ = p.encoder.SetSendSeed(spp.Seed{ID: 1, Key: key, IV: iv})
				p.mu.Unlock()
				ep.sendSignalling(p.id, session.EncodeSeed(session.Seed{SeedID: 1, Key: key, IV: iv}))
			}
		}
	}

	if p.peer.CanBeRelay() {
		ep.mu.Lock()
		ep.relayProviders = append(ep.relayProviders, p.id)
		ep.mu.Unlock()
		ep.assignRelays()
	}
}

func (ep *Endpoint) onSinkLinkChange(p *peerState, up bool) {
	if up {
		return
	}
	p.peer.OnTransportError()
	if !p.peer.CanBeRelay() {
		return
	}
	ep.mu.Lock()
	ep.removeFromRelayProvidersLocked(p.id)
	users := ep.usersOfLocked(p.id)
	ep.mu.Unlock()
	for _, userID := range users {
		ep.mu.Lock()
		user, ok := ep.peers[userID]
		ep.mu.Unlock()
		if !ok {
			continue
		}
		user.flow.Detach()
		user.relayingOn = false
		user.peer.LeaveRelay()
		ep.mu.Lock()
		ep.waitingRelay = append(ep.waitingRelay, userID)
		ep.mu.Unlock()
	}
	ep.assignRelays()
}

// tearDownLink implements the Actions.TearDownLink contract: close
// whatever transport-level link this peer currently has, without touching
// its signalling state.
func (ep *Endpoint) tearDownLink(peerID uint16) {
	ep.mu.Lock()
	p, ok := ep.peers[peerID]
	ep.mu.Unlock()
	if !ok {
		return
	}
	p.closeLinks()
}

func (ep *Endpoint) armRetryTimer(peerID uint16) {
	if old, ok := ep.retryTimers[peerID]; ok {
		old.Stop()
	}
	ep.retryTimers[peerID] = time.AfterFunc(ep.cfg.RetryInterval, func() {
		ep.defer_(func() {
			ep.mu.Lock()
			p, ok := ep.peers[peerID]
			ep.mu.Unlock()
			if ok {
				p.peer.OnRetryTimer()
			}
		})
	})
}

func (ep *Endpoint) requestRelay(peerID uint16) {
	ep.mu.Lock()
	already := false
	for _, id := range ep.waitingRelay {
		if id == peerID {
			already = true
			break
		}
	}
	if !already {
		ep.waitingRelay = append(ep.waitingRelay, peerID)
	}
	ep.mu.Unlock()
	ep.assignRelays()
}

// assignRelays pairs every peer waiting for a relay with the first
// available relay provider, attaching the waiting peer's local flow to
// the provider's sink. Per spec.md §4.5, this runs whenever the waiting
// list or the provider registry changes.
func (ep *Endpoint) assignRelays() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if len(ep.relayProviders) == 0 || len(ep.waitingRelay) == 0 {
		return
	}
	providerID := ep.relayProviders[0]
	provider, ok := ep.peers[providerID]
	if !ok || provider.sink == nil {
		return
	}

	assigned := ep.waitingRelay
	ep.waitingRelay = nil
	for _, userID := range assigned {
		user, ok := ep.peers[userID]
		if !ok || userID == providerID {
			continue
		}
		user.flow.Attach(provider.sink)
		user.relayingOn = true
		user.relayID = providerID
		user.peer.EnterRelay(providerID)
	}
}

func (ep *Endpoint) installSendSeed(peerID uint16, seed session.Seed) {
	ep.mu.Lock()
	p, ok := ep.peers[peerID]
	ep.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.encoder != nil {
		_ = p.encoder.SetSendSeed(spp.Seed{ID: seed.SeedID, Key: seed.Key, IV: seed.IV})
	}
}

func (ep *Endpoint) addReceiveSeed(peerID uint16, seed session.Seed) {
	ep.mu.Lock()
	p, ok := ep.peers[peerID]
	ep.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.decoder != nil {
		_ = p.decoder.AddSeed(spp.Seed{ID: seed.SeedID, Key: seed.Key, IV: seed.IV})
	}
}

// --- receive loops ---------------------------------------------------------

func (ep *Endpoint) startUDPReceiveLoop(p *peerState, link *transport.UDPLink) {
	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		buf := make([]byte, ep.cfg.OutputMTU+256)
		for {
			n, addr, err := link.ReadFrom(buf)
			if err != nil {
				return
			}
			p.mu.Lock()
			if p.awaitingRemote {
				p.udpRemote = addr
				p.awaitingRemote = false
				p.mu.Unlock()
				ep.defer_(func() { ep.onDirectLinkUp(p) })
			} else {
				p.mu.Unlock()
			}
			wire := append([]byte(nil), buf[:n]...)
			ep.handleWire(p, wire)
		}
	}()
}

func (ep *Endpoint) startTCPReceiveLoop(p *peerState, link *transport.TCPLink) {
	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		for {
			wire, err := link.ReadDataProto()
			if err != nil {
				return
			}
			ep.handleWire(p, wire)
		}
	}()
}

// handleWire decodes one SPP-protected DataProto packet received on a
// direct link. SPP faults are transient packet faults per spec.md §7: the
// packet is silently dropped, never a link error.
func (ep *Endpoint) handleWire(p *peerState, wire []byte) {
	p.mu.Lock()
	decoder := p.decoder
	p.mu.Unlock()
	if decoder == nil {
		return
	}
	plaintext, err := decoder.Decode(wire)
	if err != nil {
		return
	}
	pkt, err := dataproto.Decode(plaintext)
	if err != nil {
		return
	}
	// Any successfully decoded packet on this link, keepalive or not, is
	// itself liveness evidence: this is what lets sink.send's
	// FlagReceivedData bit (set once we have in turn seen the peer alive)
	// actually get exchanged instead of deadlocking on mutual silence.
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink.NoteReceived()
	}
	_ = ep.receiver.HandlePacket(plaintext, time.Now())
}

func (ep *Endpoint) teardownAll() {
	ep.mu.Lock()
	ids := make([]uint16, 0, len(ep.peers))
	for id := range ep.peers {
		ids = append(ids, id)
	}
	ep.mu.Unlock()
	for _, id := range ids {
		ep.removePeer(id)
	}
	if ep.passwords != nil {
		ep.passwords.Close()
	}
}

// externalAddress resolves the local UDP port just bound into a
// server-reported external host per spec.md §6's `{server_reported}:PORT`
// placeholder convention.
func (ep *Endpoint) externalAddress(port uint16) (string, uint16) {
	return ep.cfg.ExternalHost, port
}

func (ep *Endpoint) externalHostPort(cand BindCandidate) (string, uint16) {
	if ep.passwords != nil {
		if addr, ok := ep.passwords.Addr().(*net.TCPAddr); ok {
			return ep.cfg.ExternalHost, uint16(addr.Port)
		}
	}
	_, portStr, err := net.SplitHostPort(ep.cfg.TCPListenAddr)
	if err != nil {
		return ep.cfg.ExternalHost, 0
	}
	port, _ := strconv.Atoi(portStr)
	return ep.cfg.ExternalHost, uint16(port)
}

func portString(port uint16) string {
	return strconv.FormatUint(uint64(port), 10)
}

// PeerSnapshot is a diagnostic view of one peer's current disposition, for
// tests asserting the invariants in spec.md §8 and for any future status
// surface.
type PeerSnapshot struct {
	ID              uint16
	State           session.State
	HasLink         bool
	RelayingThrough uint16
	WaitingRelay    bool
	IsRelayProvider bool
}

// Snapshot returns the current disposition of every known peer.
func (ep *Endpoint) Snapshot() []PeerSnapshot {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := make([]PeerSnapshot, 0, len(ep.peers))
	providers := make(map[uint16]bool, len(ep.relayProviders))
	for _, id := range ep.relayProviders {
		providers[id] = true
	}
	for id, p := range ep.peers {
		out = append(out, PeerSnapshot{
			ID:              id,
			State:           p.peer.State(),
			HasLink:         p.sink != nil && p.sink.IsUp(),
			RelayingThrough: p.relayID,
			WaitingRelay:    p.peer.WaitingForRelay(),
			IsRelayProvider: providers[id],
		})
	}
	return out
}
