package endpoint

import (
	"crypto/rand"
	"net"

	"tapmesh/session"
)

// peerActions binds the session state machine's Actions callbacks to one
// peer's entry in the endpoint's table. A fresh value is handed to each
// session.NewPeer call; all of its methods simply delegate to Endpoint
// methods parameterized by peerID, keeping session.Peer itself free of
// any endpoint-wide state.
type peerActions struct {
	ep     *Endpoint
	peerID uint16
}

func (a *peerActions) BindAddress(addrIndex int) (session.YouConnect, bool) {
	return a.ep.bindAddress(a.peerID, addrIndex)
}

func (a *peerActions) ConnectAddress(yc session.YouConnect, addrIndex int) bool {
	return a.ep.connectAddress(a.peerID, yc, addrIndex)
}

func (a *peerActions) SendMessage(msg session.Message) {
	a.ep.sendSignalling(a.peerID, msg)
}

func (a *peerActions) TearDownLink() {
	a.ep.tearDownLink(a.peerID)
}

func (a *peerActions) ArmRetryTimer() {
	a.ep.armRetryTimer(a.peerID)
}

func (a *peerActions) RequestRelay() {
	a.ep.requestRelay(a.peerID)
}

func (a *peerActions) GenerateSeed() ([]byte, []byte, error) {
	cipher := a.ep.cfg.SPP.OTPCipher
	key := make([]byte, cipher.KeySize())
	iv := make([]byte, cipher.BlockSize())
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

func (a *peerActions) InstallSendSeed(seed session.Seed) {
	a.ep.installSendSeed(a.peerID, seed)
}

func (a *peerActions) AddReceiveSeed(seed session.Seed) {
	a.ep.addReceiveSeed(a.peerID, seed)
}

// resolveUDP is a small shared helper used by bindAddress/connectAddress
// to turn a signalling Address into a *net.UDPAddr.
func resolveUDP(host string, port uint16) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(host, portString(port)))
}
