package tapdev

import (
	"net"

	"tapmesh/tun/netstack"
)

// netstackBackend adapts the teacher's gVisor-backed netstack.CreateNetTUN
// (an L3 packet device with no privileged device node) to l3Backend, so
// EthernetShim can present it as a full Device. It needs no root
// privileges.
type netstackBackend struct {
	dev netstackDevice
}

// netstackDevice is the subset of tun.Device that CreateNetTUN's return
// value satisfies; named locally so this file doesn't need to import the
// tun package just to spell the type of netstack.CreateNetTUN's first
// return value.
type netstackDevice interface {
	Read(buf []byte, offset int) (int, error)
	Write(buf []byte, offset int) (int, error)
	Close() error
	Name() (string, error)
	MTU() (int, error)
}

func (b *netstackBackend) ReadPacket(buf []byte) (int, error)  { return b.dev.Read(buf, 0) }
func (b *netstackBackend) WritePacket(pkt []byte) (int, error) { return b.dev.Write(pkt, 0) }
func (b *netstackBackend) Close() error                        { return b.dev.Close() }
func (b *netstackBackend) Name() (string, error)                { return b.dev.Name() }
func (b *netstackBackend) MTU() (int, error)                    { return b.dev.MTU() }

// CreateNetstackTAP builds a sandboxed tap backed by a userspace network
// stack bound to localAddresses, with localMAC/peerMAC stamped onto every
// frame by the ethernet shim. It returns the Net handle so callers (tests,
// or a relay-of-last-resort harness) can dial in or out of the stack
// directly alongside using it as a mesh endpoint.
func CreateNetstackTAP(localAddresses, dnsServers []net.IP, mtu int, localMAC, peerMAC [6]byte) (Device, *netstack.Net, error) {
	dev, nstack, err := netstack.CreateNetTUN(localAddresses, dnsServers, mtu)
	if err != nil {
		return nil, nil, err
	}
	shim := NewEthernetShim(&netstackBackend{dev: dev}, localMAC, peerMAC)
	return shim, nstack, nil
}
