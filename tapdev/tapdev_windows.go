//go:build windows

package tapdev

import (
	"errors"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"
)

const ringCapacity = 0x400000 // 4 MiB, wintun's documented minimum-to-comfortable session ring size

// windowsBackend adapts a wintun.Session to l3Backend. wintun presents
// whole IP packets (it has no Ethernet concept of its own), so this sits
// behind EthernetShim exactly like the netstack backend does, rather than
// duplicating the MAC-synthesis logic here.
type windowsBackend struct {
	adapter *wintun.Adapter
	session wintun.Session
	mtu     int
}

// CreateTAP opens (or creates) a wintun adapter named name and wraps its
// packet session as a Device. Deleting and recreating an interface on
// every process start (rather than reusing a persistent one, as the
// teacher's tun_windows.go NativeTun does for its TUN adapter) keeps
// tapmesh's Windows support self-contained: no separate install step, no
// leftover adapters between runs with different names.
func CreateTAP(name string) (Device, error) {
	adapter, err := wintun.CreateAdapter(name, "tapmesh", nil)
	if err != nil {
		return nil, err
	}
	session, err := adapter.StartSession(ringCapacity)
	if err != nil {
		adapter.Close()
		return nil, err
	}
	backend := &windowsBackend{adapter: adapter, session: session, mtu: 1500}
	var localMAC, peerMAC [6]byte
	localMAC[0] = 0x02 // locally administered
	peerMAC[0] = 0x02
	peerMAC[5] = 0x01
	return NewEthernetShim(backend, localMAC, peerMAC), nil
}

func (b *windowsBackend) ReadPacket(buf []byte) (int, error) {
	waitEvent := b.session.ReadWaitEvent()
	for {
		packet, err := b.session.ReceivePacket()
		if err == nil {
			n := copy(buf, packet)
			b.session.ReleaseReceivePacket(packet)
			return n, nil
		}
		if !errors.Is(err, wintun.ErrNoMoreItems) {
			return 0, err
		}
		if _, werr := windows.WaitForSingleObject(waitEvent, windows.INFINITE); werr != nil {
			return 0, werr
		}
	}
}

func (b *windowsBackend) WritePacket(pkt []byte) (int, error) {
	dst, err := b.session.AllocateSendPacket(len(pkt))
	if err != nil {
		return 0, err
	}
	copy(dst, pkt)
	b.session.SendPacket(dst)
	return len(pkt), nil
}

func (b *windowsBackend) Close() error {
	b.session.End()
	return b.adapter.Close()
}

func (b *windowsBackend) Name() (string, error) { return b.adapter.Name() }
func (b *windowsBackend) MTU() (int, error)     { return b.mtu, nil }
