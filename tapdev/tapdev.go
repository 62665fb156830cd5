// Package tapdev supplies the layer-2 TAP contract: a device that reads
// and writes whole Ethernet frames, one per call, on every supported
// platform. The teacher's tun package opens IP-layer TUN devices only;
// tapmesh needs full frames (it bridges Ethernet, not routes IP), so
// the Linux file requests the kernel's TAP mode instead, and ethershim.go
// provides a synthetic-Ethernet-header adapter for the natively L3-only
// backends (netstack, and wintun on Windows).
package tapdev

import "io"

// Device is a layer-2 network interface: Read and Write move whole
// Ethernet frames, matching DataProto's frame-sized payload model.
type Device interface {
	io.Closer
	// Read blocks for the next outgoing frame the kernel (or emulated
	// stack) wants transmitted onto the mesh, writing it into buf and
	// returning its length.
	Read(buf []byte) (int, error)
	// Write delivers one received frame to the kernel's network stack.
	Write(frame []byte) (int, error)
	// Name reports the platform interface name.
	Name() (string, error)
	// MTU reports the device's configured MTU, 0 if unknown.
	MTU() (int, error)
}
