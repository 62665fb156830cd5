// Package transport implements the two peer-link I/O backends the session
// state machine binds or connects: a UDP datagram peer link that tries a
// configured port range, and a TCP stream peer link that authenticates
// with an 8-byte password exchanged out of band via signalling.
//
// The UDP binding idiom (ListenUDP plus a port-retry loop) is grounded on
// conn/bind_std.go's StdNetBind.Open. The TCP password exchange is
// grounded on PasswordListener.c: a server accepts any connection, reads a
// fixed-size password up front, and routes the connection to whichever
// listener registered that exact password.
package transport

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var ErrNoPortAvailable = errors.New("transport: no port available in range")

// dataTrafficClass is the DSCP codepoint (CS5, RFC 2474) stamped on every
// outgoing datagram link, the same socket-level traffic tuning
// conn/bind_std.go applies right after binding. Best-effort: a platform
// that rejects the setsockopt leaves the socket running unprioritized
// rather than failing the bind.
const dataTrafficClass = 0xa0

func markTrafficClass(conn *net.UDPConn) {
	_ = ipv4.NewConn(conn).SetTOS(dataTrafficClass)
	_ = ipv6.NewConn(conn).SetTrafficClass(dataTrafficClass)
}

// UDPLink is a bound (and optionally connected) UDP socket used as one
// peer's datagram link.
type UDPLink struct {
	conn *net.UDPConn
	port uint16
}

// BindUDPRange tries to bind a UDP socket to each port in
// [base, base+numPorts), stopping at the first success, mirroring the
// master binding sequence's per-address port search.
func BindUDPRange(base, numPorts uint16) (*UDPLink, error) {
	if numPorts == 0 {
		numPorts = 1
	}
	var lastErr error
	for i := uint16(0); i < numPorts; i++ {
		port := base + i
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
		if err != nil {
			lastErr = err
			continue
		}
		markTrafficClass(conn)
		if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			port = uint16(la.Port)
		}
		return &UDPLink{conn: conn, port: port}, nil
	}
	if lastErr == nil {
		lastErr = ErrNoPortAvailable
	}
	return nil, fmt.Errorf("transport: %w", lastErr)
}

// ConnectUDP opens a UDP socket already connected to addr, as the slave
// side does against a master's advertised external address.
func ConnectUDP(addr *net.UDPAddr) (*UDPLink, error) {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	markTrafficClass(conn)
	return &UDPLink{conn: conn}, nil
}

// Port reports the locally bound UDP port.
func (l *UDPLink) Port() uint16 { return l.port }

// WriteDataProto implements dataproto.Writer by sending wire as one
// datagram on a connected link (see ConnectUDP). A bound, unconnected
// link sends with WriteTo instead.
func (l *UDPLink) WriteDataProto(wire []byte) error {
	_, err := l.conn.Write(wire)
	return err
}

// WriteTo sends wire to a specific address, used before the link settles
// on one peer address (direct-connect probing).
func (l *UDPLink) WriteTo(wire []byte, addr *net.UDPAddr) error {
	_, err := l.conn.WriteToUDP(wire, addr)
	return err
}

// ReadFrom blocks for the next datagram, returning its payload and sender.
func (l *UDPLink) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := l.conn.ReadFromUDP(buf)
	return n, addr, err
}

func (l *UDPLink) Close() error { return l.conn.Close() }

func (l *UDPLink) LocalAddr() net.Addr { return l.conn.LocalAddr() }
