package transport

import (
	"encoding/binary"
	"fmt"
	"net"
)

// PasswordSize is the wire size of the password a TCP client presents up
// front: an 8-byte little-endian value, per PasswordListener.c.
const PasswordSize = 8

// TCPLink is a connected TCP stream used as one peer's link.
type TCPLink struct {
	conn net.Conn
}

// ConnectTCP dials addr and immediately presents password, as the slave
// side does on a YOUCONNECT carrying a TCP password.
func ConnectTCP(addr *net.TCPAddr, password uint64) (*TCPLink, error) {
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		return nil, err
	}
	var buf [PasswordSize]byte
	binary.LittleEndian.PutUint64(buf[:], password)
	if _, err := conn.Write(buf[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: presenting password: %w", err)
	}
	return &TCPLink{conn: conn}, nil
}

func (l *TCPLink) WriteDataProto(wire []byte) error {
	// A stream link needs its own framing: each DataProto packet is
	// preceded by its length as a 4-byte little-endian prefix so it can
	// be recovered from the byte stream.
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(wire)))
	if _, err := l.conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := l.conn.Write(wire)
	return err
}

// ReadDataProto blocks for the next length-prefixed DataProto packet.
func (l *TCPLink) ReadDataProto() ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := readFull(l.conn, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := readFull(l.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (l *TCPLink) Close() error { return l.conn.Close() }

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
