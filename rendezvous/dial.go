package rendezvous

import (
	"crypto/tls"
	"net"
)

// DialTLS opens the rendezvous channel over TLS and returns a running
// StreamClient. TLS is the out-of-scope collaborator: this is the only
// place the package touches crypto/tls, and StreamClient itself only
// ever sees an io.ReadWriteCloser.
func DialTLS(addr string, cfg *tls.Config) (*StreamClient, error) {
	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return NewStreamClient(conn), nil
}

// Dial opens the rendezvous channel over a plain TCP connection, for
// deployments that terminate TLS elsewhere (a local stunnel, a service
// mesh sidecar) or for tests.
func Dial(addr string) (*StreamClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamClient(conn), nil
}
