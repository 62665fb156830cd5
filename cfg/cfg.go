// Package cfg validates the raw CLI surface in flags.Options into the
// concrete, typed configuration every other package consumes: spp.Params,
// fragment.Algorithm, an endpoint.Config, and the TLS material the
// rendezvous channel dials with. It is the validated-configuration layer
// spec.md §6 calls for, split from flags the way the teacher keeps
// argument parsing and device setup in separate packages.
package cfg

import (
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tapmesh/endpoint"
	"tapmesh/flags"
	"tapmesh/fragment"
	"tapmesh/logging"
	"tapmesh/spp"
)

// Config is everything main needs to start an Endpoint: the validated
// endpoint.Config, the log level, the TLS dial configuration (nil when
// --tls=false), the server address and the tap device's requested name.
type Config struct {
	Endpoint endpoint.Config

	LogLevel int

	ServerAddr string
	TLS        *tls.Config // nil: dial the rendezvous server in plaintext

	TapName string
}

func parseCipher(s string) (spp.Cipher, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return spp.CipherNone, nil
	case "aes":
		return spp.CipherAES, nil
	case "blowfish":
		return spp.CipherBlowfish, nil
	default:
		return spp.CipherNone, fmt.Errorf("cfg: unknown cipher %q", s)
	}
}

func parseHash(s string) (spp.HashFunc, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return spp.HashNone, nil
	case "md5":
		return spp.HashMD5, nil
	case "sha1":
		return spp.HashSHA1, nil
	default:
		return spp.HashNone, fmt.Errorf("cfg: unknown hash %q", s)
	}
}

func parseFEC(s string) (fragment.Algorithm, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return fragment.NoFEC, nil
	case "xor":
		return fragment.XOR, nil
	case "rs", "reedsolomon", "reed-solomon":
		return fragment.ReedSolomon, nil
	case "raptorq":
		return fragment.RaptorQ, nil
	default:
		return fragment.NoFEC, fmt.Errorf("cfg: unknown fec algorithm %q", s)
	}
}

// parseAddrList turns a repeated "scope=host" flag value into
// endpoint.BindCandidate rows, in the order given.
func parseAddrList(raw []string) ([]endpoint.BindCandidate, error) {
	out := make([]endpoint.BindCandidate, 0, len(raw))
	for _, entry := range raw {
		scope, host, ok := strings.Cut(entry, "=")
		if !ok || scope == "" || host == "" {
			return nil, fmt.Errorf("cfg: malformed address %q, want scope=host", entry)
		}
		out = append(out, endpoint.BindCandidate{Scope: scope, Host: host})
	}
	return out, nil
}

func parseLogLevel(s string) int {
	switch strings.ToLower(s) {
	case "silent":
		return logging.LevelSilent
	case "error":
		return logging.LevelError
	case "debug":
		return logging.LevelDebug
	default:
		return logging.LevelInfo
	}
}

// loadTLS builds the rendezvous dial TLS config from --cert-db/--cert-nickname.
// The pair spec.md §6 documents abstractly as an "NSS-style database path"
// and a "client certificate nickname" is resolved here concretely against
// crypto/tls + encoding/pem: dbPath/nickname.crt and dbPath/nickname.key.
func loadTLS(opts *flags.Options, serverHost string) (*tls.Config, error) {
	if !opts.UseTLS {
		return nil, nil
	}
	tlsCfg := &tls.Config{
		ServerName:         serverHost,
		InsecureSkipVerify: opts.InsecureSkipCA,
	}
	if opts.ServerSNI != "" {
		tlsCfg.ServerName = opts.ServerSNI
	}
	if opts.CertDBPath == "" {
		return tlsCfg, nil
	}
	certFile := filepath.Join(opts.CertDBPath, opts.CertNickname+".crt")
	keyFile := filepath.Join(opts.CertDBPath, opts.CertNickname+".key")
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("cfg: loading client certificate: %w", err)
	}
	tlsCfg.Certificates = []tls.Certificate{cert}
	return tlsCfg, nil
}

// Load validates opts into a Config, or returns an error describing the
// first invalid field found. Exit-code-on-failure is main's concern, not
// this package's.
func Load(opts *flags.Options) (Config, error) {
	var out Config

	if opts.ServerAddr == "" {
		return out, fmt.Errorf("cfg: --server is required")
	}
	switch opts.Transport {
	case "udp", "tcp":
	default:
		return out, fmt.Errorf("cfg: --transport must be udp or tcp, got %q", opts.Transport)
	}

	cipher, err := parseCipher(opts.Cipher)
	if err != nil {
		return out, err
	}
	hash, err := parseHash(opts.Hash)
	if err != nil {
		return out, err
	}
	otpCipher, err := parseCipher(opts.OTP)
	if err != nil {
		return out, err
	}
	fec, err := parseFEC(opts.FEC)
	if err != nil {
		return out, err
	}
	candidates, err := parseAddrList(opts.Bind)
	if err != nil {
		return out, err
	}
	external, err := parseAddrList(opts.External)
	if err != nil {
		return out, err
	}
	if len(candidates) == 0 {
		return out, fmt.Errorf("cfg: at least one --bind candidate is required")
	}

	serverHost, _, err := net.SplitHostPort(opts.ServerAddr)
	if err != nil {
		return out, fmt.Errorf("cfg: --server must be host:port: %w", err)
	}
	tlsCfg, err := loadTLS(opts, serverHost)
	if err != nil {
		return out, err
	}

	var externalHost string
	for _, e := range external {
		if e.Host == "{server_reported}" {
			continue // left empty: endpoint substitutes the server's reported IP
		}
		externalHost = e.Host
		break
	}

	ec := endpoint.Config{
		Candidates: candidates,

		UDPBasePort:  opts.UDPBasePort,
		UDPPortRange: opts.UDPPortRange,

		KeepaliveInterval: time.Duration(opts.KeepaliveInterval) * time.Second,
		ReceiveTimeout:    time.Duration(opts.ReceiveTimeout) * time.Second,
		RetryInterval:     time.Duration(opts.RetryInterval) * time.Second,

		FlowBufferSize:      opts.FlowBufferSize,
		RelayFlowBufferSize: opts.RelayFlowBufferSize,

		SPP: spp.Params{
			Cipher:     cipher,
			Hash:       hash,
			OTPCipher:  otpCipher,
			OTPNum:     opts.OTPNum,
			OTPNumWarn: opts.OTPWarn,
		},

		FEC:          fec,
		FECGroupSize: opts.FECGroupSize,

		TapMTU:    opts.TapMTU,
		OutputMTU: opts.OutputMTU,
		ChunkMTU:  opts.ChunkMTU,

		ExternalHost: externalHost,

		MaxMACs:   opts.MaxMACs,
		MaxGroups: opts.MaxGroups,

		IGMPGroupMembershipInterval: time.Duration(opts.IGMPGroupMembershipInterval) * time.Second,
		IGMPLastMemberQueryTime:     time.Duration(opts.IGMPLastMemberQueryTime) * time.Second,
	}

	if opts.Transport == "tcp" {
		// Port 0 lets the OS choose; the endpoint reads the actual bound
		// port back off the password listener's address when it
		// advertises a TCP bind candidate.
		ec.TCPListenAddr = net.JoinHostPort("", strconv.Itoa(int(opts.UDPBasePort)))
	}

	out.Endpoint = ec
	out.LogLevel = parseLogLevel(opts.LogLevel)
	out.ServerAddr = opts.ServerAddr
	out.TLS = tlsCfg
	out.TapName = opts.TapName
	return out, nil
}
