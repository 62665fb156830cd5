package flags

// Options is the raw, unvalidated CLI surface: every value pflag fills in
// directly from argv, handed to cfg.Load for parsing into concrete types
// and range checks. Keeping this struct string/int-typed (rather than
// spp.Cipher, fragment.Algorithm, etc.) is what lets flags stay free of
// every domain package's import, mirroring how the teacher's own
// Options/Parse split keeps flag wiring separate from device setup.
type Options struct {
	InterfaceName string

	ShowVersion bool
	LogLevel    string

	// Transport mode: "udp" or "tcp".
	Transport string

	// Security selectors, named exactly as spp.Cipher/HashFunc String().
	Cipher  string
	Hash    string
	OTP     string
	OTPNum  uint16
	OTPWarn uint16

	// TLS toggle and the two fields spec.md documents abstractly as an
	// NSS-style database path and a client certificate nickname; here
	// resolved concretely against crypto/tls + encoding/pem as a
	// directory holding "<nickname>.crt"/"<nickname>.key".
	UseTLS         bool
	CertDBPath     string
	CertNickname   string
	InsecureSkipCA bool

	ServerAddr string
	ServerSNI  string

	TapName string

	// Bind repeats as "scope=host", one BindCandidate per occurrence; the
	// master walks these in order when advertising YOUCONNECT addresses.
	Bind []string

	// External is the externally reachable counterpart of Bind, also
	// "scope=host"; a host of exactly "{server_reported}" is resolved at
	// ready(own_id, external_ip) time per spec.md §6.
	External []string

	FlowBufferSize      int
	RelayFlowBufferSize int
	TapMTU              int
	OutputMTU           int
	ChunkMTU            int

	MaxMACs   int
	MaxGroups int

	IGMPGroupMembershipInterval int // seconds
	IGMPLastMemberQueryTime     int // seconds

	KeepaliveInterval int // seconds
	ReceiveTimeout    int // seconds
	RetryInterval     int // seconds

	FEC          string
	FECGroupSize int

	UDPBasePort  uint16
	UDPPortRange uint16
}

func NewOptions() *Options {
	return &Options{}
}
