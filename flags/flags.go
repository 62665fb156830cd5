// Package flags parses the process command line into an Options value,
// the same Parse-into-a-struct shape the teacher uses, widened from a
// single --mtu/--foreground pair to the full CLI surface spec.md §6
// documents abstractly: transport mode, security selectors, TLS
// material, server address, tap device name, bind/external address
// lists, buffer sizes, decider limits, and IGMP timers.
package flags

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func Parse(opts *Options) error {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <interface-name>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.BoolVarP(&opts.ShowVersion, "version", "v", false, "Print the version number and exit")
	pflag.StringVar(&opts.LogLevel, "log-level", "info", "Log level: silent|error|info|debug")

	pflag.StringVar(&opts.Transport, "transport", "udp", "Direct link transport: udp|tcp")

	pflag.StringVar(&opts.Cipher, "cipher", "aes", "SPP payload cipher: none|aes|blowfish")
	pflag.StringVar(&opts.Hash, "hash", "sha1", "SPP HMAC: none|md5|sha1")
	pflag.StringVar(&opts.OTP, "otp-cipher", "aes", "SPP one-time-pad cipher: none|aes|blowfish")
	pflag.Uint16Var(&opts.OTPNum, "otp-num", 1<<15, "Packets accepted per OTP seed before it is exhausted")
	pflag.Uint16Var(&opts.OTPWarn, "otp-warn", 1<<12, "Indices-remaining threshold that triggers OTP seed rotation")

	pflag.BoolVar(&opts.UseTLS, "tls", true, "Require TLS on the rendezvous server channel")
	pflag.StringVar(&opts.CertDBPath, "cert-db", "", "Directory holding this endpoint's TLS certificate and key")
	pflag.StringVar(&opts.CertNickname, "cert-nickname", "endpoint", "Base filename (without extension) of the cert/key pair in --cert-db")
	pflag.BoolVar(&opts.InsecureSkipCA, "insecure-skip-verify", false, "Skip server certificate verification (testing only)")

	pflag.StringVar(&opts.ServerAddr, "server", "", "Rendezvous server address, host:port")
	pflag.StringVar(&opts.ServerSNI, "server-sni", "", "TLS SNI override for the rendezvous server (defaults to the host in --server)")

	pflag.StringVar(&opts.TapName, "tap", "", "Unused: the tap device takes its name from the positional interface name argument")

	pflag.StringArrayVar(&opts.Bind, "bind", nil, "Local bind candidate as scope=host, repeatable, tried in order")
	pflag.StringArrayVar(&opts.External, "external", nil, "Externally reachable counterpart of --bind as scope=host, repeatable; host {server_reported} is filled in from the server's ready event")

	pflag.IntVar(&opts.FlowBufferSize, "flow-buffer", 128, "Per-peer outbound flow buffer capacity, in frames")
	pflag.IntVar(&opts.RelayFlowBufferSize, "relay-flow-buffer", 256, "Per-source relay receive buffer capacity, in frames (not used: received frames are written to the tap or relayed as they arrive, with no per-source buffer)")
	pflag.IntVar(&opts.TapMTU, "mtu", 1500, "Tap device MTU")
	pflag.IntVar(&opts.OutputMTU, "output-mtu", 1400, "Fragmentation codec output packet size")
	pflag.IntVar(&opts.ChunkMTU, "chunk-mtu", 1400, "Fragmentation codec per-chunk size")

	pflag.IntVar(&opts.MaxMACs, "max-macs", 4096, "Frame decider learned-MAC table size")
	pflag.IntVar(&opts.MaxGroups, "max-groups", 1024, "Frame decider total IGMP group membership limit")

	pflag.IntVar(&opts.IGMPGroupMembershipInterval, "igmp-membership-interval", 260, "IGMP group membership expiry, in seconds")
	pflag.IntVar(&opts.IGMPLastMemberQueryTime, "igmp-last-member-query", 2, "IGMP last-member query window, in seconds")

	pflag.IntVar(&opts.KeepaliveInterval, "keepalive-interval", 10, "DataProto keepalive interval, in seconds")
	pflag.IntVar(&opts.ReceiveTimeout, "receive-timeout", 30, "DataProto link liveness timeout, in seconds")
	pflag.IntVar(&opts.RetryInterval, "retry-interval", 5, "Master-side bind retry interval, in seconds")

	pflag.StringVar(&opts.FEC, "fec", "none", "Fragmentation chunk-group FEC shield: none|xor|rs|raptorq")
	pflag.IntVar(&opts.FECGroupSize, "fec-group-size", 8, "Chunks per FEC group")

	pflag.Uint16Var(&opts.UDPBasePort, "udp-base-port", 0, "First UDP port tried when binding (0: let the kernel choose)")
	pflag.Uint16Var(&opts.UDPPortRange, "udp-port-range", 32, "Number of consecutive UDP ports to try from the base port")

	pflag.Parse()

	if opts.ShowVersion {
		return nil
	}

	if err := setInterfaceName(opts); err != nil {
		return err
	}
	return nil
}

func setInterfaceName(opts *Options) error {
	if pflag.NArg() != 1 {
		return fmt.Errorf("must pass exactly one interface name, but got %d", pflag.NArg())
	}
	opts.InterfaceName = pflag.Arg(0)
	return nil
}
