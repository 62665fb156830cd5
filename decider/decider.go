package decider

import (
	"encoding/binary"
	"time"
)

const (
	ethHeaderLen  = 14
	ethTypeIPv4   = 0x0800
	ipProtoIGMP   = 2
	igmpTypeQueryV2    = 0x11
	igmpTypeReportV1   = 0x12
	igmpTypeReportV2   = 0x16
	igmpTypeLeaveGroup = 0x17
)

// Decider maps outbound Ethernet frames to the peers that should receive
// them, learning unicast MAC bindings and IGMP multicast memberships as it
// observes traffic in either direction.
type Decider struct {
	macs   *macTable
	groups *groupIndex
}

// Config bounds the decider's MAC table and group index, and sets the IGMP
// aging timers. All four fields mirror the CLI-surface options of the same
// name.
type Config struct {
	MaxMACs                      int
	MaxGroups                    int
	IGMPGroupMembershipInterval  time.Duration
	IGMPLastMemberQueryTime      time.Duration
}

func New(cfg Config) *Decider {
	return &Decider{
		macs:   newMACTable(cfg.MaxMACs),
		groups: newGroupIndex(cfg.MaxGroups, cfg.IGMPGroupMembershipInterval, cfg.IGMPLastMemberQueryTime),
	}
}

// Observe learns a frame's source MAC against fromPeer (fromPeer is the
// local device's own pseudo-id 0 for outbound frames read off the tap),
// and, if the frame carries an IGMP message, updates group membership
// state. It must be called for every frame in both directions before
// Decide is asked to route it.
func (d *Decider) Observe(frame []byte, fromPeer uint16, now time.Time) {
	if len(frame) < ethHeaderLen {
		return
	}
	var src MAC
	copy(src[:], frame[6:12])
	if !src.IsMulticast() {
		d.macs.learn(src, fromPeer)
	}

	isReport, isQuery, group, ok := parseIGMP(frame)
	if !ok {
		return
	}
	switch {
	case isReport:
		d.groups.report(fromPeer, group, now)
	case isQuery:
		d.groups.query(fromPeer, group, now)
	}
}

// Decide returns the set of peers (excluding excludePeer, typically the
// frame's origin) that should receive frame: the peer the destination MAC
// was learned on for a known unicast address, every current member for a
// multicast/IGMP group address, or every peer at all for broadcast or an
// unknown unicast destination (flooding).
func (d *Decider) Decide(frame []byte, allPeers []uint16, excludePeer uint16) []uint16 {
	if len(frame) < ethHeaderLen {
		return nil
	}
	var dst MAC
	copy(dst[:], frame[0:6])

	switch {
	case dst.IsBroadcast():
		return without(allPeers, excludePeer)
	case dst.IsMulticast():
		members := d.groups.members(dst)
		return without(members, excludePeer)
	default:
		if peer, ok := d.macs.lookup(dst); ok {
			// Pseudo-id 0 is the local device (see Observe): a frame
			// addressed to a MAC learned there goes to no peer.
			if peer == excludePeer || peer == 0 {
				return nil
			}
			return []uint16{peer}
		}
		return without(allPeers, excludePeer) // unknown unicast: flood
	}
}

// Expire ages out any IGMP memberships whose deadline has passed.
func (d *Decider) Expire(now time.Time) []struct {
	Peer  uint16
	Group MAC
} {
	expired := d.groups.expire(now)
	out := make([]struct {
		Peer  uint16
		Group MAC
	}, len(expired))
	for i, k := range expired {
		out[i] = struct {
			Peer  uint16
			Group MAC
		}{Peer: k.peer, Group: k.group}
	}
	return out
}

// NextExpiry returns the soonest IGMP membership deadline, for the caller
// to arm a single aging timer rather than polling.
func (d *Decider) NextExpiry() (time.Time, bool) {
	return d.groups.nextDeadline()
}

// MACTableSize reports the number of learned MAC entries, for diagnostics
// and the invariant that it never exceeds max_macs.
func (d *Decider) MACTableSize() int { return d.macs.size() }

func without(peers []uint16, exclude uint16) []uint16 {
	out := make([]uint16, 0, len(peers))
	for _, p := range peers {
		if p != exclude {
			out = append(out, p)
		}
	}
	return out
}

// parseIGMP inspects an Ethernet frame for an IPv4 IGMP message, returning
// the multicast group it concerns as an Ethernet MAC (the standard
// 01:00:5e:xx:xx:xx mapping of the low 23 bits of the group's IPv4
// address).
func parseIGMP(frame []byte) (isReport, isQuery bool, group MAC, ok bool) {
	if len(frame) < ethHeaderLen+20 {
		return false, false, MAC{}, false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != ethTypeIPv4 {
		return false, false, MAC{}, false
	}
	ip := frame[ethHeaderLen:]
	ihl := int(ip[0]&0x0f) * 4
	if ihl < 20 || len(ip) < ihl+8 {
		return false, false, MAC{}, false
	}
	if ip[9] != ipProtoIGMP {
		return false, false, MAC{}, false
	}
	igmp := ip[ihl:]
	groupIP := igmp[4:8]
	group = multicastMAC(groupIP)

	switch igmp[0] {
	case igmpTypeReportV1, igmpTypeReportV2:
		return true, false, group, true
	case igmpTypeQueryV2:
		return false, true, group, true
	case igmpTypeLeaveGroup:
		return false, false, MAC{}, false
	default:
		return false, false, MAC{}, false
	}
}

func multicastMAC(ip []byte) MAC {
	return MAC{0x01, 0x00, 0x5e, ip[1] & 0x7f, ip[2], ip[3]}
}
