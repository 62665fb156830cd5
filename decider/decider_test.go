package decider

import (
	"testing"
	"time"
)

func frameWithMACs(dst, src MAC) []byte {
	f := make([]byte, ethHeaderLen)
	copy(f[0:6], dst[:])
	copy(f[6:12], src[:])
	return f
}

func TestUnicastLearningAndFlood(t *testing.T) {
	d := New(Config{MaxMACs: 16, MaxGroups: 16, IGMPGroupMembershipInterval: time.Minute, IGMPLastMemberQueryTime: time.Second})

	a := MAC{0xaa, 0, 0, 0, 0, 1}
	b := MAC{0xaa, 0, 0, 0, 0, 2}
	now := time.Unix(0, 0)

	// A's tap emits a frame to B; B is unknown, so it floods.
	frame := frameWithMACs(b, a)
	d.Observe(frame, 0, now)
	dests := d.Decide(frame, []uint16{1, 2}, 0)
	if len(dests) != 2 {
		t.Fatalf("expected flood to both peers, got %v", dests)
	}

	// Peer 2 (B) is observed sending from b; that teaches A's decider
	// b -> peer 2.
	reply := frameWithMACs(a, b)
	d.Observe(reply, 2, now)
	dests = d.Decide(reply, []uint16{1, 2}, 2)
	if len(dests) != 0 {
		t.Fatalf("expected no destinations excluding origin peer, got %v", dests)
	}

	toB := frameWithMACs(b, a)
	dests = d.Decide(toB, []uint16{1, 2}, 0)
	if len(dests) != 1 || dests[0] != 2 {
		t.Fatalf("expected unicast to learned peer 2, got %v", dests)
	}
}

func TestMACTableLRUEviction(t *testing.T) {
	d := New(Config{MaxMACs: 2, MaxGroups: 4, IGMPGroupMembershipInterval: time.Minute, IGMPLastMemberQueryTime: time.Second})
	now := time.Unix(0, 0)

	m1 := MAC{0, 0, 0, 0, 0, 1}
	m2 := MAC{0, 0, 0, 0, 0, 2}
	m3 := MAC{0, 0, 0, 0, 0, 3}

	d.macs.learn(m1, 1)
	d.macs.learn(m2, 2)
	d.macs.learn(m3, 3) // evicts m1
	_ = now

	if _, ok := d.macs.lookup(m1); ok {
		t.Fatal("expected m1 to be evicted")
	}
	if d.MACTableSize() != 2 {
		t.Fatalf("expected table size 2, got %d", d.MACTableSize())
	}
}

func buildIGMPReport(group [4]byte) []byte {
	f := make([]byte, ethHeaderLen+20+8)
	f[12], f[13] = 0x08, 0x00 // ethertype ipv4
	ip := f[ethHeaderLen:]
	ip[0] = 0x45 // version 4, IHL 5
	ip[9] = ipProtoIGMP
	igmp := ip[20:]
	igmp[0] = igmpTypeReportV2
	copy(igmp[4:8], group[:])
	return f
}

func TestIGMPMembershipAges(t *testing.T) {
	interval := 10 * time.Millisecond
	d := New(Config{MaxMACs: 4, MaxGroups: 4, IGMPGroupMembershipInterval: interval, IGMPLastMemberQueryTime: time.Millisecond})

	group := [4]byte{239, 1, 2, 3}
	frame := buildIGMPReport(group)
	now := time.Unix(0, 0)
	d.Observe(frame, 1, now)

	groupMAC := multicastMAC(group[:])
	members := d.groups.members(groupMAC)
	if len(members) != 1 || members[0] != 1 {
		t.Fatalf("expected peer 1 as member, got %v", members)
	}

	expired := d.Expire(now.Add(interval + time.Millisecond))
	if len(expired) != 1 || expired[0].Peer != 1 {
		t.Fatalf("expected membership to expire, got %v", expired)
	}
	if members := d.groups.members(groupMAC); len(members) != 0 {
		t.Fatalf("expected no members after expiry, got %v", members)
	}
}

func TestGroupIndexCapsTotalMemberships(t *testing.T) {
	g := newGroupIndex(2, time.Minute, time.Second)
	now := time.Unix(0, 0)

	g.report(1, MAC{1}, now)
	g.report(2, MAC{2}, now.Add(time.Millisecond))
	g.report(3, MAC{3}, now.Add(2*time.Millisecond)) // evicts soonest (peer 1)

	if len(g.byKey) != 2 {
		t.Fatalf("expected 2 memberships after cap, got %d", len(g.byKey))
	}
	if _, ok := g.byKey[groupKey{peer: 1, group: MAC{1}}]; ok {
		t.Fatal("expected the soonest-expiring membership to be evicted")
	}
}

func TestMulticastDecideReturnsMembers(t *testing.T) {
	d := New(Config{MaxMACs: 4, MaxGroups: 4, IGMPGroupMembershipInterval: time.Minute, IGMPLastMemberQueryTime: time.Second})
	now := time.Unix(0, 0)
	group := [4]byte{239, 9, 9, 9}
	d.Observe(buildIGMPReport(group), 5, now)

	groupMAC := multicastMAC(group[:])
	frame := frameWithMACs(groupMAC, MAC{0xaa})
	dests := d.Decide(frame, []uint16{1, 5, 9}, 0)
	if len(dests) != 1 || dests[0] != 5 {
		t.Fatalf("expected only member peer 5, got %v", dests)
	}
}
