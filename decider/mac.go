// Package decider implements the frame decider: it learns source-MAC to
// peer bindings and tracks per-peer IGMP group membership, and answers
// "given this outbound Ethernet frame, which peers should receive it?".
//
// The MAC table uses the same container/list LRU idiom as the
// fragmentation codec's reassembly slot table. Group membership deadlines
// are kept in a github.com/google/btree ordered index so the soonest
// expiry can always be found without scanning every peer's group set.
package decider

import "container/list"

// MAC is a 48-bit Ethernet address.
type MAC [6]byte

type macEntry struct {
	addr MAC
	peer uint16
	elem *list.Element
}

// macTable maps learned source MACs to the peer id they were last observed
// from, evicting the least-recently-learned entry once max_macs is reached.
type macTable struct {
	max     int
	entries map[MAC]*macEntry
	lru     *list.List // front = most recently learned
}

func newMACTable(max int) *macTable {
	if max <= 0 {
		max = 1024
	}
	return &macTable{max: max, entries: make(map[MAC]*macEntry), lru: list.New()}
}

// learn records that addr was last seen as the source address of a frame
// from peer. Observe calls it for the source MAC of every frame, inbound
// and outbound; destination MACs are not learned.
func (t *macTable) learn(addr MAC, peer uint16) {
	if e, ok := t.entries[addr]; ok {
		e.peer = peer
		t.lru.MoveToFront(e.elem)
		return
	}
	if len(t.entries) >= t.max {
		back := t.lru.Back()
		if back != nil {
			old := back.Value.(*macEntry)
			t.lru.Remove(back)
			delete(t.entries, old.addr)
		}
	}
	e := &macEntry{addr: addr, peer: peer}
	e.elem = t.lru.PushFront(e)
	t.entries[addr] = e
}

// lookup returns the peer a unicast destination MAC was last learned on,
// and whether it is known at all.
func (t *macTable) lookup(addr MAC) (uint16, bool) {
	e, ok := t.entries[addr]
	if !ok {
		return 0, false
	}
	return e.peer, true
}

func (t *macTable) size() int { return len(t.entries) }

// IsBroadcast reports whether addr is the all-ones Ethernet broadcast
// address.
func (addr MAC) IsBroadcast() bool {
	for _, b := range addr {
		if b != 0xff {
			return false
		}
	}
	return true
}

// IsMulticast reports whether addr has the Ethernet multicast bit set
// (I/G bit, low bit of the first octet).
func (addr MAC) IsMulticast() bool {
	return addr[0]&0x01 != 0
}
