package decider

import (
	"time"

	"github.com/google/btree"
)

// groupKey identifies one peer's membership in one multicast group.
type groupKey struct {
	peer  uint16
	group MAC
}

// membership is the btree.Item kept in the expiry-ordered index. Items are
// immutable once inserted: renewing a timer deletes the old item and
// inserts a fresh one with the new deadline, rather than mutating deadline
// in place, since btree ordering depends on it.
type membership struct {
	key     groupKey
	expires time.Time
}

func (m *membership) Less(than btree.Item) bool {
	other := than.(*membership)
	if m.expires.Equal(other.expires) {
		if m.key.peer != other.key.peer {
			return m.key.peer < other.key.peer
		}
		return string(m.key.group[:]) < string(other.key.group[:])
	}
	return m.expires.Before(other.expires)
}

// groupIndex tracks IGMP group memberships across all peers, bounded in
// total count by max_groups and ordered by expiry deadline so the decider
// can always find the next membership to age out without scanning.
type groupIndex struct {
	max    int
	byKey  map[groupKey]*membership
	byTime *btree.BTree

	membershipInterval time.Duration
	lastMemberQuery    time.Duration
}

func newGroupIndex(max int, membershipInterval, lastMemberQuery time.Duration) *groupIndex {
	if max <= 0 {
		max = 1024
	}
	return &groupIndex{
		max:                max,
		byKey:              make(map[groupKey]*membership),
		byTime:             btree.New(32),
		membershipInterval: membershipInterval,
		lastMemberQuery:    lastMemberQuery,
	}
}

func (g *groupIndex) remove(key groupKey) {
	if m, ok := g.byKey[key]; ok {
		g.byTime.Delete(m)
		delete(g.byKey, key)
	}
}

func (g *groupIndex) insert(key groupKey, expires time.Time) {
	m := &membership{key: key, expires: expires}
	g.byKey[key] = m
	g.byTime.ReplaceOrInsert(m)
}

// report records an observed IGMP Membership Report, (re)arming the full
// membership-interval timer for (peer, group).
func (g *groupIndex) report(peer uint16, group MAC, now time.Time) {
	key := groupKey{peer: peer, group: group}
	if _, ok := g.byKey[key]; !ok && len(g.byKey) >= g.max {
		g.evictSoonest()
	}
	g.remove(key)
	g.insert(key, now.Add(g.membershipInterval))
}

// query records an observed IGMP Group-Specific Query for (peer, group),
// shortening any existing membership's remaining lifetime to the (shorter)
// last-member-query window — it never lengthens a deadline.
func (g *groupIndex) query(peer uint16, group MAC, now time.Time) {
	key := groupKey{peer: peer, group: group}
	m, ok := g.byKey[key]
	if !ok {
		return
	}
	shortened := now.Add(g.lastMemberQuery)
	if shortened.Before(m.expires) {
		g.remove(key)
		g.insert(key, shortened)
	}
}

func (g *groupIndex) evictSoonest() {
	item := g.byTime.Min()
	if item == nil {
		return
	}
	m := item.(*membership)
	g.byTime.Delete(m)
	delete(g.byKey, m.key)
}

// expire removes and returns every membership whose deadline is at or
// before now, for the caller to act on (the group simply stops receiving
// traffic once its last member's membership expires).
func (g *groupIndex) expire(now time.Time) []groupKey {
	var expired []groupKey
	for {
		item := g.byTime.Min()
		if item == nil {
			break
		}
		m := item.(*membership)
		if m.expires.After(now) {
			break
		}
		g.byTime.Delete(m)
		delete(g.byKey, m.key)
		expired = append(expired, m.key)
	}
	return expired
}

// members returns every peer currently a member of group.
func (g *groupIndex) members(group MAC) []uint16 {
	var peers []uint16
	for key := range g.byKey {
		if key.group == group {
			peers = append(peers, key.peer)
		}
	}
	return peers
}

// nextDeadline returns the soonest membership expiry, if any, for the
// caller to arm a timer against.
func (g *groupIndex) nextDeadline() (time.Time, bool) {
	item := g.byTime.Min()
	if item == nil {
		return time.Time{}, false
	}
	return item.(*membership).expires, true
}
