package endpoint

import (
	"testing"
	"time"

	"tapmesh/dataproto"
	"tapmesh/logging"
	"tapmesh/session"
)

func newTestEndpoint(ownID uint16) *Endpoint {
	ep := New(Config{FlowBufferSize: 8}, logging.New(logging.LevelSilent, ""))
	ep.ownID = ownID
	return ep
}

type discardWriter struct{}

func (discardWriter) WriteDataProto([]byte) error { return nil }

func newTestSink(ownID uint16) *dataproto.Sink {
	return dataproto.NewSink(ownID, discardWriter{}, time.Hour, 0, nil)
}

// A peer's own_id determines master/slave exactly once, at addPeer time.
func TestAddPeerResolvesMasterExactlyOnce(t *testing.T) {
	ep := newTestEndpoint(5)
	ep.addPeer(2, 0, nil)

	ep.mu.Lock()
	p := ep.peers[2]
	ep.mu.Unlock()

	if !p.peer.IsMaster() {
		t.Fatal("expected own_id=5 > peer_id=2 to resolve as master")
	}
}

func TestAddPeerIgnoresOwnID(t *testing.T) {
	ep := newTestEndpoint(5)
	ep.addPeer(5, 0, nil)
	if len(ep.peers) != 0 {
		t.Fatalf("expected own_id to never become a peer row, got %d rows", len(ep.peers))
	}
}

func TestAddPeerIsIdempotent(t *testing.T) {
	ep := newTestEndpoint(5)
	ep.addPeer(2, 0, nil)
	first := ep.peers[2]
	ep.addPeer(2, 0, nil)
	if ep.peers[2] != first {
		t.Fatal("expected a second addPeer for an existing peer id to be a no-op")
	}
}

// With no bind candidates configured, a master immediately exhausts its
// address list and falls back to waiting for a relay, per the cascading
// bind-then-relay fallback spec.md describes.
func TestMasterWithNoCandidatesFallsBackToWaitingRelay(t *testing.T) {
	ep := newTestEndpoint(5)
	ep.addPeer(2, 0, nil)

	snap := ep.Snapshot()
	if len(snap) != 1 || !snap[0].WaitingRelay {
		t.Fatalf("expected peer 2 to be waiting for relay, got %+v", snap)
	}

	ep.mu.Lock()
	_, queued := indexOf(ep.waitingRelay, 2)
	ep.mu.Unlock()
	if !queued {
		t.Fatal("expected peer 2 queued on ep.waitingRelay")
	}
}

func indexOf(xs []uint16, v uint16) (int, bool) {
	for i, x := range xs {
		if x == v {
			return i, true
		}
	}
	return -1, false
}

// assignRelays must never pick a waiting peer as its own relay provider,
// even in the degenerate case where it is the only candidate in the queue.
func TestAssignRelaysSkipsSelfProvider(t *testing.T) {
	ep := newTestEndpoint(9)
	ep.addPeer(1, 0, nil)
	provider := ep.peers[1]
	provider.peer.SetRelayCapable(true)
	provider.sink = newTestSink(9)

	// addPeer's own Start() already drove this peer into WaitingRelay and
	// queued it on ep.waitingRelay, since it has no bind candidates to try;
	// that makes it, degenerately, its own only relay candidate once it is
	// also registered as a provider below.
	ep.mu.Lock()
	ep.relayProviders = append(ep.relayProviders, 1)
	ep.mu.Unlock()

	ep.assignRelays()

	if provider.relayingOn {
		t.Fatal("a peer must never be assigned itself as a relay provider")
	}
}

// assignRelays pairs a waiting peer with an available provider and clears
// the waiting list it drained; the assigned peer's state moves out of
// WaitingRelay and into Relaying, and its WaitingForRelay flag clears.
func TestAssignRelaysPairsWaiterWithProvider(t *testing.T) {
	ep := newTestEndpoint(9)
	ep.addPeer(1, 0, nil) // provider
	ep.addPeer(2, 0, nil) // will wait for relay

	provider := ep.peers[1]
	waiter := ep.peers[2]
	provider.peer.SetRelayCapable(true)
	provider.sink = newTestSink(9)

	// Both peers, having no bind candidates, already fell into WaitingRelay
	// and queued themselves via addPeer's Start() call; registering 1 as a
	// provider and re-running assign is what pairs 2 off with it.
	ep.mu.Lock()
	ep.relayProviders = append(ep.relayProviders, 1)
	ep.mu.Unlock()
	ep.assignRelays()

	if waiter.relayID != 1 || !waiter.relayingOn {
		t.Fatalf("expected peer 2 assigned to provider 1, got relayID=%d relayingOn=%v", waiter.relayID, waiter.relayingOn)
	}
	if waiter.peer.WaitingForRelay() {
		t.Fatal("expected waiter's WaitingForRelay to clear once assigned")
	}
	ep.mu.Lock()
	stillWaiting := len(ep.waitingRelay)
	ep.mu.Unlock()
	if stillWaiting != 0 {
		t.Fatalf("expected waiting list drained, got %d entries left", stillWaiting)
	}
}

// removePeer must re-queue every peer that was relaying through the
// removed peer as waiting-for-relay, never leaving it pointed at a
// provider id with no row.
func TestRemovePeerRequeuesOrphanedRelayUsers(t *testing.T) {
	ep := newTestEndpoint(9)
	ep.addPeer(1, 0, nil) // provider
	ep.addPeer(2, 0, nil) // user

	provider := ep.peers[1]
	user := ep.peers[2]
	provider.peer.SetRelayCapable(true)

	ep.mu.Lock()
	ep.relayProviders = append(ep.relayProviders, 1)
	ep.mu.Unlock()

	user.relayingOn = true
	user.relayID = 1
	user.peer.EnterRelay(1)

	ep.removePeer(1)

	ep.mu.Lock()
	_, providerStillPresent := ep.peers[1]
	_, requeued := indexOf(ep.waitingRelay, 2)
	ep.mu.Unlock()

	if providerStillPresent {
		t.Fatal("expected removed provider's row to be gone")
	}
	if !requeued {
		t.Fatal("expected orphaned user 2 re-queued as waiting for relay")
	}
	if user.peer.State() != session.WaitingRelay {
		t.Fatalf("expected user's session state to be WaitingRelay, got %v", user.peer.State())
	}
}
