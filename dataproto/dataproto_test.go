package dataproto

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestPacketRoundTrip(t *testing.T) {
	p := Packet{Flags: FlagReceivedData, FromID: 3, Dests: []uint16{5, 9}, Payload: []byte("hello")}
	wire, err := p.Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.Flags != p.Flags || got.FromID != p.FromID || !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("mismatch: %+v vs %+v", got, p)
	}
	if len(got.Dests) != 2 || got.Dests[0] != 5 || got.Dests[1] != 9 {
		t.Fatalf("dest mismatch: %v", got.Dests)
	}
}

func TestKeepaliveIsEmptyPayload(t *testing.T) {
	p := Packet{FromID: 1}
	wire, _ := p.Encode(nil)
	got, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsKeepalive() {
		t.Fatal("expected keepalive packet")
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode([]byte{1, 2}); err != ErrPacketTooShort {
		t.Fatalf("expected ErrPacketTooShort, got %v", err)
	}
}

type recordingWriter struct {
	mu      sync.Mutex
	packets [][]byte
	wake    chan struct{}
}

func (w *recordingWriter) WriteDataProto(wire []byte) error {
	w.mu.Lock()
	w.packets = append(w.packets, append([]byte(nil), wire...))
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.packets)
}

func TestFlowSinkDelivery(t *testing.T) {
	w := &recordingWriter{wake: make(chan struct{}, 16)}
	sink := NewSink(1, w, time.Hour, 0, nil)
	sink.Start()
	defer sink.Stop()

	flow := NewFlow(8)
	flow.Attach(sink)

	if err := flow.Route([]byte("payload"), []uint16{2}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.wake:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sink to deliver")
	}

	if w.count() != 1 {
		t.Fatalf("expected 1 packet written, got %d", w.count())
	}
	pkt, err := Decode(w.packets[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pkt.Payload, []byte("payload")) || pkt.Dests[0] != 2 {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
}

func TestSinkEmitsKeepaliveWhenIdle(t *testing.T) {
	w := &recordingWriter{wake: make(chan struct{}, 16)}
	sink := NewSink(1, w, 20*time.Millisecond, 0, nil)
	sink.Start()
	defer sink.Stop()

	select {
	case <-w.wake:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for keepalive")
	}
	pkt, err := Decode(w.packets[0])
	if err != nil {
		t.Fatal(err)
	}
	if !pkt.IsKeepalive() {
		t.Fatal("expected keepalive packet")
	}
}

func TestSinkDeclaresLinkDownOnReceiveTimeout(t *testing.T) {
	w := &recordingWriter{wake: make(chan struct{}, 16)}
	var mu sync.Mutex
	var transitions []bool
	sink := NewSink(1, w, time.Hour, 20*time.Millisecond, func(up bool) {
		mu.Lock()
		transitions = append(transitions, up)
		mu.Unlock()
	})
	sink.Start()
	defer sink.Stop()

	sink.NoteReceived()
	time.Sleep(10 * time.Millisecond)
	if !sink.IsUp() {
		t.Fatal("expected link up after NoteReceived")
	}

	time.Sleep(40 * time.Millisecond)
	if sink.IsUp() {
		t.Fatal("expected link down after receive timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != true || transitions[1] != false {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}

func TestFlowBufferedAcrossReattach(t *testing.T) {
	flow := NewFlow(4)
	if err := flow.Route([]byte("queued"), []uint16{9}); err != nil {
		t.Fatal(err)
	}

	w := &recordingWriter{wake: make(chan struct{}, 4)}
	sink := NewSink(1, w, time.Hour, 0, nil)
	sink.Start()
	defer sink.Stop()

	flow.Attach(sink)
	select {
	case <-w.wake:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	if w.count() != 1 {
		t.Fatalf("expected buffered frame to flush on attach, got %d packets", w.count())
	}
}

func TestFlowFullReturnsError(t *testing.T) {
	flow := NewFlow(1)
	if err := flow.Route([]byte("a"), []uint16{1}); err != nil {
		t.Fatal(err)
	}
	if err := flow.Route([]byte("b"), []uint16{1}); err != ErrFlowFull {
		t.Fatalf("expected ErrFlowFull, got %v", err)
	}
}

type fakeDecider struct{}

func (fakeDecider) Observe(frame []byte, fromPeer uint16, now time.Time) {}
func (fakeDecider) Decide(frame []byte, allPeers []uint16, excludePeer uint16) []uint16 {
	return allPeers
}

func TestSourceRoutesToAllDecidedPeers(t *testing.T) {
	flows := map[uint16]*Flow{2: NewFlow(4), 3: NewFlow(4)}
	src := NewSource(fakeDecider{}, func(id uint16) (*Flow, bool) {
		f, ok := flows[id]
		return f, ok
	}, func() []uint16 { return []uint16{2, 3} })

	src.HandleFrame([]byte("frame"), time.Unix(0, 0))

	for id, f := range flows {
		qf, ok := f.dequeue()
		if !ok {
			t.Fatalf("expected frame queued for peer %d", id)
		}
		if !bytes.Equal(qf.payload, []byte("frame")) {
			t.Fatalf("peer %d: payload mismatch", id)
		}
	}
}

func TestReceiveDeviceWritesLocalAndRelaysOther(t *testing.T) {
	var written [][]byte
	var relayed []struct {
		dest uint16
		data []byte
	}
	rd := NewReceiveDevice(1,
		func(fromPeer uint16, frame []byte) error { written = append(written, frame); return nil },
		func(sourcePeer, dest uint16, payload []byte) error {
			relayed = append(relayed, struct {
				dest uint16
				data []byte
			}{dest, payload})
			return nil
		},
		func(sourcePeer uint16) bool { return false },
		time.Minute,
	)

	pkt := Packet{FromID: 5, Dests: []uint16{1, 7}, Payload: []byte("data")}
	wire, _ := pkt.Encode(nil)
	if err := rd.HandlePacket(wire, time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}

	if len(written) != 1 || !bytes.Equal(written[0], []byte("data")) {
		t.Fatalf("expected local write, got %v", written)
	}
	if len(relayed) != 1 || relayed[0].dest != 7 {
		t.Fatalf("expected relay to peer 7, got %v", relayed)
	}
}

func TestReceiveDeviceRefusesRelayFromRelayClientOnly(t *testing.T) {
	var relayed int
	rd := NewReceiveDevice(1,
		func(fromPeer uint16, frame []byte) error { return nil },
		func(sourcePeer, dest uint16, payload []byte) error { relayed++; return nil },
		func(sourcePeer uint16) bool { return true },
		time.Minute,
	)

	pkt := Packet{FromID: 5, Dests: []uint16{7}, Payload: []byte("data")}
	wire, _ := pkt.Encode(nil)
	if err := rd.HandlePacket(wire, time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}
	if relayed != 0 {
		t.Fatalf("expected no relay from a relay-client-only source, got %d", relayed)
	}
}

func TestReceiveDeviceInactivityEviction(t *testing.T) {
	rd := NewReceiveDevice(1, func(uint16, []byte) error { return nil }, func(uint16, uint16, []byte) error { return nil }, nil, 10*time.Millisecond)

	pkt := Packet{FromID: 9}
	wire, _ := pkt.Encode(nil)
	now := time.Unix(0, 0)
	if err := rd.HandlePacket(wire, now); err != nil {
		t.Fatal(err)
	}

	if expired := rd.Expire(now.Add(5 * time.Millisecond)); len(expired) != 0 {
		t.Fatalf("expected no eviction yet, got %v", expired)
	}
	expired := rd.Expire(now.Add(20 * time.Millisecond))
	if len(expired) != 1 || expired[0] != 9 {
		t.Fatalf("expected peer 9 evicted, got %v", expired)
	}
}
