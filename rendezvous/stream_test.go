package rendezvous

import (
	"net"
	"testing"
	"time"
)

func pipeClients(t *testing.T) (*StreamClient, *StreamClient) {
	t.Helper()
	a, b := net.Pipe()
	return NewStreamClient(a), NewStreamClient(b)
}

func TestReadyEventRoundTrip(t *testing.T) {
	server, client := pipeClients(t)
	defer server.Close()
	defer client.Close()

	frame, err := EncodeReady(7, "203.0.113.5")
	if err != nil {
		t.Fatal(err)
	}
	go func() { server.conn.Write(frame) }()

	select {
	case ev := <-client.Events():
		if ev.Type != EventReady || ev.OwnID != 7 || ev.ExternalIP != "203.0.113.5" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for READY event")
	}
}

func TestNewClientAndEndClientEvents(t *testing.T) {
	server, client := pipeClients(t)
	defer server.Close()
	defer client.Close()

	nc, err := EncodeNewClient(3, FlagCanBeRelay, []byte{0xde, 0xad})
	if err != nil {
		t.Fatal(err)
	}
	ec, err := EncodeEndClient(3)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		server.conn.Write(nc)
		server.conn.Write(ec)
	}()

	ev1 := recvEvent(t, client)
	if ev1.Type != EventNewClient || ev1.PeerID != 3 || ev1.Flags != FlagCanBeRelay {
		t.Fatalf("unexpected first event: %+v", ev1)
	}
	if len(ev1.CertDER) != 2 || ev1.CertDER[0] != 0xde {
		t.Fatalf("cert mismatch: %v", ev1.CertDER)
	}

	ev2 := recvEvent(t, client)
	if ev2.Type != EventEndClient || ev2.PeerID != 3 {
		t.Fatalf("unexpected second event: %+v", ev2)
	}
}

func TestSendDeliversMessageEvent(t *testing.T) {
	server, client := pipeClients(t)
	defer server.Close()
	defer client.Close()

	if err := client.Send(42, []byte("hello peer")); err != nil {
		t.Fatal(err)
	}

	ev := recvEvent(t, server)
	if ev.Type != EventMessage || ev.PeerID != 42 || string(ev.Payload) != "hello peer" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSendRejectsOversizeMessage(t *testing.T) {
	server, client := pipeClients(t)
	defer server.Close()
	defer client.Close()

	huge := make([]byte, SCMaxMsgLen)
	if err := client.Send(1, huge); err == nil {
		t.Fatal("expected oversize message to be rejected")
	}
}

func TestCloseStopsEventDelivery(t *testing.T) {
	_, client := pipeClients(t)
	client.Close()

	select {
	case _, ok := <-client.Events():
		if ok {
			t.Fatal("expected events channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}
}

func recvEvent(t *testing.T, c *StreamClient) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
