package transport

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func TestBindUDPRangeFindsFreePort(t *testing.T) {
	link, err := BindUDPRange(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer link.Close()
	if link.Port() == 0 {
		t.Fatal("expected a non-zero bound port")
	}
}

func TestUDPRoundTrip(t *testing.T) {
	server, err := BindUDPRange(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client, err := ConnectUDP(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(server.Port())})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.WriteDataProto([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	server.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := server.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestPasswordListenerRoutesByPassword(t *testing.T) {
	pl, err := ListenPassword("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pl.Close()

	password, err := pl.NewPassword()
	if err != nil {
		t.Fatal(err)
	}
	waitCh, err := pl.Register(password)
	if err != nil {
		t.Fatal(err)
	}

	addr := pl.Addr().(*net.TCPAddr)
	client, err := ConnectTCP(addr, password)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	select {
	case link := <-waitCh:
		if link == nil {
			t.Fatal("expected a non-nil accepted link")
		}
		link.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for password-routed connection")
	}
}

func TestPasswordListenerRejectsUnregisteredPassword(t *testing.T) {
	pl, err := ListenPassword("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pl.Close()

	addr := pl.Addr().(*net.TCPAddr)
	client, err := ConnectTCP(addr, 0xdeadbeef)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	buf := make([]byte, 1)
	client.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err = client.conn.Read(buf)
	if err == nil {
		t.Fatal("expected connection to be closed for unregistered password")
	}
}

func TestRegisterCollision(t *testing.T) {
	pl, err := ListenPassword("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pl.Close()

	if _, err := pl.Register(42); err != nil {
		t.Fatal(err)
	}
	if _, err := pl.Register(42); !errors.Is(err, ErrPasswordCollision) {
		t.Fatalf("expected ErrPasswordCollision, got %v", err)
	}
}

func TestTCPDataProtoFraming(t *testing.T) {
	pl, err := ListenPassword("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pl.Close()

	password, err := pl.NewPassword()
	if err != nil {
		t.Fatal(err)
	}
	waitCh, err := pl.Register(password)
	if err != nil {
		t.Fatal(err)
	}

	addr := pl.Addr().(*net.TCPAddr)
	client, err := ConnectTCP(addr, password)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var server *TCPLink
	select {
	case server = <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	defer server.Close()

	if err := client.WriteDataProto([]byte("framed payload")); err != nil {
		t.Fatal(err)
	}
	got, err := server.ReadDataProto()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("framed payload")) {
		t.Fatalf("got %q", got)
	}
}
