package tapdev

import "testing"

type fakeBackend struct {
	toRead  [][]byte
	written [][]byte
	mtu     int
}

func (f *fakeBackend) ReadPacket(buf []byte) (int, error) {
	pkt := f.toRead[0]
	f.toRead = f.toRead[1:]
	return copy(buf, pkt), nil
}

func (f *fakeBackend) WritePacket(pkt []byte) (int, error) {
	cp := append([]byte(nil), pkt...)
	f.written = append(f.written, cp)
	return len(pkt), nil
}

func (f *fakeBackend) Close() error          { return nil }
func (f *fakeBackend) Name() (string, error) { return "fake0", nil }
func (f *fakeBackend) MTU() (int, error)     { return f.mtu, nil }

func TestEthernetShimSynthesizesHeaderOnRead(t *testing.T) {
	ipv4Packet := []byte{0x45, 0x00, 0x00, 0x14, 0, 0, 0, 0, 64, 17, 0, 0, 10, 0, 0, 1, 10, 0, 0, 2}
	backend := &fakeBackend{toRead: [][]byte{ipv4Packet}}
	local := [6]byte{0xaa, 0, 0, 0, 0, 1}
	peer := [6]byte{0xbb, 0, 0, 0, 0, 2}
	shim := NewEthernetShim(backend, local, peer)

	buf := make([]byte, 1500)
	n, err := shim.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != ethHeaderLen+len(ipv4Packet) {
		t.Fatalf("unexpected length %d", n)
	}
	if string(buf[0:6]) != string(peer[:]) || string(buf[6:12]) != string(local[:]) {
		t.Fatalf("header mac mismatch")
	}
	if buf[12] != 0x08 || buf[13] != 0x00 {
		t.Fatalf("expected IPv4 ethertype, got %02x%02x", buf[12], buf[13])
	}
}

func TestEthernetShimStripsHeaderOnWrite(t *testing.T) {
	backend := &fakeBackend{}
	shim := NewEthernetShim(backend, [6]byte{}, [6]byte{})

	frame := make([]byte, ethHeaderLen+4)
	frame[ethHeaderLen+0] = 1
	frame[ethHeaderLen+1] = 2
	frame[ethHeaderLen+2] = 3
	frame[ethHeaderLen+3] = 4

	if _, err := shim.Write(frame); err != nil {
		t.Fatal(err)
	}
	if len(backend.written) != 1 {
		t.Fatalf("expected one packet written, got %d", len(backend.written))
	}
	if string(backend.written[0]) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected packet contents: %v", backend.written[0])
	}
}

func TestEthernetShimRejectsShortFrameOnWrite(t *testing.T) {
	backend := &fakeBackend{}
	shim := NewEthernetShim(backend, [6]byte{}, [6]byte{})
	if _, err := shim.Write([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected short-frame error")
	}
}
