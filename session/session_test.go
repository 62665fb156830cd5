package session

import "testing"

type fakeActions struct {
	bindResults map[int]bool
	connectOK   bool
	sent        []Message
	tornDown    int
	retriesArmed int
	relaysRequested int
	installedSendSeed Seed
	addedRecvSeed     Seed
}

func (f *fakeActions) BindAddress(addrIndex int) (YouConnect, bool) {
	ok := f.bindResults[addrIndex]
	if !ok {
		return YouConnect{}, false
	}
	return YouConnect{Addresses: []Address{{Scope: "lan", Host: "127.0.0.1", Port: 10000}}}, true
}

func (f *fakeActions) ConnectAddress(yc YouConnect, addrIndex int) bool { return f.connectOK }
func (f *fakeActions) SendMessage(msg Message)                         { f.sent = append(f.sent, msg) }
func (f *fakeActions) TearDownLink()                                   { f.tornDown++ }
func (f *fakeActions) ArmRetryTimer()                                  { f.retriesArmed++ }
func (f *fakeActions) RequestRelay()                                   { f.relaysRequested++ }
func (f *fakeActions) GenerateSeed() ([]byte, []byte, error)           { return []byte("key"), []byte("iv12345678901234"), nil }
func (f *fakeActions) InstallSendSeed(seed Seed)                       { f.installedSendSeed = seed }
func (f *fakeActions) AddReceiveSeed(seed Seed)                        { f.addedRecvSeed = seed }

func TestRoleResolution(t *testing.T) {
	acts := &fakeActions{}
	master := NewPeer(2, 1, acts)
	slave := NewPeer(1, 2, acts)
	if !master.IsMaster() {
		t.Fatal("expected own_id=2 > peer_id=1 to be master")
	}
	if slave.IsMaster() {
		t.Fatal("expected own_id=1 < peer_id=2 to be slave")
	}
}

func TestMasterBindsAndSendsYouConnect(t *testing.T) {
	acts := &fakeActions{bindResults: map[int]bool{0: true}}
	p := NewPeer(2, 1, acts)
	p.Start()

	if p.State() != WaitingConnect {
		t.Fatalf("expected WaitingConnect, got %v", p.State())
	}
	if len(acts.sent) != 1 || acts.sent[0].Type != MsgYouConnect {
		t.Fatalf("expected a YOUCONNECT sent, got %v", acts.sent)
	}
}

func TestMasterFallsBackOnBindFailure(t *testing.T) {
	acts := &fakeActions{bindResults: map[int]bool{}}
	p := NewPeer(2, 1, acts)
	p.Start()

	if p.State() != WaitingRelay {
		t.Fatalf("expected WaitingRelay after exhausting bind addresses, got %v", p.State())
	}
	if acts.relaysRequested != 1 {
		t.Fatalf("expected relay requested once, got %d", acts.relaysRequested)
	}
	foundCannotBind := false
	for _, m := range acts.sent {
		if m.Type == MsgCannotBind {
			foundCannotBind = true
		}
	}
	if !foundCannotBind {
		t.Fatal("expected CANNOTBIND to be sent")
	}
}

func TestSlaveWaitsThenConnects(t *testing.T) {
	acts := &fakeActions{connectOK: true}
	p := NewPeer(1, 2, acts)
	p.Start()
	if p.State() != WaitingConnect {
		t.Fatalf("expected slave to wait for YOUCONNECT, got %v", p.State())
	}

	yc := YouConnect{Addresses: []Address{{Scope: "lan", Host: "127.0.0.1", Port: 10000}}}
	p.OnMessage(EncodeYouConnect(yc))
	if p.State() != LinkUp {
		t.Fatalf("expected LinkUp after successful connect, got %v", p.State())
	}
}

func TestSlaveReportsCannotConnect(t *testing.T) {
	acts := &fakeActions{connectOK: false}
	p := NewPeer(1, 2, acts)
	p.Start()

	yc := YouConnect{Addresses: []Address{{Scope: "lan", Host: "127.0.0.1", Port: 10000}}}
	p.OnMessage(EncodeYouConnect(yc))

	foundCannotConnect := false
	for _, m := range acts.sent {
		if m.Type == MsgCannotConnect {
			foundCannotConnect = true
		}
	}
	if !foundCannotConnect {
		t.Fatal("expected CANNOTCONNECT reply")
	}
}

func TestMasterRetriesNextAddressOnCannotConnect(t *testing.T) {
	acts := &fakeActions{bindResults: map[int]bool{0: true, 1: true}}
	p := NewPeer(2, 1, acts)
	p.Start()

	p.OnMessage(Message{Type: MsgCannotConnect})
	if p.addrIndex != 1 {
		t.Fatalf("expected master to advance to address index 1, got %d", p.addrIndex)
	}
	if len(acts.sent) != 2 {
		t.Fatalf("expected 2 YOUCONNECTs sent across both attempts, got %d", len(acts.sent))
	}
}

func TestMasterRetryBackoffOnTransportError(t *testing.T) {
	acts := &fakeActions{bindResults: map[int]bool{0: true}}
	p := NewPeer(2, 1, acts)
	p.Start()
	p.OnTransportError()

	if p.State() != RetryBackoff {
		t.Fatalf("expected RetryBackoff, got %v", p.State())
	}
	if acts.retriesArmed != 1 {
		t.Fatalf("expected retry timer armed once, got %d", acts.retriesArmed)
	}

	p.OnRetryTimer()
	if p.State() != WaitingConnect {
		t.Fatalf("expected to restart binding, got %v", p.State())
	}
}

func TestSlaveReportsYouRetryOnTransportError(t *testing.T) {
	acts := &fakeActions{connectOK: true}
	p := NewPeer(1, 2, acts)
	p.Start()
	p.OnMessage(EncodeYouConnect(YouConnect{Addresses: []Address{{Scope: "lan"}}}))
	p.OnTransportError()

	if p.State() != WaitingConnect {
		t.Fatalf("expected slave to wait after reporting retry, got %v", p.State())
	}
	found := false
	for _, m := range acts.sent {
		if m.Type == MsgYouRetry {
			found = true
		}
	}
	if !found {
		t.Fatal("expected YOURETRY sent")
	}
}

func TestRelayLifecycle(t *testing.T) {
	acts := &fakeActions{}
	p := NewPeer(2, 1, acts)
	p.enterWaitingRelay()
	if p.State() != WaitingRelay {
		t.Fatal("expected WaitingRelay")
	}

	p.EnterRelay(9)
	if p.State() != Relaying || p.relayID != 9 {
		t.Fatalf("expected Relaying via peer 9, got state=%v relay=%d", p.State(), p.relayID)
	}

	p.LeaveRelay()
	if p.State() != WaitingRelay {
		t.Fatalf("expected WaitingRelay after leaving relay, got %v", p.State())
	}
}

func TestOTPRotationFlow(t *testing.T) {
	acts := &fakeActions{}
	p := NewPeer(2, 1, acts)

	p.OnSeedWarning()
	if len(acts.sent) != 1 || acts.sent[0].Type != MsgSeed {
		t.Fatalf("expected SEED sent, got %v", acts.sent)
	}
	seedID := p.pendingSeed.SeedID

	p.OnConfirmSeed(seedID)
	if acts.installedSendSeed.SeedID != seedID {
		t.Fatalf("expected send seed %d installed, got %d", seedID, acts.installedSendSeed.SeedID)
	}
	if p.pendingSeedSet {
		t.Fatal("expected pending seed cleared after confirm")
	}
}

func TestOTPIncomingSeedInstalledAndConfirmed(t *testing.T) {
	acts := &fakeActions{}
	p := NewPeer(2, 1, acts)

	incoming := Seed{SeedID: 5, Key: []byte("k"), IV: []byte("v")}
	p.OnSeed(incoming)
	if acts.addedRecvSeed.SeedID != 5 {
		t.Fatalf("expected receive seed added, got %+v", acts.addedRecvSeed)
	}

	p.OnSeedObserved(5)
	found := false
	for _, m := range acts.sent {
		if m.Type == MsgConfirmSeed {
			if id, err := DecodeConfirmSeed(m.Payload); err == nil && id == 5 {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("expected CONFIRMSEED(5) sent")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	yc := YouConnect{
		Addresses: []Address{{Scope: "lan", Host: "10.0.0.1", Port: 5555}, {Scope: "wan", Host: "1.2.3.4", Port: 6000}},
		Key:       []byte("0123456789abcdef"),
	}
	msg := EncodeYouConnect(yc)
	wire := msg.Encode()

	decoded, err := DecodeMessage(wire)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeYouConnect(decoded.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Addresses) != 2 || got.Addresses[1].Host != "1.2.3.4" || got.Addresses[1].Port != 6000 {
		t.Fatalf("address mismatch: %+v", got.Addresses)
	}
	if string(got.Key) != string(yc.Key) {
		t.Fatalf("key mismatch: %q vs %q", got.Key, yc.Key)
	}
}

func TestMessageRoundTripTCPPassword(t *testing.T) {
	yc := YouConnect{Addresses: []Address{{Scope: "lan", Host: "h", Port: 1}}, UseTCP: true, Password: 0xdeadbeefcafebabe}
	wire := EncodeYouConnect(yc).Encode()
	decoded, err := DecodeMessage(wire)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeYouConnect(decoded.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if !got.UseTCP || got.Password != yc.Password {
		t.Fatalf("password round trip mismatch: %+v", got)
	}
}
