package dataproto

import (
	"sync"
	"time"

	"tapmesh/internal/atomicbool"
)

// Writer is the physical link a Sink drains onto — a direct UDP/TCP peer
// connection, implemented by the transport package.
type Writer interface {
	WriteDataProto(wire []byte) error
}

// Sink is the per-link sender: it fair-queues packets out of every
// attached Flow, emits a keepalive when nothing else was sent during
// keepalive_interval, and watches a received-timer to declare the link up
// or down. The goroutine-per-link-plus-channel-signalled-wakeup shape
// mirrors device/peer.go's routine/queue/timer plumbing, generalized from
// one fixed queue to a set of attachable flows.
type Sink struct {
	ownID      uint16
	writer     Writer
	onLinkChange func(up bool)

	keepaliveInterval time.Duration
	receiveTimeout    time.Duration

	mu      sync.Mutex
	flows   []*Flow
	rr      int

	wake         chan struct{}
	resetReceive chan struct{}
	stop         chan struct{}
	running      atomicbool.Bool
	wg           sync.WaitGroup

	linkUp atomicbool.Bool
}

// NewSink builds a Sink bound to one physical link. onLinkChange, if
// non-nil, is invoked (from the sink's own goroutine) whenever the link's
// up/down disposition changes.
func NewSink(ownID uint16, writer Writer, keepaliveInterval, receiveTimeout time.Duration, onLinkChange func(up bool)) *Sink {
	return &Sink{
		ownID:             ownID,
		writer:            writer,
		onLinkChange:      onLinkChange,
		keepaliveInterval: keepaliveInterval,
		receiveTimeout:    receiveTimeout,
		wake:              make(chan struct{}, 1),
		resetReceive:      make(chan struct{}, 1),
		stop:              make(chan struct{}),
	}
}

func (s *Sink) addFlow(f *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.flows {
		if existing == f {
			return
		}
	}
	s.flows = append(s.flows, f)
}

func (s *Sink) removeFlow(f *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.flows {
		if existing == f {
			s.flows = append(s.flows[:i], s.flows[i+1:]...)
			return
		}
	}
}

func (s *Sink) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// nextFrame round-robins across attached flows, returning the first
// non-empty one found.
func (s *Sink) nextFrame() (queuedFrame, bool) {
	s.mu.Lock()
	flows := append([]*Flow(nil), s.flows...)
	n := len(flows)
	start := s.rr
	s.mu.Unlock()
	if n == 0 {
		return queuedFrame{}, false
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if qf, ok := flows[idx].dequeue(); ok {
			s.mu.Lock()
			s.rr = (idx + 1) % n
			s.mu.Unlock()
			return qf, true
		}
	}
	return queuedFrame{}, false
}

// Start runs the sink's send loop until Stop is called.
func (s *Sink) Start() {
	if s.running.Swap(true) {
		return
	}
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the send loop and waits for it to exit.
func (s *Sink) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.stop)
	s.wg.Wait()
}

func (s *Sink) loop() {
	defer s.wg.Done()

	keepalive := time.NewTimer(s.keepaliveInterval)
	defer keepalive.Stop()
	var receiveTimer *time.Timer
	var receiveC <-chan time.Time
	if s.receiveTimeout > 0 {
		receiveTimer = time.NewTimer(s.receiveTimeout)
		receiveC = receiveTimer.C
		defer receiveTimer.Stop()
	}

	for {
		select {
		case <-s.stop:
			return
		case <-receiveC:
			if s.linkUp.Swap(false) && s.onLinkChange != nil {
				s.onLinkChange(false)
			}
		case <-s.resetReceive:
			if receiveTimer != nil {
				if !receiveTimer.Stop() {
					select {
					case <-receiveTimer.C:
					default:
					}
				}
				receiveTimer.Reset(s.receiveTimeout)
			}
		case <-keepalive.C:
			s.sendKeepalive()
			keepalive.Reset(s.keepaliveInterval)
		case <-s.wake:
			for {
				qf, ok := s.nextFrame()
				if !ok {
					break
				}
				s.send(qf)
				keepalive.Reset(s.keepaliveInterval)
			}
		}
	}
}

func (s *Sink) send(qf queuedFrame) {
	fromID := s.ownID
	if qf.hasFromID {
		fromID = qf.fromID
	}
	pkt := Packet{Flags: s.outboundFlags(), FromID: fromID, Dests: qf.dests, Payload: qf.payload}
	wire, err := pkt.Encode(nil)
	if err != nil {
		return
	}
	_ = s.writer.WriteDataProto(wire)
}

func (s *Sink) sendKeepalive() {
	pkt := Packet{Flags: s.outboundFlags(), FromID: s.ownID}
	wire, err := pkt.Encode(nil)
	if err != nil {
		return
	}
	_ = s.writer.WriteDataProto(wire)
}

// outboundFlags sets FlagReceivedData once this link's receive-timer has
// seen at least one packet from the peer, so the peer's own liveness
// detection gets the hint spec.md §4.4 describes — without it, two
// endpoints that both start silent would wait on each other forever.
func (s *Sink) outboundFlags() byte {
	if s.linkUp.Get() {
		return FlagReceivedData
	}
	return 0
}

// NoteReceived is called by the receive side for every packet successfully
// decoded on this sink's link, resetting the received-timer and, if the
// link was down, declaring it up. The packet's received-data bit is not
// examined: any decoded packet counts, whether or not the bit is set.
func (s *Sink) NoteReceived() {
	if !s.linkUp.Swap(true) && s.onLinkChange != nil {
		s.onLinkChange(true)
	}
	select {
	case s.resetReceive <- struct{}{}:
	default:
	}
}

// IsUp reports this link's current disposition as last observed by the
// received-timer.
func (s *Sink) IsUp() bool { return s.linkUp.Get() }
