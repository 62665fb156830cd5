package dataproto

import (
	"errors"
	"sync"
)

// ErrFlowFull is returned by Route when the flow's bounded send buffer has
// no room; the caller drops the frame rather than blocking the reactor.
var ErrFlowFull = errors.New("dataproto: flow send buffer full")

type queuedFrame struct {
	dests   []uint16
	payload []byte

	fromID    uint16
	hasFromID bool
}

// Flow is a bounded send buffer for one producer of outbound traffic — the
// tap device's local traffic toward a peer, or a relayed source peer's
// traffic being forwarded onward. It drains into whichever Sink it is
// currently Attach()ed to; buffered frames survive Attach/Detach, so
// switching a peer from a direct link to a relay link never drops
// already-queued traffic.
type Flow struct {
	mu       sync.Mutex
	capacity int
	queue    []queuedFrame
	sink     *Sink
}

// NewFlow creates a Flow with the given bounded capacity (send_buffer_size
// or send_buffer_relay_size, depending on whether this flow ever carries
// relayed traffic).
func NewFlow(capacity int) *Flow {
	if capacity <= 0 {
		capacity = 128
	}
	return &Flow{capacity: capacity}
}

// Route enqueues payload for delivery to dests. The spec's optional
// multi-destination coalescing ("routing bit") is realized here by letting
// the caller pass every destination that should share one wire packet in a
// single call — the decider already knows a frame's full destination set
// before routing, so no runtime peeking at the queue is needed to get the
// same wire efficiency.
func (f *Flow) Route(payload []byte, dests []uint16) error {
	return f.route(payload, dests, 0, false)
}

// RouteFrom is Route for traffic this endpoint is relaying on another
// peer's behalf: the resulting DataProto packet carries fromID as its
// FromID instead of the sink's own id, so the eventual receiver's
// per-source reassembly and anti-loop check still see the original
// sender rather than the relay.
func (f *Flow) RouteFrom(payload []byte, dests []uint16, fromID uint16) error {
	return f.route(payload, dests, fromID, true)
}

func (f *Flow) route(payload []byte, dests []uint16, fromID uint16, hasFromID bool) error {
	f.mu.Lock()
	if len(f.queue) >= f.capacity {
		f.mu.Unlock()
		return ErrFlowFull
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.queue = append(f.queue, queuedFrame{
		dests:     append([]uint16(nil), dests...),
		payload:   buf,
		fromID:    fromID,
		hasFromID: hasFromID,
	})
	sink := f.sink
	f.mu.Unlock()

	if sink != nil {
		sink.notify()
	}
	return nil
}

// Attach points this flow at sink, draining any already-buffered frames
// into it. Detach() followed by Attach(other) is how a peer's outbound
// traffic moves from a direct link onto a relay link, or back.
func (f *Flow) Attach(sink *Sink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
	sink.addFlow(f)
	sink.notify()
}

// Detach removes this flow from its current sink, if any. Buffered frames
// are retained for the next Attach.
func (f *Flow) Detach() {
	f.mu.Lock()
	sink := f.sink
	f.sink = nil
	f.mu.Unlock()
	if sink != nil {
		sink.removeFlow(f)
	}
}

// dequeue pops the oldest buffered frame, if any.
func (f *Flow) dequeue() (queuedFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return queuedFrame{}, false
	}
	qf := f.queue[0]
	f.queue = f.queue[1:]
	return qf, true
}

func (f *Flow) empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) == 0
}
