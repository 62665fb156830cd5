package fragment

import (
	"encoding/binary"
	"sync"
	"time"
)

// pipeHeaderSize is the wire size of the group envelope a Pipe wraps
// around each fragmentation-codec packet it shields: group_id(u16) |
// index(u8). index >= GroupSize identifies a parity shard; the shard's
// position in Shield.Recover's input is index itself.
const pipeHeaderSize = 2 + 1

// Pipe batches consecutive fragmentation-codec packets into fixed-size
// groups and shields each group with a Shield, for callers that enabled
// FEC shielding (cfg's fec_algorithm != none). Accept and Flush serialize
// on the Pipe's own mutex. A Pipe covers only the sending direction; the
// receiving direction uses a Receiver.
type Pipe struct {
	shield Shield

	mu      sync.Mutex
	pending [][]byte
	groupID uint16
}

func NewPipe(shield Shield) *Pipe {
	return &Pipe{shield: shield}
}

// Accept buffers one outgoing fragmentation-codec packet and, once a full
// group has accumulated, returns that group's data and parity packets
// each wrapped in the group envelope, ready for the SPP codec. It returns
// nil, nil while a group is still filling.
func (p *Pipe) Accept(packet []byte) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, packet)
	if len(p.pending) < p.shield.GroupSize() {
		return nil, nil
	}
	return p.flushLocked()
}

// Flush emits whatever partial group is pending, padding with empty
// packets so Shield.Protect always sees exactly GroupSize inputs. Callers
// use this to bound added latency when traffic is too sparse to fill a
// group on its own (e.g. on a send-side idle timer).
func (p *Pipe) Flush() ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil, nil
	}
	return p.flushLocked()
}

func (p *Pipe) flushLocked() ([][]byte, error) {
	group := p.pending
	for len(group) < p.shield.GroupSize() {
		group = append(group, nil)
	}
	p.pending = nil

	parity, err := p.shield.Protect(group)
	if err != nil {
		return nil, err
	}
	gid := p.groupID
	p.groupID++

	out := make([][]byte, 0, len(group)+len(parity))
	for i, pkt := range group {
		if pkt == nil {
			continue
		}
		out = append(out, envelope(gid, uint8(i), pkt))
	}
	for i, pkt := range parity {
		out = append(out, envelope(gid, uint8(p.shield.GroupSize()+i), pkt))
	}
	return out, nil
}

func envelope(gid uint16, index uint8, payload []byte) []byte {
	out := make([]byte, pipeHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], gid)
	out[2] = index
	copy(out[pipeHeaderSize:], payload)
	return out
}

// recoverySlot buffers shards arriving for one group id until either the
// group is complete or maxAge has elapsed since the first shard, at which
// point Recover is attempted with whatever arrived (nils standing in for
// the rest).
type recoverySlot struct {
	shards    [][]byte
	have      int
	firstSeen time.Time
}

// Receiver is the receive-side counterpart to Pipe: it de-envelopes
// shards, groups them by id, and calls Shield.Recover once a group is
// complete or stale.
type Receiver struct {
	shield Shield
	maxAge time.Duration

	mu    sync.Mutex
	slots map[uint16]*recoverySlot
}

func NewReceiver(shield Shield, maxAge time.Duration) *Receiver {
	return &Receiver{shield: shield, maxAge: maxAge, slots: make(map[uint16]*recoverySlot)}
}

// Accept processes one received, enveloped shard. It returns the
// recovered group's data packets (nil entries for shards Recover could
// not reconstruct) once the group resolves, or nil, nil while still
// waiting on more shards.
func (r *Receiver) Accept(wire []byte, now time.Time) ([][]byte, error) {
	if len(wire) < pipeHeaderSize {
		return nil, ErrChunkTooShort
	}
	gid := binary.LittleEndian.Uint16(wire[0:2])
	index := wire[2]
	payload := wire[pipeHeaderSize:]

	total := r.shield.GroupSize() + r.shield.ParitySize()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[gid]
	if !ok {
		s = &recoverySlot{shards: make([][]byte, total), firstSeen: now}
		r.slots[gid] = s
	}
	if int(index) < total && s.shards[index] == nil {
		s.shards[index] = append([]byte(nil), payload...)
		s.have++
	}

	if s.have < total {
		return nil, nil
	}
	delete(r.slots, gid)
	return r.shield.Recover(s.shards)
}

// ExpireStale resolves (with Recover, accepting whatever erasures result)
// every group that has been waiting longer than maxAge, for a caller that
// polls on a timer rather than per-packet.
func (r *Receiver) ExpireStale(now time.Time) [][][]byte {
	if r.maxAge <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out [][][]byte
	for gid, s := range r.slots {
		if now.Sub(s.firstSeen) < r.maxAge {
			continue
		}
		delete(r.slots, gid)
		if group, err := r.shield.Recover(s.shards); err == nil {
			out = append(out, group)
		}
	}
	return out
}
