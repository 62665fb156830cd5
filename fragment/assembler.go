package fragment

import "container/list"

// DefaultMaxFrameSize bounds a single reassembled frame; larger inputs are
// dropped rather than ever buffered to this size, standing in for whatever
// tap MTU the endpoint is configured with (callers should set MaxFrameSize
// to the real device MTU).
const DefaultMaxFrameSize = 65535

type slot struct {
	frameID uint16
	data    []byte
	done    bool
	elem    *list.Element // position in the LRU list
}

// Assembler reassembles chunks produced by a Disassembler back into whole
// frames, using a bounded number of in-flight reassembly slots keyed by
// frame id with least-recently-touched eviction — the same LRU idiom the
// frame decider uses for its MAC table.
type Assembler struct {
	maxSlots      int
	maxFrameSize  int
	slots         map[uint16]*slot
	lru           *list.List // front = most recently touched
}

func NewAssembler(maxSlots, maxFrameSize int) *Assembler {
	if maxSlots <= 0 {
		maxSlots = 16
	}
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Assembler{
		maxSlots:     maxSlots,
		maxFrameSize: maxFrameSize,
		slots:        make(map[uint16]*slot),
		lru:          list.New(),
	}
}

func (a *Assembler) touch(s *slot) {
	a.lru.MoveToFront(s.elem)
}

func (a *Assembler) evictOldest() {
	back := a.lru.Back()
	if back == nil {
		return
	}
	old := back.Value.(*slot)
	a.lru.Remove(back)
	delete(a.slots, old.frameID)
}

func (a *Assembler) drop(s *slot) {
	a.lru.Remove(s.elem)
	delete(a.slots, s.frameID)
}

func (a *Assembler) newSlot(id uint16) *slot {
	if len(a.slots) >= a.maxSlots {
		a.evictOldest()
	}
	s := &slot{frameID: id}
	s.elem = a.lru.PushFront(s)
	a.slots[id] = s
	return s
}

// FeedChunk processes one chunk header+payload. It returns the completed
// frame and true if this chunk finished a frame.
func (a *Assembler) FeedChunk(hdr Header, payload []byte) ([]byte, bool) {
	s, ok := a.slots[hdr.FrameID]

	if hdr.ChunkStart == 0 {
		// Fresh frame under this id — BadVPN-style ids wrap, so a start-of-
		// frame chunk always (re)starts the slot even if one was pending.
		if ok {
			a.drop(s)
		}
		s = a.newSlot(hdr.FrameID)
	} else {
		if !ok || len(s.data) != int(hdr.ChunkStart) {
			// Gap, reorder, or chunk for an unknown slot: invalidate and
			// never deliver a partial frame.
			if ok {
				a.drop(s)
			}
			return nil, false
		}
	}

	if len(s.data)+len(payload) > a.maxFrameSize {
		a.drop(s)
		return nil, false
	}

	s.data = append(s.data, payload...)
	a.touch(s)

	if hdr.IsLast {
		frame := s.data
		a.drop(s)
		return frame, true
	}
	return nil, false
}

// Reassemble walks a received wire packet — a back-to-back sequence of
// chunks, possibly from more than one frame id — and returns every frame
// completed by it.
func (a *Assembler) Reassemble(packet []byte) ([][]byte, error) {
	var frames [][]byte
	for len(packet) > 0 {
		hdr, err := decodeHeader(packet)
		if err != nil {
			return frames, err
		}
		packet = packet[HeaderSize:]
		if len(packet) < int(hdr.ChunkLen) {
			return frames, ErrChunkTooShort
		}
		payload := packet[:hdr.ChunkLen]
		packet = packet[hdr.ChunkLen:]

		if frame, done := a.FeedChunk(hdr, payload); done {
			frames = append(frames, frame)
		}
	}
	return frames, nil
}
