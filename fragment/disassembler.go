package fragment

import "fmt"

// Disassembler splits Ethernet frames into chunks packed into output
// packets no larger than OutputMTU, each chunk no larger than ChunkMTU.
// It is not safe for concurrent use; tapmesh gives every DataProtoFlow its
// own Disassembler.
type Disassembler struct {
	inputMTU  int
	outputMTU int
	chunkMTU  int
	nextID    uint16
}

// NewDisassembler validates the MTU triangle described in spec.md §4.1.
func NewDisassembler(inputMTU, outputMTU, chunkMTU int) (*Disassembler, error) {
	if inputMTU < 0 || inputMTU > 0xffff {
		return nil, fmt.Errorf("fragment: input MTU %d out of range", inputMTU)
	}
	if outputMTU <= HeaderSize {
		return nil, fmt.Errorf("fragment: output MTU %d must exceed header size %d", outputMTU, HeaderSize)
	}
	if chunkMTU <= HeaderSize {
		chunkMTU = outputMTU
	}
	return &Disassembler{inputMTU: inputMTU, outputMTU: outputMTU, chunkMTU: chunkMTU}, nil
}

// Disassemble packs one input frame into one or more output packets.
// tapmesh always flushes a frame's chunks immediately rather than holding
// the tail chunk open for coalescing with the next frame: spec.md §4.1
// allows either, and immediate delivery keeps packet boundaries simple to
// reason about and to test for round-trip fidelity.
func (d *Disassembler) Disassemble(frame []byte) ([][]byte, error) {
	if len(frame) > d.inputMTU {
		return nil, ErrFrameTooLarge
	}

	frameID := d.nextID
	d.nextID++

	if len(frame) == 0 {
		pkt := make([]byte, HeaderSize)
		Header{FrameID: frameID, ChunkStart: 0, ChunkLen: 0, IsLast: true}.encode(pkt)
		return [][]byte{pkt}, nil
	}

	var packets [][]byte
	var current []byte
	start := 0

	flush := func() {
		if len(current) > 0 {
			packets = append(packets, current)
			current = nil
		}
	}

	for start < len(frame) {
		if current == nil {
			current = make([]byte, 0, d.outputMTU)
		}
		room := d.outputMTU - len(current)
		if room <= HeaderSize {
			flush()
			continue
		}
		maxChunk := d.chunkMTU - HeaderSize
		payload := room - HeaderSize
		if payload > maxChunk {
			payload = maxChunk
		}
		if remaining := len(frame) - start; payload > remaining {
			payload = remaining
		}
		if payload <= 0 {
			// chunkMTU smaller than header leaves no room; flush and retry
			// with a fresh, empty packet so progress is always made.
			flush()
			continue
		}

		isLast := start+payload == len(frame)
		hdr := Header{FrameID: frameID, ChunkStart: uint16(start), ChunkLen: uint16(payload), IsLast: isLast}
		headerBuf := make([]byte, HeaderSize)
		hdr.encode(headerBuf)
		current = append(current, headerBuf...)
		current = append(current, frame[start:start+payload]...)

		start += payload
	}
	flush()

	return packets, nil
}
