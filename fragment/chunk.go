// Package fragment implements the fragmentation codec: splitting an
// outbound Ethernet frame into fixed-MTU chunks and reassembling chunks
// back into a frame on the receive side.
//
// The wire layout is grounded on BadVPN's FragmentProtoDisassembler: a
// chunk header of (frame id, chunk start, chunk len, is-last) followed by
// the chunk payload. Each chunk, header included, is at most chunk_mtu
// bytes; chunks are packed greedily into output packets of at most
// output_mtu bytes.
package fragment

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the wire size of a chunk header:
// frame_id(u16) | chunk_start(u16) | chunk_len(u16) | is_last(u8).
const HeaderSize = 2 + 2 + 2 + 1

var (
	ErrChunkTooShort = errors.New("fragment: chunk shorter than header")
	ErrFrameTooLarge = errors.New("fragment: input frame exceeds input MTU")
)

// Header is one chunk header, decoded from or destined for the wire.
type Header struct {
	FrameID    uint16
	ChunkStart uint16
	ChunkLen   uint16
	IsLast     bool
}

func (h Header) encode(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], h.FrameID)
	binary.LittleEndian.PutUint16(dst[2:4], h.ChunkStart)
	binary.LittleEndian.PutUint16(dst[4:6], h.ChunkLen)
	if h.IsLast {
		dst[6] = 1
	} else {
		dst[6] = 0
	}
}

func decodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, ErrChunkTooShort
	}
	return Header{
		FrameID:    binary.LittleEndian.Uint16(src[0:2]),
		ChunkStart: binary.LittleEndian.Uint16(src[2:4]),
		ChunkLen:   binary.LittleEndian.Uint16(src[4:6]),
		IsLast:     src[6] != 0,
	}, nil
}
