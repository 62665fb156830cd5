package fragment

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
	"github.com/xssnick/raptorq"
)

// Algorithm selects the forward-error-correction scheme optionally applied
// to a group of fragmentation-codec output packets before they are handed
// to the SPP codec. This is the "FEC shielding" expansion in
// SPEC_FULL.md §2a: it sits one layer below the chunk format in §4.1/§6
// and is invisible to the assembler, which only ever sees whole,
// already-recovered chunk packets.
type Algorithm int

const (
	NoFEC Algorithm = iota
	XOR
	ReedSolomon
	RaptorQ
)

func (a Algorithm) String() string {
	switch a {
	case XOR:
		return "xor"
	case ReedSolomon:
		return "reed-solomon"
	case RaptorQ:
		return "raptorq"
	default:
		return "none"
	}
}

var ErrCannotRecover = errors.New("fragment: fec group unrecoverable")

// Shield protects a fixed-size group of packets with parity packets, and
// later recovers a group given whichever subset of data+parity packets
// arrived. nil entries in Recover's input mark erasures (packets that never
// arrived or failed SPP authentication).
type Shield interface {
	Algorithm() Algorithm
	GroupSize() int   // number of data packets per group
	ParitySize() int  // number of parity packets produced per group
	Protect(group [][]byte) (parity [][]byte, err error)
	Recover(received [][]byte) (group [][]byte, err error)
}

// NewShield builds a Shield for the given algorithm and group size. shardSize
// should be the largest packet size the caller will ever pass to Protect
// (typically the SPP codec's MTU). RaptorQ uses it as its symbol size,
// padding every packet up to it and rejecting larger ones; XOR and
// Reed-Solomon size their parity to the longest packet of each group.
func NewShield(alg Algorithm, dataShards int, shardSize int) (Shield, error) {
	switch alg {
	case NoFEC:
		return noopShield{}, nil
	case XOR:
		return &xorShield{dataShards: dataShards}, nil
	case ReedSolomon:
		parity := (dataShards + 1) / 2
		if parity < 1 {
			parity = 1
		}
		enc, err := reedsolomon.New(dataShards, parity, reedsolomon.WithAutoGoroutines(shardSize))
		if err != nil {
			return nil, fmt.Errorf("fragment: reed-solomon init: %w", err)
		}
		return &rsShield{enc: enc, dataShards: dataShards, parityShards: parity, shardSize: shardSize}, nil
	case RaptorQ:
		if shardSize <= 0 || shardSize > 0xffff {
			return nil, fmt.Errorf("fragment: raptorq symbol size %d out of range", shardSize)
		}
		return &raptorShield{
			rq:               raptorq.NewRaptorQ(uint16(shardSize)),
			numSourceSymbols: uint(dataShards),
			symbolSize:       uint16(shardSize),
		}, nil
	default:
		return nil, fmt.Errorf("fragment: unknown fec algorithm %d", alg)
	}
}

type noopShield struct{}

func (noopShield) Algorithm() Algorithm                          { return NoFEC }
func (noopShield) GroupSize() int                                { return 1 }
func (noopShield) ParitySize() int                                { return 0 }
func (noopShield) Protect(group [][]byte) ([][]byte, error)      { return nil, nil }
func (noopShield) Recover(received [][]byte) ([][]byte, error)   { return received, nil }

// xorShield is the cheapest option: a single parity packet is the XOR of
// every data packet in the group, recovering exactly one erasure.
type xorShield struct {
	dataShards int
}

func (x *xorShield) Algorithm() Algorithm { return XOR }
func (x *xorShield) GroupSize() int       { return x.dataShards }
func (x *xorShield) ParitySize() int      { return 1 }

func (x *xorShield) Protect(group [][]byte) ([][]byte, error) {
	if len(group) != x.dataShards {
		return nil, fmt.Errorf("fragment: xor shield expected %d packets, got %d", x.dataShards, len(group))
	}
	maxLen := 0
	for _, p := range group {
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}
	parity := make([]byte, maxLen)
	for _, p := range group {
		for i, b := range p {
			parity[i] ^= b
		}
	}
	return [][]byte{parity}, nil
}

func (x *xorShield) Recover(received [][]byte) ([][]byte, error) {
	if len(received) != x.dataShards+1 {
		return nil, fmt.Errorf("fragment: xor shield expected %d packets, got %d", x.dataShards+1, len(received))
	}
	data := received[:x.dataShards]
	parity := received[x.dataShards]

	missing := -1
	for i, p := range data {
		if p == nil {
			if missing != -1 {
				return nil, ErrCannotRecover // xor can only recover one erasure
			}
			missing = i
		}
	}
	if missing == -1 {
		return data, nil
	}
	if parity == nil {
		return nil, ErrCannotRecover
	}
	maxLen := len(parity)
	recovered := make([]byte, maxLen)
	copy(recovered, parity)
	for i, p := range data {
		if i == missing {
			continue
		}
		for j, b := range p {
			recovered[j] ^= b
		}
	}
	out := make([][]byte, x.dataShards)
	copy(out, data)
	out[missing] = recovered
	return out, nil
}

// rsShield adapts github.com/klauspost/reedsolomon for groups tolerating
// more than one erasure.
type rsShield struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
	shardSize    int
}

func (r *rsShield) Algorithm() Algorithm { return ReedSolomon }
func (r *rsShield) GroupSize() int       { return r.dataShards }
func (r *rsShield) ParitySize() int      { return r.parityShards }

func (r *rsShield) padded(group [][]byte) ([][]byte, int) {
	maxLen := 0
	for _, p := range group {
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}
	shards := make([][]byte, r.dataShards+r.parityShards)
	for i, p := range group {
		s := make([]byte, maxLen)
		copy(s, p)
		shards[i] = s
	}
	for i := r.dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, maxLen)
	}
	return shards, maxLen
}

func (r *rsShield) Protect(group [][]byte) ([][]byte, error) {
	if len(group) != r.dataShards {
		return nil, fmt.Errorf("fragment: rs shield expected %d packets, got %d", r.dataShards, len(group))
	}
	shards, _ := r.padded(group)
	if err := r.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fragment: reed-solomon encode: %w", err)
	}
	return shards[r.dataShards:], nil
}

func (r *rsShield) Recover(received [][]byte) ([][]byte, error) {
	if len(received) != r.dataShards+r.parityShards {
		return nil, fmt.Errorf("fragment: rs shield expected %d packets, got %d", r.dataShards+r.parityShards, len(received))
	}
	missing := 0
	for _, p := range received {
		if p == nil {
			missing++
		}
	}
	if missing == 0 {
		return received[:r.dataShards], nil
	}
	if missing > r.parityShards {
		return nil, ErrCannotRecover
	}
	shards := append([][]byte(nil), received...)
	if err := r.enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotRecover, err)
	}
	return shards[:r.dataShards], nil
}

// raptorShield adapts github.com/xssnick/raptorq, a fountain code: any
// numSourceSymbols distinct symbols (source or repair) suffice to recover
// the group, which tolerates loss patterns reed-solomon's fixed parity
// count cannot.
type raptorShield struct {
	rq               raptorq.RaptorQ
	numSourceSymbols uint
	symbolSize       uint16
}

func (r *raptorShield) Algorithm() Algorithm { return RaptorQ }
func (r *raptorShield) GroupSize() int       { return int(r.numSourceSymbols) }
func (r *raptorShield) ParitySize() int      { return int(r.numSourceSymbols) }

func (r *raptorShield) Protect(group [][]byte) ([][]byte, error) {
	if len(group) != int(r.numSourceSymbols) {
		return nil, fmt.Errorf("fragment: raptorq shield expected %d packets, got %d", r.numSourceSymbols, len(group))
	}
	payload := make([]byte, 0, int(r.numSourceSymbols)*int(r.symbolSize))
	for i, p := range group {
		if len(p) > int(r.symbolSize) {
			return nil, fmt.Errorf("fragment: raptorq source packet %d exceeds symbol size", i)
		}
		padded := make([]byte, r.symbolSize)
		copy(padded, p)
		payload = append(payload, padded...)
	}
	enc, err := r.rq.CreateEncoder(payload)
	if err != nil {
		return nil, fmt.Errorf("fragment: raptorq encoder: %w", err)
	}
	repair := make([][]byte, r.numSourceSymbols)
	for i := uint32(0); i < uint32(r.numSourceSymbols); i++ {
		repair[i] = enc.GenSymbol(uint32(r.numSourceSymbols) + i)
	}
	return repair, nil
}

func (r *raptorShield) Recover(received [][]byte) ([][]byte, error) {
	if len(received) != 2*int(r.numSourceSymbols) {
		return nil, fmt.Errorf("fragment: raptorq shield expected %d packets, got %d", 2*r.numSourceSymbols, len(received))
	}
	data := received[:r.numSourceSymbols]
	missing := false
	for _, p := range data {
		if p == nil {
			missing = true
			break
		}
	}
	if !missing {
		return data, nil
	}

	payloadLen := uint64(r.numSourceSymbols) * uint64(r.symbolSize)
	dec, err := r.rq.CreateDecoder(payloadLen)
	if err != nil {
		return nil, fmt.Errorf("fragment: raptorq decoder: %w", err)
	}
	for id, symbol := range received {
		if symbol == nil {
			continue
		}
		canTry, err := dec.AddSymbol(uint32(id), symbol)
		if err != nil {
			continue
		}
		if canTry {
			ok, result, err := dec.Decode()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCannotRecover, err)
			}
			if ok {
				out := make([][]byte, r.numSourceSymbols)
				for j := range out {
					start := j * int(r.symbolSize)
					out[j] = result[start : start+int(r.symbolSize)]
				}
				return out, nil
			}
		}
	}
	return nil, ErrCannotRecover
}
