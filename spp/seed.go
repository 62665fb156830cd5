package spp

import (
	"crypto/cipher"
	"fmt"
)

// Seed is one OTP key/iv pair identified by a 16-bit id, as installed by a
// SEED signalling message or generated locally before the first send.
type Seed struct {
	ID  uint16
	Key []byte
	IV  []byte
}

// otpKeystream derives the keystream block for one OTP index from a seed.
// The seed's cipher is run in counter mode seeded by the seed's IV, offset
// by index block-multiples, so each index gets an independent, non-reused
// keystream block without needing per-index state beyond the index itself.
type otpKeystream struct {
	block     cipher.Block
	blockSize int
	iv        []byte
}

func newOTPKeystream(c Cipher, seed Seed) (*otpKeystream, error) {
	block, err := c.newBlock(seed.Key)
	if err != nil {
		return nil, fmt.Errorf("spp: otp seed %d: %w", seed.ID, err)
	}
	if len(seed.IV) != c.BlockSize() {
		return nil, fmt.Errorf("spp: otp seed %d: iv length %d, want %d", seed.ID, len(seed.IV), c.BlockSize())
	}
	return &otpKeystream{block: block, blockSize: c.BlockSize(), iv: seed.IV}, nil
}

// counterBlock builds the per-index CTR input: the seed IV with the index
// folded into its two high-order bytes. xor increments the counter from
// the low-order end for each further block of a payload, so the blocks of
// one index do not run into the counter values of the next index.
func (k *otpKeystream) counterBlock(index uint16) []byte {
	ctr := make([]byte, k.blockSize)
	copy(ctr, k.iv)
	ctr[0] ^= byte(index >> 8)
	ctr[1] ^= byte(index)
	return ctr
}

// xor applies this seed's keystream for the given index to data in place,
// extending the keystream block-by-block to cover data longer than one
// block (a minimal CTR construction, since OTP only ever needs to mask a
// single already-length-framed payload).
func (k *otpKeystream) xor(index uint16, data []byte) {
	counter := k.counterBlock(index)
	stream := make([]byte, k.blockSize)
	for offset := 0; offset < len(data); offset += k.blockSize {
		k.block.Encrypt(stream, counter)
		end := offset + k.blockSize
		if end > len(data) {
			end = len(data)
		}
		for i := offset; i < end; i++ {
			data[i] ^= stream[i-offset]
		}
		incrementCounter(counter)
	}
}

func incrementCounter(ctr []byte) {
	for i := len(ctr) - 1; i >= 0; i-- {
		ctr[i]++
		if ctr[i] != 0 {
			return
		}
	}
}
