package spp

import (
	"crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"tapmesh/replay"
)

type recvSeed struct {
	seed    Seed
	ks      *otpKeystream
	replay  replay.ReplayFilter
	armed   bool // true once the first packet under this seed has arrived
}

// Decoder turns wire packets back into plaintext for one peer link. It
// holds up to two overlapping OTP receive seeds, per spec: a pending seed
// installed by an incoming SEED message becomes active (and is confirmed
// back to the sender) once its first packet arrives, while the previously
// active seed keeps validating in-flight traffic until it is retired.
type Decoder struct {
	params Params

	encKey  []byte
	hmacKey []byte

	seeds      map[uint16]*recvSeed
	onConfirm  func(seedID uint16)
}

func NewDecoder(params Params, encKey, hmacKey []byte, onConfirm func(seedID uint16)) *Decoder {
	return &Decoder{
		params:    params,
		encKey:    encKey,
		hmacKey:   hmacKey,
		seeds:     make(map[uint16]*recvSeed),
		onConfirm: onConfirm,
	}
}

// AddSeed installs a pending receive seed from an incoming SEED message. Up
// to two seeds are kept at once; a third install retires the oldest other
// than the currently armed one.
func (d *Decoder) AddSeed(seed Seed) error {
	if !d.params.HaveOTP() {
		return fmt.Errorf("spp: otp disabled, cannot add receive seed")
	}
	ks, err := newOTPKeystream(d.params.OTPCipher, seed)
	if err != nil {
		return err
	}
	if len(d.seeds) >= 2 {
		for id, s := range d.seeds {
			if !s.armed {
				delete(d.seeds, id)
				break
			}
		}
	}
	rs := &recvSeed{seed: seed, ks: ks}
	rs.replay.Init()
	d.seeds[seed.ID] = rs
	return nil
}

// Decode validates and decrypts one wire packet, returning ErrRejected for
// any transient fault (bad HMAC, unknown/replayed OTP index, bad padding) —
// callers must treat that as a silent drop, never a link error.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	if d.params.HaveHash() {
		hsize := d.params.Hash.Size()
		if len(packet) < hsize {
			return nil, ErrRejected
		}
		got := packet[:hsize]
		rest := packet[hsize:]
		mac := d.params.Hash.new(d.hmacKey)
		mac.Write(rest)
		if !hmac.Equal(got, mac.Sum(nil)) {
			return nil, ErrRejected
		}
		packet = rest
	}

	if d.params.HaveOTP() {
		if len(packet) < 4 {
			return nil, ErrRejected
		}
		seedID := binary.LittleEndian.Uint16(packet[0:2])
		index := binary.LittleEndian.Uint16(packet[2:4])
		packet = packet[4:]

		rs, ok := d.seeds[seedID]
		if !ok {
			return nil, ErrRejected
		}
		if !rs.replay.ValidateCounter(uint64(index), uint64(d.params.OTPNum)) {
			return nil, ErrRejected
		}

		wasArmed := rs.armed
		rs.armed = true
		// Copy so decryption below doesn't mutate the caller's buffer
		// beyond the OTP-masked region before replay validation above has
		// already committed the index as used.
		masked := append([]byte(nil), packet...)
		rs.ks.xor(index, masked)
		packet = masked

		if !wasArmed && d.onConfirm != nil {
			d.onConfirm(seedID)
		}
	}

	if d.params.HaveEncryption() {
		block, err := d.params.Cipher.newBlock(d.encKey)
		if err != nil {
			return nil, err
		}
		bs := block.BlockSize()
		if len(packet) < bs || len(packet)%bs != 0 {
			return nil, ErrRejected
		}
		iv := packet[:bs]
		ciphertext := append([]byte(nil), packet[bs:]...)
		if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
			return nil, ErrRejected
		}
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(ciphertext, ciphertext)
		packet = ciphertext
	}

	return unframePayload(packet)
}
