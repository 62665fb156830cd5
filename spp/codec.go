package spp

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrRejected is returned by Decode for any transient packet fault:
	// failed decrypt, HMAC mismatch, or OTP replay/unknown-seed. Per the
	// codec's contract this is never a link error — callers drop the
	// packet and continue.
	ErrRejected = errors.New("spp: packet rejected")

	errSeedExhausted = errors.New("spp: send seed exhausted")
)

// SeedWarning is delivered once a send seed crosses its warning threshold,
// so the owning peer session can begin SEED/CONFIRMSEED rotation before the
// seed is exhausted.
type SeedWarning struct {
	SeedID uint16
}

// Encoder turns plaintext datagrams into wire packets for one peer link. It
// is not safe for concurrent use; tapmesh gives each DataProtoFlow its own
// Encoder bound to the flow's own OTP send state.
type Encoder struct {
	params Params

	encKey []byte // CBC encryption key, if params.HaveEncryption()
	hmacKey []byte // HMAC key, if params.HaveHash()

	sendSeed  *Seed
	sendKS    *otpKeystream
	nextIndex uint16
	warned    bool
	onWarn    func(SeedWarning)
}

// NewEncoder builds an Encoder. encKey and hmacKey are ignored when the
// corresponding feature is disabled in params.
func NewEncoder(params Params, encKey, hmacKey []byte, onWarn func(SeedWarning)) *Encoder {
	return &Encoder{params: params, encKey: encKey, hmacKey: hmacKey, onWarn: onWarn}
}

// SetSendSeed installs the active OTP send seed, resetting the index
// counter to 0. Called once after bind/connect and again whenever a
// CONFIRMSEED arrives for a pending rotation.
func (e *Encoder) SetSendSeed(seed Seed) error {
	if !e.params.HaveOTP() {
		return fmt.Errorf("spp: otp disabled, cannot set send seed")
	}
	ks, err := newOTPKeystream(e.params.OTPCipher, seed)
	if err != nil {
		return err
	}
	s := seed
	e.sendSeed = &s
	e.sendKS = ks
	e.nextIndex = 0
	e.warned = false
	return nil
}

// Encode produces one wire packet for plaintext, which must not exceed the
// codec's MTU budget (the caller, typically a Disassembler consumer, is
// responsible for keeping plaintext within SPP MTU).
func (e *Encoder) Encode(plaintext []byte) ([]byte, error) {
	payload := framePayload(plaintext, e.blockSize())

	if e.params.HaveEncryption() {
		block, err := e.params.Cipher.newBlock(e.encKey)
		if err != nil {
			return nil, err
		}
		iv := make([]byte, block.BlockSize())
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(payload, payload)
		payload = append(iv, payload...)
	}

	if e.params.HaveOTP() {
		if e.sendSeed == nil {
			return nil, fmt.Errorf("spp: no send seed installed")
		}
		if e.nextIndex >= e.params.OTPNum {
			return nil, errSeedExhausted
		}
		index := e.nextIndex
		e.nextIndex++

		e.sendKS.xor(index, payload)

		otpPrefix := make([]byte, 4)
		binary.LittleEndian.PutUint16(otpPrefix[0:2], e.sendSeed.ID)
		binary.LittleEndian.PutUint16(otpPrefix[2:4], index)
		payload = append(otpPrefix, payload...)

		if !e.warned && e.params.OTPNum-e.nextIndex <= e.params.OTPNumWarn {
			e.warned = true
			if e.onWarn != nil {
				e.onWarn(SeedWarning{SeedID: e.sendSeed.ID})
			}
		}
	}

	if e.params.HaveHash() {
		placeholder := make([]byte, e.params.Hash.Size())
		buf := append(placeholder, payload...)
		mac := e.params.Hash.new(e.hmacKey)
		mac.Write(buf[e.params.Hash.Size():])
		copy(buf, mac.Sum(nil))
		return buf, nil
	}

	return payload, nil
}

func (e *Encoder) blockSize() int {
	if e.params.HaveEncryption() {
		return e.params.Cipher.BlockSize()
	}
	return 1
}

// framePayload builds {data_len:u16 LE, data, pkcs7-pad}, padding to
// blockSize when CBC encryption is enabled (blockSize 1 disables padding).
func framePayload(data []byte, blockSize int) []byte {
	framed := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(framed[0:2], uint16(len(data)))
	copy(framed[2:], data)

	if blockSize <= 1 {
		return framed
	}
	padLen := blockSize - len(framed)%blockSize
	pad := make([]byte, padLen)
	for i := range pad {
		pad[i] = byte(padLen)
	}
	return append(framed, pad...)
}

func unframePayload(framed []byte) ([]byte, error) {
	if len(framed) < 2 {
		return nil, ErrRejected
	}
	dataLen := binary.LittleEndian.Uint16(framed[0:2])
	if int(dataLen) > len(framed)-2 {
		return nil, ErrRejected
	}
	return framed[2 : 2+dataLen], nil
}
