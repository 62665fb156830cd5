package spp

import (
	"bytes"
	"testing"
)

func testSeed(id uint16, keyLen, ivLen int) Seed {
	key := make([]byte, keyLen)
	iv := make([]byte, ivLen)
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range iv {
		iv[i] = byte(i + 11)
	}
	return Seed{ID: id, Key: key, IV: iv}
}

func TestRoundTripNoFeatures(t *testing.T) {
	params := Params{}
	enc := NewEncoder(params, nil, nil, nil)
	dec := NewDecoder(params, nil, nil, nil)

	plaintext := []byte("hello peer")
	wire, err := enc.Encode(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got, err := dec.Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestRoundTripEncryptionAndHash(t *testing.T) {
	params := Params{Cipher: CipherAES, Hash: HashSHA1}
	key := make([]byte, params.Cipher.KeySize())
	hmacKey := []byte("hmac-secret")

	enc := NewEncoder(params, key, hmacKey, nil)
	dec := NewDecoder(params, key, hmacKey, nil)

	plaintext := bytes.Repeat([]byte("x"), 200)
	wire, err := enc.Encode(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got, err := dec.Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %d bytes, want %d", len(got), len(plaintext))
	}
}

func TestTamperedHashRejected(t *testing.T) {
	params := Params{Hash: HashMD5}
	hmacKey := []byte("key")
	enc := NewEncoder(params, nil, hmacKey, nil)
	dec := NewDecoder(params, nil, hmacKey, nil)

	wire, err := enc.Encode([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	wire[len(wire)-1] ^= 0xff

	if _, err := dec.Decode(wire); err != ErrRejected {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestOTPRoundTrip(t *testing.T) {
	params := Params{OTPCipher: CipherAES, OTPNum: 1024, OTPNumWarn: 64}
	seed := testSeed(7, params.OTPCipher.KeySize(), params.OTPCipher.BlockSize())

	enc := NewEncoder(params, nil, nil, nil)
	if err := enc.SetSendSeed(seed); err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(params, nil, nil, nil)
	if err := dec.AddSeed(seed); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		plaintext := []byte{byte(i), byte(i * 2), byte(i * 3)}
		wire, err := enc.Encode(plaintext)
		if err != nil {
			t.Fatal(err)
		}
		got, err := dec.Decode(wire)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("packet %d: got %v, want %v", i, got, plaintext)
		}
	}
}

func TestOTPReplayRejected(t *testing.T) {
	params := Params{OTPCipher: CipherBlowfish, OTPNum: 64, OTPNumWarn: 8}
	seed := testSeed(3, params.OTPCipher.KeySize(), params.OTPCipher.BlockSize())

	enc := NewEncoder(params, nil, nil, nil)
	if err := enc.SetSendSeed(seed); err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(params, nil, nil, nil)
	if err := dec.AddSeed(seed); err != nil {
		t.Fatal(err)
	}

	wire, err := enc.Encode([]byte("once"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Decode(append([]byte(nil), wire...)); err != nil {
		t.Fatalf("first decode: %v", err)
	}
	if _, err := dec.Decode(wire); err != ErrRejected {
		t.Fatalf("expected ErrRejected on replay, got %v", err)
	}
}

func TestOTPWarningFires(t *testing.T) {
	params := Params{OTPCipher: CipherAES, OTPNum: 4, OTPNumWarn: 2}
	seed := testSeed(1, params.OTPCipher.KeySize(), params.OTPCipher.BlockSize())

	var warnings []SeedWarning
	enc := NewEncoder(params, nil, nil, func(w SeedWarning) { warnings = append(warnings, w) })
	if err := enc.SetSendSeed(seed); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := enc.Encode([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one warning by the 3rd of 4 sends, got %d", len(warnings))
	}
	if warnings[0].SeedID != seed.ID {
		t.Fatalf("warning for wrong seed: %d", warnings[0].SeedID)
	}
}

func TestOTPExhaustionFailsSend(t *testing.T) {
	params := Params{OTPCipher: CipherAES, OTPNum: 2, OTPNumWarn: 1}
	seed := testSeed(9, params.OTPCipher.KeySize(), params.OTPCipher.BlockSize())

	enc := NewEncoder(params, nil, nil, nil)
	if err := enc.SetSendSeed(seed); err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encode([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encode([]byte("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encode([]byte("c")); err != errSeedExhausted {
		t.Fatalf("expected seed exhaustion error, got %v", err)
	}
}

func TestSeedRotationConfirmCallback(t *testing.T) {
	params := Params{OTPCipher: CipherAES, OTPNum: 1024, OTPNumWarn: 64}
	oldSeed := testSeed(1, params.OTPCipher.KeySize(), params.OTPCipher.BlockSize())
	newSeed := testSeed(2, params.OTPCipher.KeySize(), params.OTPCipher.BlockSize())

	var confirmed []uint16
	dec := NewDecoder(params, nil, nil, func(id uint16) { confirmed = append(confirmed, id) })
	if err := dec.AddSeed(oldSeed); err != nil {
		t.Fatal(err)
	}

	enc := NewEncoder(params, nil, nil, nil)
	if err := enc.SetSendSeed(oldSeed); err != nil {
		t.Fatal(err)
	}
	wire, err := enc.Encode([]byte("under old seed"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Decode(wire); err != nil {
		t.Fatal(err)
	}
	if len(confirmed) != 1 || confirmed[0] != oldSeed.ID {
		t.Fatalf("expected confirm for seed %d on first packet, got %v", oldSeed.ID, confirmed)
	}

	// A second SEED (rotation) becomes active on its own first packet.
	if err := dec.AddSeed(newSeed); err != nil {
		t.Fatal(err)
	}
	enc2 := NewEncoder(params, nil, nil, nil)
	if err := enc2.SetSendSeed(newSeed); err != nil {
		t.Fatal(err)
	}
	wire2, err := enc2.Encode([]byte("under new seed"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Decode(wire2); err != nil {
		t.Fatal(err)
	}
	if len(confirmed) != 2 || confirmed[1] != newSeed.ID {
		t.Fatalf("expected confirm for seed %d on rotation, got %v", newSeed.ID, confirmed)
	}
}
