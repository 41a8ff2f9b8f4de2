package types

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestNewHashLength(t *testing.T) {
	if _, err := NewHash(make([]byte, 16)); err == nil {
		t.Error("expected error for short hash")
	}
	h, err := NewHash(make([]byte, HashSize))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.IsZero() {
		t.Error("zero bytes should produce zero hash")
	}
}

func TestHashBytesDeterministic(t *testing.T) {
	a := HashBytes([]byte("payload"))
	b := HashBytes([]byte("payload"))
	if !a.Equal(b) {
		t.Error("same input must hash identically")
	}
	c := HashBytes([]byte("payloae"))
	if a.Equal(c) {
		t.Error("different input must hash differently")
	}
}

func TestParseHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("x"))
	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(h) {
		t.Error("round trip mismatch")
	}
}

func TestNewSignatureCopies(t *testing.T) {
	raw := make([]byte, SignatureSize)
	raw[0] = 0xAA
	sig, err := NewSignature(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw[0] = 0xBB
	if sig[0] != 0xAA {
		t.Error("signature must not share backing array with input")
	}
}

func TestPublicKeyVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pk, err := NewPublicKey(pub)
	if err != nil {
		t.Fatalf("new public key: %v", err)
	}

	msg := []byte("hello")
	sig := Signature(ed25519.Sign(priv, msg))
	if !pk.Verify(msg, sig) {
		t.Error("valid signature rejected")
	}
	if pk.Verify([]byte("hellp"), sig) {
		t.Error("signature over different message accepted")
	}

	var empty PublicKey
	if empty.Verify(msg, sig) {
		t.Error("empty key must never verify")
	}
}

func TestPublicKeyEqual(t *testing.T) {
	a := PublicKey(bytes.Repeat([]byte{1}, PublicKeySize))
	b := PublicKey(bytes.Repeat([]byte{1}, PublicKeySize))
	c := PublicKey(bytes.Repeat([]byte{2}, PublicKeySize))
	if !a.Equal(b) || a.Equal(c) {
		t.Error("public key equality broken")
	}
}
