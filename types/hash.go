package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the size of a content hash in bytes.
const HashSize = sha256.Size

// SignatureSize is the size of an ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// PublicKeySize is the size of an ed25519 public key in bytes.
const PublicKeySize = ed25519.PublicKeySize

// Hash is a SHA-256 content hash.
type Hash [HashSize]byte

// NewHash creates a Hash from bytes, returning an error if the length is
// wrong. Use for untrusted input (network, files).
func NewHash(data []byte) (Hash, error) {
	if len(data) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	var h Hash
	copy(h[:], data)
	return h, nil
}

// HashBytes computes the SHA-256 hash of data.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// IsZero reports whether the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Equal reports whether two hashes are identical.
func (h Hash) Equal(o Hash) bool {
	return h == o
}

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes the hash as hex for JSON and text formats.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex-encoded hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex-encoded hash.
func ParseHash(s string) (Hash, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash encoding: %w", err)
	}
	return NewHash(data)
}

// Signature is an ed25519 signature.
type Signature []byte

// NewSignature creates a Signature from bytes, returning an error if the
// length is wrong. The input is copied so the caller cannot mutate it.
func NewSignature(data []byte) (Signature, error) {
	if len(data) != SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(data))
	}
	sig := make(Signature, SignatureSize)
	copy(sig, data)
	return sig, nil
}

// IsEmpty reports whether the signature is absent.
func (s Signature) IsEmpty() bool {
	return len(s) == 0
}

// Copy returns a deep copy of the signature.
func (s Signature) Copy() Signature {
	if s == nil {
		return nil
	}
	out := make(Signature, len(s))
	copy(out, s)
	return out
}

// PublicKey is an ed25519 public key.
type PublicKey []byte

// NewPublicKey creates a PublicKey from bytes, returning an error if the
// length is wrong. The input is copied so the caller cannot mutate it.
func NewPublicKey(data []byte) (PublicKey, error) {
	if len(data) != PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	pk := make(PublicKey, PublicKeySize)
	copy(pk, data)
	return pk, nil
}

// ParsePublicKey decodes a hex-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	return NewPublicKey(data)
}

// Verify reports whether sig is a valid signature of msg under this key.
func (p PublicKey) Verify(msg []byte, sig Signature) bool {
	if len(p) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(p), msg, sig)
}

// Equal reports whether two public keys are identical.
func (p PublicKey) Equal(o PublicKey) bool {
	return bytes.Equal(p, o)
}

// String returns the hex encoding of the key.
func (p PublicKey) String() string {
	return hex.EncodeToString(p)
}
