package types

import (
	"crypto/ed25519"
	"errors"
)

// Errors
var (
	ErrMissingSource      = errors.New("record has empty source id")
	ErrMissingSignature   = errors.New("record has no signature")
	ErrBadRecordSignature = errors.New("invalid record signature")
)

// EvidenceRecord is an immutable, signed statistical summary submitted by
// one contributing node. Records are stored once verified and never
// mutated; a later record from the same source supersedes, but does not
// delete, earlier ones.
type EvidenceRecord struct {
	SourceID  string
	Summary   StatSummary
	Timestamp int64 // producer-assigned logical time
	Signature Signature
}

// ValidateBasic checks structural invariants that require no key material.
func (r *EvidenceRecord) ValidateBasic() error {
	if r.SourceID == "" {
		return ErrMissingSource
	}
	if r.Signature.IsEmpty() {
		return ErrMissingSignature
	}
	return r.Summary.Validate()
}

// ContentHash returns the hash of the record's signed content. The
// signature is excluded, so the hash is stable from the moment the
// producer assembles the record.
func (r *EvidenceRecord) ContentHash() Hash {
	return HashBytes(RecordSignBytes("", r))
}

// Copy returns a deep copy of the record.
func (r *EvidenceRecord) Copy() *EvidenceRecord {
	return &EvidenceRecord{
		SourceID:  r.SourceID,
		Summary:   r.Summary.Copy(),
		Timestamp: r.Timestamp,
		Signature: r.Signature.Copy(),
	}
}

// SignRecord signs the record in place with the producer's private key.
func SignRecord(domain string, r *EvidenceRecord, priv ed25519.PrivateKey) {
	r.Signature = ed25519.Sign(priv, RecordSignBytes(domain, r))
}

// VerifyRecordSignature verifies the record's signature against the
// claimed source's public key.
func VerifyRecordSignature(domain string, r *EvidenceRecord, pub PublicKey) error {
	if r.Signature.IsEmpty() {
		return ErrMissingSignature
	}
	if !pub.Verify(RecordSignBytes(domain, r), r.Signature) {
		return ErrBadRecordSignature
	}
	return nil
}
