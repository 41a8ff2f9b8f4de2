// Package types defines the core data model shared by every component of
// the baseline aggregation service: signed evidence records, statistical
// summaries, consensus votes and decisions, and the small cryptographic
// wrappers (Hash, Signature, PublicKey) they are built from.
//
// Everything in this package is a value type and immutable by convention.
// Records, votes and summaries are deep-copied at package boundaries so a
// caller can never corrupt state another component already holds.
//
// # Canonical encoding
//
// Signatures and content hashes are computed over a canonical binary
// encoding (see codec.go): fixed-width big-endian integers, IEEE-754 bit
// patterns for floats, and length-prefixed strings and slices. The
// encoding has no map types and no floating point formatting, so two
// processes always derive identical sign-bytes for identical values. A
// domain string (the deployment's protocol identifier) is prepended to
// all sign-bytes, preventing cross-deployment signature replay.
//
// # Identity and keys
//
// Contributing nodes and validators are identified by stable string IDs.
// Public keys are ed25519; content hashes are SHA-256. The extension
// point for other schemes is the Signer/verification seam: nothing
// outside this package inspects key material directly.
package types
