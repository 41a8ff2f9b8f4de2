package types

import (
	"encoding/binary"
	"math"
)

// Canonical binary encoding for sign-bytes and content hashing.
//
// Layout rules: integers are fixed-width big-endian, floats are their
// IEEE-754 bit pattern (big-endian), strings and slices carry a uint32
// length prefix. There are no maps and no optional fields, so the
// encoding of a value is unique.

func appendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

func appendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

func appendInt64(b []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(v))
}

func appendFloat64(b []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(b, math.Float64bits(v))
}

func appendString(b []byte, s string) []byte {
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func appendFloats(b []byte, vs []float64) []byte {
	b = appendUint32(b, uint32(len(vs)))
	for _, v := range vs {
		b = appendFloat64(b, v)
	}
	return b
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// AppendSummary appends the canonical encoding of a summary to b.
func AppendSummary(b []byte, s *StatSummary) []byte {
	b = appendFloats(b, s.Mean)
	b = appendFloats(b, s.Variance)
	b = appendInt64(b, s.SampleCount)
	return b
}

// SummaryBytes returns the canonical encoding of a summary.
func SummaryBytes(s *StatSummary) []byte {
	return AppendSummary(make([]byte, 0, 16+16*len(s.Mean)), s)
}

// RecordSignBytes returns the bytes a contributing node signs for an
// evidence record: the protocol domain followed by (source, summary,
// timestamp). The signature field itself is never part of the encoding.
func RecordSignBytes(domain string, r *EvidenceRecord) []byte {
	b := make([]byte, 0, 64+16*len(r.Summary.Mean))
	b = appendString(b, domain)
	b = appendString(b, r.SourceID)
	b = AppendSummary(b, &r.Summary)
	b = appendInt64(b, r.Timestamp)
	return b
}

// VoteSignBytes returns the bytes a validator signs for a consensus vote.
// Every field except the signature participates, so a replayed or altered
// vote (different epoch, nonce, or verdict) never verifies.
func VoteSignBytes(domain string, v *ConsensusVote) []byte {
	b := make([]byte, 0, 128)
	b = appendString(b, domain)
	b = append(b, byte(v.Level))
	b = appendString(b, v.Scope)
	b = appendUint64(b, v.Epoch)
	b = appendString(b, v.ProposalID)
	b = append(b, v.SummaryHash[:]...)
	b = appendString(b, v.ValidatorID)
	b = appendUint64(b, v.Sequence)
	b = appendString(b, v.Nonce)
	b = appendBool(b, v.Accept)
	b = appendInt64(b, v.Timestamp)
	return b
}
