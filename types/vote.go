package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidVote      = errors.New("invalid vote")
	ErrVoteUnsigned     = errors.New("vote has no signature")
	ErrBadVoteSignature = errors.New("invalid vote signature")
	ErrMissingNonce     = errors.New("vote has empty nonce")
	ErrMissingValidator = errors.New("vote has empty validator id")
)

// ConsensusVote is one validator's signed verdict on a proposed pooled
// summary for a (level, scope, epoch) round. Scope names the tree node
// under vote, a group or region name, or "global" at the root, so
// sibling rounds at the same level never share votes. Votes are
// causally ordered by the validator's signed Sequence counter, never by
// wall-clock time, so network reordering cannot change a round's
// outcome.
type ConsensusVote struct {
	Level       Level
	Scope       string
	Epoch       uint64
	ProposalID  string
	SummaryHash Hash
	ValidatorID string
	Sequence    uint64 // validator-local logical clock
	Nonce       string // unique per vote; reuse is a dishonesty event
	Accept      bool
	Timestamp   int64 // informational only
	Signature   Signature
}

// ValidateBasic checks structural invariants that require no key material.
func (v *ConsensusVote) ValidateBasic() error {
	if v.ValidatorID == "" {
		return ErrMissingValidator
	}
	if v.Nonce == "" {
		return ErrMissingNonce
	}
	if v.Scope == "" {
		return fmt.Errorf("%w: empty scope", ErrInvalidVote)
	}
	if v.ProposalID == "" {
		return fmt.Errorf("%w: empty proposal id", ErrInvalidVote)
	}
	if v.SummaryHash.IsZero() {
		return fmt.Errorf("%w: zero summary hash", ErrInvalidVote)
	}
	return nil
}

// Copy returns a deep copy of the vote.
func (v *ConsensusVote) Copy() *ConsensusVote {
	out := *v
	out.Signature = v.Signature.Copy()
	return &out
}

// SignVote signs the vote in place with the validator's private key.
func SignVote(domain string, v *ConsensusVote, priv ed25519.PrivateKey) {
	v.Signature = ed25519.Sign(priv, VoteSignBytes(domain, v))
}

// VerifyVoteSignature verifies the vote's signature against the claimed
// validator's public key. Unsigned votes are never accepted.
func VerifyVoteSignature(domain string, v *ConsensusVote, pub PublicKey) error {
	if v.Signature.IsEmpty() {
		return ErrVoteUnsigned
	}
	if !pub.Verify(VoteSignBytes(domain, v), v.Signature) {
		return ErrBadVoteSignature
	}
	return nil
}

// DecisionState is the lifecycle state of a consensus round.
type DecisionState uint8

const (
	DecisionProposed DecisionState = iota
	DecisionAccepted
	DecisionRejectedInsufficientConsensus
	DecisionRejectedPoisoningSuspected
)

// String returns the state name.
func (d DecisionState) String() string {
	switch d {
	case DecisionProposed:
		return "PROPOSED"
	case DecisionAccepted:
		return "ACCEPTED"
	case DecisionRejectedInsufficientConsensus:
		return "REJECTED_INSUFFICIENT_CONSENSUS"
	case DecisionRejectedPoisoningSuspected:
		return "REJECTED_POISONING_SUSPECTED"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}

// ParseDecisionState parses a state name produced by String.
func ParseDecisionState(s string) (DecisionState, error) {
	switch s {
	case "PROPOSED":
		return DecisionProposed, nil
	case "ACCEPTED":
		return DecisionAccepted, nil
	case "REJECTED_INSUFFICIENT_CONSENSUS":
		return DecisionRejectedInsufficientConsensus, nil
	case "REJECTED_POISONING_SUSPECTED":
		return DecisionRejectedPoisoningSuspected, nil
	default:
		return DecisionProposed, fmt.Errorf("unknown decision state %q", s)
	}
}

// Terminal reports whether the state is final.
func (d DecisionState) Terminal() bool {
	return d != DecisionProposed
}

// ConsensusDecision is the outcome of one consensus round: the proposed
// summary, the recorded votes and the terminal state. Accepted decisions
// also carry the audit root their aggregation step was chained under.
type ConsensusDecision struct {
	Level          Level
	Scope          string
	Epoch          uint64
	ProposalID     string
	State          DecisionState
	Summary        StatSummary
	AcceptFraction float64 // trust-weighted accept fraction at decision time
	Threshold      float64 // threshold in force when the round was decided
	AuditRoot      Hash
	Votes          []ConsensusVote // sorted by validator id
}
