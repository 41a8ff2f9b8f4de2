// Package consensus drives the supermajority voting protocol over
// proposed aggregates. Each (level, scope, epoch) runs one round:
// validators cast signed, trust-weighted votes and the round lands in
// exactly one terminal state, accepted, rejected for insufficient
// consensus, or rejected with poisoning suspected. Rounds never hang: a
// timeout is a deterministic rejection.
package consensus

import "errors"

// Errors
var (
	ErrRoundNotFound    = errors.New("no consensus round for that aggregate")
	ErrRoundFinalized   = errors.New("consensus round already finalized")
	ErrDuplicateVote    = errors.New("validator already voted in this round")
	ErrConflictingVote  = errors.New("validator equivocated with a conflicting vote")
	ErrNonceReplayed    = errors.New("vote nonce was already used")
	ErrWrongProposal    = errors.New("vote references a different proposal")
	ErrUnknownValidator = errors.New("vote from validator outside the round's set")
	ErrStaleSequence    = errors.New("vote sequence is behind the validator's last")
	ErrNotFinalized     = errors.New("consensus round still open")
)
