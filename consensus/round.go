package consensus

import (
	"time"

	"github.com/crestline-labs/baseline/types"
)

// Round is the state machine for one (level, scope, epoch) decision.
// It opens in PROPOSED with a policy fixed for its lifetime and
// finalizes into exactly one terminal state. Finalization is monotonic:
// once terminal, every later vote or timeout is rejected with
// ErrRoundFinalized.
type Round struct {
	level       types.Level
	scope       string
	epoch       uint64
	proposalID  string
	summary     types.StatSummary
	summaryHash types.Hash
	auditRoot   types.Hash
	policy      Policy
	voteSet     *VoteSet

	state    types.DecisionState
	decision *types.ConsensusDecision
	openedAt time.Time
}

// NewRound opens a round in PROPOSED.
func NewRound(level types.Level, scope string, epoch uint64, proposalID string, summary types.StatSummary, summaryHash, auditRoot types.Hash, validators []Validator, policy Policy, minTrust float64, now time.Time) *Round {
	return &Round{
		level:       level,
		scope:       scope,
		epoch:       epoch,
		proposalID:  proposalID,
		summary:     summary,
		summaryHash: summaryHash,
		auditRoot:   auditRoot,
		policy:      policy,
		voteSet:     NewVoteSet(level, scope, epoch, proposalID, summaryHash, validators, minTrust),
		state:       types.DecisionProposed,
		openedAt:    now,
	}
}

// State returns the round's current state.
func (r *Round) State() types.DecisionState { return r.state }

// Policy returns the policy the round was opened under.
func (r *Round) Policy() Policy { return r.policy }

// ProposalID returns the round's proposal identifier.
func (r *Round) ProposalID() string { return r.proposalID }

// AddVote records a verified vote and finalizes the round if the tally
// has become decisive. The returned state is the round's state after
// the vote.
func (r *Round) AddVote(vote *types.ConsensusVote) (types.DecisionState, error) {
	if r.state.Terminal() {
		return r.state, ErrRoundFinalized
	}

	if _, err := r.voteSet.AddVote(vote); err != nil {
		return r.state, err
	}
	r.maybeFinalize()
	return r.state, nil
}

// maybeFinalize applies the decision rule. Acceptance requires the
// weighted accept fraction to reach the threshold; a reject fraction
// that itself reaches the threshold is a coordinated-rejection signal
// and lands in POISONING_SUSPECTED; a tally where neither side can
// still reach the threshold closes as INSUFFICIENT_CONSENSUS without
// waiting for stragglers.
func (r *Round) maybeFinalize() {
	threshold := r.policy.Threshold()
	switch {
	case r.voteSet.AcceptFraction() >= threshold:
		r.finalize(types.DecisionAccepted)
	case r.voteSet.RejectFraction() >= threshold:
		r.finalize(types.DecisionRejectedPoisoningSuspected)
	case r.voteSet.Complete() || r.voteSet.Undecidable(threshold):
		r.finalize(types.DecisionRejectedInsufficientConsensus)
	}
}

// Timeout deterministically closes a still-open round.
func (r *Round) Timeout() types.DecisionState {
	if !r.state.Terminal() {
		r.finalize(types.DecisionRejectedInsufficientConsensus)
	}
	return r.state
}

func (r *Round) finalize(state types.DecisionState) {
	r.state = state
	r.decision = &types.ConsensusDecision{
		Level:          r.level,
		Scope:          r.scope,
		Epoch:          r.epoch,
		ProposalID:     r.proposalID,
		State:          state,
		Summary:        r.summary.Copy(),
		AcceptFraction: r.voteSet.AcceptFraction(),
		Threshold:      r.policy.Threshold(),
		AuditRoot:      r.auditRoot,
		Votes:          r.voteSet.Votes(),
	}
}

// Decision returns the terminal decision.
func (r *Round) Decision() (*types.ConsensusDecision, error) {
	if r.decision == nil {
		return nil, ErrNotFinalized
	}
	return r.decision, nil
}
