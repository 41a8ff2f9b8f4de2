package consensus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/crestline-labs/baseline/types"
)

// Validator is one voting participant with its trust at round open.
// Trust is sampled once when the round starts so a mid-round reputation
// change cannot flip an outcome retroactively.
type Validator struct {
	ID    string
	Trust float64
}

// VoteSet tracks the signed votes of a single (level, scope, epoch,
// proposal) round. Validators below the minimum trust stay in the set
// and their votes are recorded, but they carry zero tally weight; the
// electorate denominator counts only eligible validators.
type VoteSet struct {
	mu sync.RWMutex

	level       types.Level
	scope       string
	epoch       uint64
	proposalID  string
	summaryHash types.Hash
	minTrust    float64

	trust       map[string]float64 // all validators
	totalWeight float64            // sum of eligible trust

	votes  map[string]*types.ConsensusVote // by validator
	nonces map[string]string               // nonce -> validator

	acceptWeight float64
	rejectWeight float64
}

// NewVoteSet creates a vote set over a fixed validator set.
func NewVoteSet(level types.Level, scope string, epoch uint64, proposalID string, summaryHash types.Hash, validators []Validator, minTrust float64) *VoteSet {
	vs := &VoteSet{
		level:       level,
		scope:       scope,
		epoch:       epoch,
		proposalID:  proposalID,
		summaryHash: summaryHash,
		minTrust:    minTrust,
		trust:       make(map[string]float64, len(validators)),
		votes:       make(map[string]*types.ConsensusVote),
		nonces:      make(map[string]string),
	}
	for _, v := range validators {
		vs.trust[v.ID] = v.Trust
		if v.Trust >= minTrust {
			vs.totalWeight += v.Trust
		}
	}
	return vs
}

// AddVote records a vote. The vote must already be signature-verified.
// Returns true when the vote entered the set. Equivocation and nonce
// replay return typed errors so the caller can convert them into
// dishonesty events against the claimed voter.
func (vs *VoteSet) AddVote(vote *types.ConsensusVote) (bool, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	trust, known := vs.trust[vote.ValidatorID]
	if !known {
		return false, fmt.Errorf("%w: %s", ErrUnknownValidator, vote.ValidatorID)
	}
	if vote.Scope != vs.scope || vote.ProposalID != vs.proposalID || !vote.SummaryHash.Equal(vs.summaryHash) {
		return false, fmt.Errorf("%w: got proposal %s for %s", ErrWrongProposal, vote.ProposalID, vote.Scope)
	}

	// The validator's own prior vote is checked before the nonce ledger:
	// an honest retransmission of an identical vote is a duplicate, not a
	// replay, and must never read as a dishonesty event.
	if prev, voted := vs.votes[vote.ValidatorID]; voted {
		if prev.Accept == vote.Accept && prev.Nonce == vote.Nonce {
			return false, ErrDuplicateVote
		}
		return false, fmt.Errorf("%w: %s voted %v then %v", ErrConflictingVote, vote.ValidatorID, prev.Accept, vote.Accept)
	}

	if owner, used := vs.nonces[vote.Nonce]; used {
		return false, fmt.Errorf("%w: nonce %q first used by %s", ErrNonceReplayed, vote.Nonce, owner)
	}

	vs.votes[vote.ValidatorID] = vote.Copy()
	vs.nonces[vote.Nonce] = vote.ValidatorID

	if trust >= vs.minTrust {
		if vote.Accept {
			vs.acceptWeight += trust
		} else {
			vs.rejectWeight += trust
		}
	}
	return true, nil
}

// AcceptFraction returns the trust-weighted accept fraction over the
// eligible electorate.
func (vs *VoteSet) AcceptFraction() float64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.fraction(vs.acceptWeight)
}

// RejectFraction returns the trust-weighted reject fraction over the
// eligible electorate.
func (vs *VoteSet) RejectFraction() float64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.fraction(vs.rejectWeight)
}

func (vs *VoteSet) fraction(weight float64) float64 {
	if vs.totalWeight <= 0 {
		return 0
	}
	return weight / vs.totalWeight
}

// Complete reports whether every validator, eligible or not, has voted.
func (vs *VoteSet) Complete() bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.votes) == len(vs.trust)
}

// Undecidable reports whether no sequence of further votes can land the
// round in a supermajority outcome on either side. A tally where the
// accept side is dead but rejection can still reach the threshold keeps
// the round open, since a coordinated rejection is itself a terminal
// outcome the stragglers may still produce.
func (vs *VoteSet) Undecidable(threshold float64) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if vs.totalWeight <= 0 {
		return true
	}

	// Outstanding eligible weight is everything not yet cast.
	outstanding := vs.totalWeight - vs.acceptWeight - vs.rejectWeight
	acceptDead := (vs.acceptWeight+outstanding)/vs.totalWeight < threshold
	rejectDead := (vs.rejectWeight+outstanding)/vs.totalWeight < threshold
	return acceptDead && rejectDead
}

// Votes returns the recorded votes sorted by validator ID.
func (vs *VoteSet) Votes() []types.ConsensusVote {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	out := make([]types.ConsensusVote, 0, len(vs.votes))
	for _, v := range vs.votes {
		out = append(out, *v.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidatorID < out[j].ValidatorID })
	return out
}
