package consensus

import (
	"errors"
	"fmt"
	"testing"

	"github.com/crestline-labs/baseline/types"
)

var testHash = types.HashBytes([]byte("summary"))

func testVote(validator, nonce string, accept bool) *types.ConsensusVote {
	return &types.ConsensusVote{
		Level:       types.LevelGroup,
		Scope:       "group-00",
		Epoch:       1,
		ProposalID:  "prop-1",
		SummaryHash: testHash,
		ValidatorID: validator,
		Sequence:    1,
		Nonce:       nonce,
		Accept:      accept,
		Timestamp:   1,
		Signature:   make(types.Signature, types.SignatureSize),
	}
}

func equalTrustSet(n int) []Validator {
	vals := make([]Validator, n)
	for i := range vals {
		vals[i] = Validator{ID: fmt.Sprintf("val-%d", i), Trust: 1.0}
	}
	return vals
}

func TestAddVoteTallies(t *testing.T) {
	vs := NewVoteSet(types.LevelGroup, "group-00", 1, "prop-1", testHash, equalTrustSet(4), 0)

	for i := 0; i < 3; i++ {
		added, err := vs.AddVote(testVote(fmt.Sprintf("val-%d", i), fmt.Sprintf("n-%d", i), true))
		if err != nil || !added {
			t.Fatalf("vote %d: added=%v err=%v", i, added, err)
		}
	}
	if _, err := vs.AddVote(testVote("val-3", "n-3", false)); err != nil {
		t.Fatalf("reject vote: %v", err)
	}

	if f := vs.AcceptFraction(); f != 0.75 {
		t.Errorf("expected accept fraction 0.75, got %v", f)
	}
	if f := vs.RejectFraction(); f != 0.25 {
		t.Errorf("expected reject fraction 0.25, got %v", f)
	}
	if !vs.Complete() {
		t.Error("all validators voted, set should be complete")
	}
}

func TestUnknownValidatorRejected(t *testing.T) {
	vs := NewVoteSet(types.LevelGroup, "group-00", 1, "prop-1", testHash, equalTrustSet(2), 0)
	if _, err := vs.AddVote(testVote("ghost", "n-1", true)); !errors.Is(err, ErrUnknownValidator) {
		t.Errorf("expected ErrUnknownValidator, got %v", err)
	}
}

func TestWrongProposalRejected(t *testing.T) {
	vs := NewVoteSet(types.LevelGroup, "group-00", 1, "prop-1", testHash, equalTrustSet(2), 0)

	v := testVote("val-0", "n-1", true)
	v.ProposalID = "prop-2"
	if _, err := vs.AddVote(v); !errors.Is(err, ErrWrongProposal) {
		t.Errorf("expected ErrWrongProposal, got %v", err)
	}

	v = testVote("val-0", "n-1", true)
	v.SummaryHash = types.HashBytes([]byte("other"))
	if _, err := vs.AddVote(v); !errors.Is(err, ErrWrongProposal) {
		t.Errorf("expected ErrWrongProposal for foreign hash, got %v", err)
	}

	v = testVote("val-0", "n-1", true)
	v.Scope = "group-01"
	if _, err := vs.AddVote(v); !errors.Is(err, ErrWrongProposal) {
		t.Errorf("expected ErrWrongProposal for sibling scope, got %v", err)
	}
}

func TestNonceReplayRejected(t *testing.T) {
	vs := NewVoteSet(types.LevelGroup, "group-00", 1, "prop-1", testHash, equalTrustSet(3), 0)

	if _, err := vs.AddVote(testVote("val-0", "shared", true)); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	// Another validator replaying the same nonce.
	if _, err := vs.AddVote(testVote("val-1", "shared", true)); !errors.Is(err, ErrNonceReplayed) {
		t.Errorf("expected ErrNonceReplayed, got %v", err)
	}
	// The replayed vote must not have entered the tally.
	if f := vs.AcceptFraction(); f != 1.0/3.0 {
		t.Errorf("replayed vote counted: fraction %v", f)
	}
}

func TestEquivocationRejected(t *testing.T) {
	vs := NewVoteSet(types.LevelGroup, "group-00", 1, "prop-1", testHash, equalTrustSet(2), 0)

	if _, err := vs.AddVote(testVote("val-0", "n-1", true)); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, err := vs.AddVote(testVote("val-0", "n-2", false)); !errors.Is(err, ErrConflictingVote) {
		t.Errorf("expected ErrConflictingVote, got %v", err)
	}
	// The first vote stands.
	if f := vs.AcceptFraction(); f != 0.5 {
		t.Errorf("expected original vote kept, fraction %v", f)
	}
}

func TestDuplicateIdenticalVote(t *testing.T) {
	vs := NewVoteSet(types.LevelGroup, "group-00", 1, "prop-1", testHash, equalTrustSet(2), 0)

	if _, err := vs.AddVote(testVote("val-0", "n-1", true)); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, err := vs.AddVote(testVote("val-0", "n-1", true)); !errors.Is(err, ErrDuplicateVote) {
		t.Errorf("expected ErrDuplicateVote, got %v", err)
	}
}

func TestLowTrustValidatorExcluded(t *testing.T) {
	vals := []Validator{
		{ID: "strong", Trust: 1.0},
		{ID: "weak", Trust: 0.2}, // below the 0.5 floor
	}
	vs := NewVoteSet(types.LevelGroup, "group-00", 1, "prop-1", testHash, vals, 0.5)

	if _, err := vs.AddVote(testVote("weak", "n-1", false)); err != nil {
		t.Fatalf("weak vote should be recorded: %v", err)
	}
	if _, err := vs.AddVote(testVote("strong", "n-2", true)); err != nil {
		t.Fatalf("strong vote: %v", err)
	}

	// The weak validator's reject carries no weight and is outside the
	// electorate denominator.
	if f := vs.AcceptFraction(); f != 1.0 {
		t.Errorf("expected accept fraction 1.0, got %v", f)
	}
	if len(vs.Votes()) != 2 {
		t.Error("excluded vote must still be recorded")
	}
}

func TestUndecidable(t *testing.T) {
	vs := NewVoteSet(types.LevelGroup, "group-00", 1, "prop-1", testHash, equalTrustSet(5), 0)

	// Two rejects out of five kill the accept side (best case 0.6), but
	// rejection can still reach 0.75, so the round must stay open.
	vs.AddVote(testVote("val-0", "n-0", false))
	vs.AddVote(testVote("val-1", "n-1", false))
	if vs.Undecidable(0.75) {
		t.Error("a coordinated rejection is still reachable")
	}

	// Two accepts on top: best case is now 0.6 on both sides.
	vs.AddVote(testVote("val-2", "n-2", true))
	vs.AddVote(testVote("val-3", "n-3", true))
	if !vs.Undecidable(0.75) {
		t.Error("neither side can reach 0.75, set must be undecidable")
	}
}
