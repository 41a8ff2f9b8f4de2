package consensus

import "time"

// Policy selects the active consensus variant. The variant is chosen
// once when a round opens and never changes mid-round, so every vote in
// a round is judged against the same threshold.
type Policy uint8

const (
	// PolicyNormal is the baseline supermajority.
	PolicyNormal Policy = iota
	// PolicyEscalated is the hardened supermajority applied while an
	// attack is suspected.
	PolicyEscalated
)

const (
	normalThreshold    = 0.75
	escalatedThreshold = 0.90

	// DefaultMinValidatorTrust is the trust a validator needs for its
	// vote to carry weight. Votes below it are recorded but excluded
	// from the tally.
	DefaultMinValidatorTrust = 0.5

	defaultVoteTimeout = 5 * time.Second
)

// Threshold returns the weighted accept fraction required to accept.
func (p Policy) Threshold() float64 {
	if p == PolicyEscalated {
		return escalatedThreshold
	}
	return normalThreshold
}

func (p Policy) String() string {
	if p == PolicyEscalated {
		return "escalated"
	}
	return "normal"
}

// PolicyProvider supplies the active policy and vote timeout at round
// open. The partition guard implements this.
type PolicyProvider interface {
	ActivePolicy() Policy
	VoteTimeout() time.Duration
}

// StaticPolicy is a fixed PolicyProvider for tests and single-node
// deployments.
type StaticPolicy struct {
	Policy  Policy
	Timeout time.Duration
}

func (s StaticPolicy) ActivePolicy() Policy { return s.Policy }

func (s StaticPolicy) VoteTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return defaultVoteTimeout
}
