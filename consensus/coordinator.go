package consensus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crestline-labs/baseline/reputation"
	"github.com/crestline-labs/baseline/types"
)

// VoteVerifier checks a vote's signature against the roster.
type VoteVerifier interface {
	VerifyVote(vote *types.ConsensusVote) error
}

// Penalizer receives dishonesty events discovered during voting.
type Penalizer interface {
	Penalize(id string, sev reputation.Severity, reason string) float64
}

// Outcome is delivered to the coordinator's listener when a round
// finalizes, by decision or by timeout.
type Outcome struct {
	Decision *types.ConsensusDecision
	TimedOut bool
}

// Coordinator owns every live round. It opens a round per proposed
// aggregate, fixes the policy and validator trust at open, routes
// verified votes, and turns timer expiry into a deterministic
// rejection. Decisions are retained for the query API until pruned.
type Coordinator struct {
	mu sync.Mutex

	verifier VoteVerifier
	weights  WeightProvider
	policy   PolicyProvider
	penal    Penalizer
	ticker   *TimeoutTicker
	logger   *zap.Logger
	now      func() time.Time

	minTrust  float64
	rounds    map[roundKey]*Round
	decisions map[roundKey]*types.ConsensusDecision
	lastSeq   map[string]uint64 // highest accepted Sequence per validator
	outcomeCh chan Outcome

	stopCh  chan struct{}
	stopped sync.Once
}

// WeightProvider supplies validator trust.
type WeightProvider interface {
	WeightOf(id string) float64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMinValidatorTrust overrides the eligibility floor.
func WithMinValidatorTrust(min float64) Option {
	return func(c *Coordinator) { c.minTrust = min }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator. Call Start before proposing.
func NewCoordinator(verifier VoteVerifier, weights WeightProvider, policy PolicyProvider, penal Penalizer, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		verifier:  verifier,
		weights:   weights,
		policy:    policy,
		penal:     penal,
		ticker:    NewTimeoutTicker(),
		logger:    logger.Named("consensus"),
		now:       time.Now,
		minTrust:  DefaultMinValidatorTrust,
		rounds:    make(map[roundKey]*Round),
		decisions: make(map[roundKey]*types.ConsensusDecision),
		lastSeq:   make(map[string]uint64),
		outcomeCh: make(chan Outcome, 64),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the timeout loop.
func (c *Coordinator) Start() {
	go c.timeoutLoop()
}

// Stop halts timers and closes the outcome stream.
func (c *Coordinator) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)
		c.ticker.Stop()
	})
}

// Outcomes streams finalized decisions.
func (c *Coordinator) Outcomes() <-chan Outcome {
	return c.outcomeCh
}

// Propose opens the round for a freshly aggregated summary. Each
// accepted tree node proposes under its own scope, so sibling groups
// within an epoch decide independently. Validator trust is sampled now;
// the active policy and timeout come from the guard. Returns the
// proposal ID validators must reference in their votes.
func (c *Coordinator) Propose(level types.Level, scope string, epoch uint64, summary types.StatSummary, summaryHash, auditRoot types.Hash, validatorIDs []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := roundKey{level: level, scope: scope, epoch: epoch}
	if _, exists := c.rounds[key]; exists {
		return "", fmt.Errorf("round %s/%s/%d already open", level, scope, epoch)
	}
	if prev, decided := c.decisions[key]; decided {
		return "", fmt.Errorf("%w: already %s", ErrRoundFinalized, prev.State)
	}

	validators := make([]Validator, 0, len(validatorIDs))
	for _, id := range validatorIDs {
		validators = append(validators, Validator{ID: id, Trust: c.weights.WeightOf(id)})
	}

	proposalID := uuid.NewString()
	policy := c.policy.ActivePolicy()
	round := NewRound(level, scope, epoch, proposalID, summary, summaryHash, auditRoot, validators, policy, c.minTrust, c.now())
	c.rounds[key] = round

	timeout := c.policy.VoteTimeout()
	c.ticker.ScheduleTimeout(TimeoutInfo{Duration: timeout, Level: level, Scope: scope, Epoch: epoch})

	c.logger.Info("consensus round opened",
		zap.String("level", level.String()),
		zap.String("scope", scope),
		zap.Uint64("epoch", epoch),
		zap.String("proposal", proposalID),
		zap.String("policy", policy.String()),
		zap.Duration("timeout", timeout),
	)
	return proposalID, nil
}

// SubmitVote verifies and routes a vote. Replayed nonces, conflicting
// votes and bad signatures are converted into dishonesty events
// against the claimed validator.
func (c *Coordinator) SubmitVote(vote *types.ConsensusVote) (types.DecisionState, error) {
	if err := c.verifier.VerifyVote(vote); err != nil {
		// The verifier penalizes signature failures itself.
		return types.DecisionProposed, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := roundKey{level: vote.Level, scope: vote.Scope, epoch: vote.Epoch}
	round, ok := c.rounds[key]
	if !ok {
		if d, decided := c.decisions[key]; decided {
			return d.State, ErrRoundFinalized
		}
		return types.DecisionProposed, fmt.Errorf("%w: %s/%s/%d", ErrRoundNotFound, vote.Level, vote.Scope, vote.Epoch)
	}

	// The signed Sequence is the validator's logical clock: a vote behind
	// an already-accepted one is stale delivery, never a fresher verdict.
	if vote.Sequence < c.lastSeq[vote.ValidatorID] {
		return round.State(), fmt.Errorf("%w: %d < %d", ErrStaleSequence, vote.Sequence, c.lastSeq[vote.ValidatorID])
	}

	state, err := round.AddVote(vote)
	if err != nil {
		c.punishVoteError(vote, err)
		return state, err
	}
	c.lastSeq[vote.ValidatorID] = vote.Sequence

	if state.Terminal() {
		c.finalizeLocked(key, round, false)
	}
	return state, nil
}

func (c *Coordinator) punishVoteError(vote *types.ConsensusVote, err error) {
	if c.penal == nil {
		return
	}
	switch {
	case errors.Is(err, ErrNonceReplayed):
		c.penal.Penalize(vote.ValidatorID, reputation.SeveritySevere, "vote nonce replay")
	case errors.Is(err, ErrConflictingVote):
		c.penal.Penalize(vote.ValidatorID, reputation.SeveritySevere, "vote equivocation")
	}
}

// DecisionFor returns the terminal decision for a round.
func (c *Coordinator) DecisionFor(level types.Level, scope string, epoch uint64) (*types.ConsensusDecision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := roundKey{level: level, scope: scope, epoch: epoch}
	if d, ok := c.decisions[key]; ok {
		return d, nil
	}
	if _, open := c.rounds[key]; open {
		return nil, ErrNotFinalized
	}
	return nil, fmt.Errorf("%w: %s/%s/%d", ErrRoundNotFound, level, scope, epoch)
}

// PruneBefore drops retained decisions older than the epoch.
func (c *Coordinator) PruneBefore(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.decisions {
		if key.epoch < epoch {
			delete(c.decisions, key)
		}
	}
}

func (c *Coordinator) timeoutLoop() {
	for {
		select {
		case ti := <-c.ticker.Chan():
			c.onTimeout(ti)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) onTimeout(ti TimeoutInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := roundKey{level: ti.Level, scope: ti.Scope, epoch: ti.Epoch}
	round, ok := c.rounds[key]
	if !ok {
		return
	}
	round.Timeout()
	c.logger.Warn("consensus round timed out",
		zap.String("level", ti.Level.String()),
		zap.String("scope", ti.Scope),
		zap.Uint64("epoch", ti.Epoch),
	)
	c.finalizeLocked(key, round, true)
}

// finalizeLocked moves a terminal round into the decision archive and
// publishes the outcome. Caller holds c.mu.
func (c *Coordinator) finalizeLocked(key roundKey, round *Round, timedOut bool) {
	decision, err := round.Decision()
	if err != nil {
		return
	}
	delete(c.rounds, key)
	c.decisions[key] = decision
	if !timedOut {
		c.ticker.Cancel(key.level, key.scope, key.epoch)
	}

	c.logger.Info("consensus round finalized",
		zap.String("level", decision.Level.String()),
		zap.String("scope", decision.Scope),
		zap.Uint64("epoch", decision.Epoch),
		zap.String("state", decision.State.String()),
		zap.Float64("accept_fraction", decision.AcceptFraction),
		zap.Float64("threshold", decision.Threshold),
	)

	select {
	case c.outcomeCh <- Outcome{Decision: decision, TimedOut: timedOut}:
	default:
		c.logger.Warn("outcome listener lagging, decision retained for query only",
			zap.Uint64("epoch", decision.Epoch))
	}
}
