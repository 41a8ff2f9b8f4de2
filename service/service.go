// Package service wires the pipeline: submitted evidence flows through
// the verifier into the store, an epoch ticker drives the aggregation
// tree, every accepted aggregate goes to consensus, and finalized
// decisions land in the archive while their outcomes feed the
// partition guard.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crestline-labs/baseline/aggregate"
	"github.com/crestline-labs/baseline/audit"
	"github.com/crestline-labs/baseline/consensus"
	"github.com/crestline-labs/baseline/evidence"
	"github.com/crestline-labs/baseline/guard"
	"github.com/crestline-labs/baseline/keyring"
	"github.com/crestline-labs/baseline/privval"
	"github.com/crestline-labs/baseline/reputation"
	"github.com/crestline-labs/baseline/store"
	"github.com/crestline-labs/baseline/types"
	"github.com/crestline-labs/baseline/verifier"
)

// ErrNoDecisionYet is returned when a queried round has not finalized.
var ErrNoDecisionYet = errors.New("no consensus yet for level/epoch")

// RosterKeys adapts the participant roster to the verifier's key
// lookup interface.
type RosterKeys struct {
	Ring *keyring.Keyring
}

// PublicKeyOf returns the registered key for an ID.
func (r RosterKeys) PublicKeyOf(id string) (types.PublicKey, error) {
	return r.Ring.PublicKeyOf(id)
}

// Lookup returns the submission permit for an ID.
func (r RosterKeys) Lookup(id string) (*verifier.Permit, error) {
	p, err := r.Ring.Lookup(id)
	if err != nil {
		return nil, err
	}
	return &verifier.Permit{PublicKey: p.PublicKey, CanSubmit: p.CanSubmit()}, nil
}

// Options carries the assembled components.
type Options struct {
	Domain        string
	EpochInterval time.Duration

	Keyring    *keyring.Keyring
	Reputation *reputation.Tracker
	Verifier   *verifier.Verifier
	Evidence   *evidence.Store
	Aggregator *aggregate.Aggregator
	Coord      *consensus.Coordinator
	Guard      *guard.Guard
	Trail      *audit.Builder
	Archive    *store.Store
	Signer     *privval.FilePV // nil on non-validator nodes
	Logger     *zap.Logger
}

// Status is the security snapshot exposed on the API.
type Status struct {
	Epoch            uint64               `json:"epoch"`
	PartitionState   types.PartitionState `json:"-"`
	PartitionName    string               `json:"partition_state"`
	ActiveThreshold  float64              `json:"active_threshold"`
	BlockedPoisoning uint64               `json:"blocked_poisoning_attempts"`
	Escalations      uint64               `json:"threshold_escalations"`
	Sources          int                  `json:"sources"`
	EvidenceAdmitted uint64               `json:"evidence_admitted"`
	AuditHead        string               `json:"audit_head"`
	AuditSteps       uint64               `json:"audit_steps"`
}

// retainedEpochs bounds how many past epochs keep their in-memory
// outputs (and retained coordinator decisions) for proof issuance.
const retainedEpochs = 8

type outputKey struct {
	level types.Level
	scope string
	epoch uint64
}

// Service runs the epoch pipeline.
type Service struct {
	opts   Options
	logger *zap.Logger

	epoch            atomic.Uint64
	blockedPoisoning atomic.Uint64

	outMu   sync.RWMutex
	outputs map[outputKey]aggregate.Output

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New assembles a service.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.EpochInterval <= 0 {
		opts.EpochInterval = 30 * time.Second
	}
	return &Service{
		opts:    opts,
		logger:  opts.Logger.Named("service"),
		outputs: make(map[outputKey]aggregate.Output),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the epoch loop and the outcome listener.
func (s *Service) Start(ctx context.Context) {
	s.opts.Coord.Start()

	s.wg.Add(2)
	go s.epochLoop(ctx)
	go s.outcomeLoop(ctx)
}

// Stop shuts the loops down and waits for them.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.opts.Coord.Stop()
	s.wg.Wait()
}

// SubmitEvidence runs the admission gate and stores the record.
func (s *Service) SubmitEvidence(r *types.EvidenceRecord, class types.DataClass) error {
	if err := s.opts.Verifier.Verify(r, class); err != nil {
		return err
	}
	err := s.opts.Evidence.Add(r)
	if errors.Is(err, evidence.ErrSupersededOnly) || errors.Is(err, evidence.ErrDuplicate) {
		// Journaled but not current; the submitter is not at fault.
		return nil
	}
	return err
}

// SubmitVote routes an external validator's vote into consensus.
func (s *Service) SubmitVote(vote *types.ConsensusVote) (types.DecisionState, error) {
	return s.opts.Coord.SubmitVote(vote)
}

// Epoch returns the most recently started epoch.
func (s *Service) Epoch() uint64 {
	return s.epoch.Load()
}

// DecisionFor returns the finalized decision for a round, looking in
// the live coordinator first and the archive second.
func (s *Service) DecisionFor(ctx context.Context, level types.Level, scope string, epoch uint64) (*types.ConsensusDecision, error) {
	d, err := s.opts.Coord.DecisionFor(level, scope, epoch)
	if err == nil {
		return d, nil
	}
	if errors.Is(err, consensus.ErrNotFinalized) {
		return nil, ErrNoDecisionYet
	}

	d, aerr := s.opts.Archive.GetDecision(ctx, level, scope, epoch)
	if aerr == nil {
		return d, nil
	}
	if errors.Is(aerr, store.ErrNotFound) {
		return nil, ErrNoDecisionYet
	}
	return nil, aerr
}

// ReputationSnapshot exports current trust scores.
func (s *Service) ReputationSnapshot() []reputation.Score {
	return s.opts.Reputation.Snapshot()
}

// SecurityStatus returns the operator snapshot.
func (s *Service) SecurityStatus() Status {
	state := s.opts.Guard.State()
	head, steps := s.opts.Trail.Head()
	return Status{
		AuditHead:        head.String(),
		AuditSteps:       steps,
		Epoch:            s.epoch.Load(),
		PartitionState:   state,
		PartitionName:    state.String(),
		ActiveThreshold:  s.opts.Guard.ActiveThreshold(),
		BlockedPoisoning: s.blockedPoisoning.Load(),
		Escalations:      s.opts.Guard.Escalations(),
		Sources:          s.opts.Evidence.Sources(),
		EvidenceAdmitted: s.opts.Evidence.Admitted(),
	}
}

func (s *Service) epochLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.EpochInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunEpoch(ctx)
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// RunEpoch executes one aggregation-and-consensus pass. Exposed so
// tests and operators can drive epochs without the ticker.
func (s *Service) RunEpoch(ctx context.Context) {
	epoch := s.epoch.Add(1)
	records := s.opts.Evidence.Working()
	if len(records) == 0 {
		s.logger.Debug("epoch skipped, no evidence", zap.Uint64("epoch", epoch))
		return
	}

	result, err := s.opts.Aggregator.BuildEpoch(ctx, epoch, records)
	if err != nil {
		s.logger.Warn("epoch aggregation failed",
			zap.Uint64("epoch", epoch),
			zap.Error(err),
		)
		if result != nil {
			// The rejection itself is a blocked poisoning attempt.
			s.blockedPoisoning.Add(1)
			s.opts.Guard.ObserveRoundOutcome(false, implicatedSource(result))
		}
		return
	}

	validators := s.opts.Keyring.Validators()
	for _, out := range result.Accepted {
		s.retainOutput(out)
		propID, err := s.opts.Coord.Propose(out.Level, out.Name, epoch, out.Summary, out.ContentHash, out.AuditStep.InputRoot, validators)
		if err != nil {
			s.logger.Warn("proposal failed",
				zap.String("level", out.Level.String()),
				zap.String("scope", out.Name),
				zap.Uint64("epoch", epoch),
				zap.Error(err),
			)
			continue
		}
		s.castOwnVote(out, propID, epoch)
	}

	if epoch > retainedEpochs {
		s.pruneOutputs(epoch - retainedEpochs)
		s.opts.Coord.PruneBefore(epoch - retainedEpochs)
	}

	if err := s.persistReputation(ctx); err != nil {
		s.logger.Warn("reputation persistence failed", zap.Error(err))
	}
}

func (s *Service) retainOutput(out aggregate.Output) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.outputs[outputKey{level: out.Level, scope: out.Name, epoch: out.Epoch}] = out
}

func (s *Service) pruneOutputs(before uint64) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	for key := range s.outputs {
		if key.epoch < before {
			delete(s.outputs, key)
		}
	}
}

// ProofFor issues an inclusion proof that a child hash contributed to
// the aggregate decided at (level, scope, epoch). The proof verifies
// against the decision's audit root.
func (s *Service) ProofFor(level types.Level, scope string, epoch uint64, child types.Hash) (*audit.Proof, types.Hash, error) {
	s.outMu.RLock()
	out, ok := s.outputs[outputKey{level: level, scope: scope, epoch: epoch}]
	s.outMu.RUnlock()
	if !ok {
		return nil, types.Hash{}, fmt.Errorf("%w: %s/%s/%d", ErrNoDecisionYet, level, scope, epoch)
	}

	leaves := make([][]byte, len(out.InputHashes))
	idx := -1
	for i, h := range out.InputHashes {
		leaves[i] = h[:]
		if h.Equal(child) {
			idx = i
		}
	}
	if idx < 0 {
		return nil, types.Hash{}, audit.ErrLeafNotFound
	}

	tree, err := audit.NewTree(leaves)
	if err != nil {
		return nil, types.Hash{}, err
	}
	proof, err := tree.ProveIndex(idx)
	if err != nil {
		return nil, types.Hash{}, err
	}
	return proof, tree.Root(), nil
}

// castOwnVote signs and submits this node's vote when it is a
// validator. Everything verified locally, so the vote is an accept.
func (s *Service) castOwnVote(out aggregate.Output, propID string, epoch uint64) {
	if s.opts.Signer == nil {
		return
	}

	vote := &types.ConsensusVote{
		Level:       out.Level,
		Scope:       out.Name,
		Epoch:       epoch,
		ProposalID:  propID,
		SummaryHash: out.ContentHash,
		Sequence:    epoch,
		Nonce:       uuid.NewString(),
		Accept:      true,
		Timestamp:   time.Now().UnixNano(),
	}
	if err := s.opts.Signer.SignVote(s.opts.Domain, vote); err != nil {
		s.logger.Error("vote signing refused", zap.Error(err))
		return
	}
	if _, err := s.opts.Coord.SubmitVote(vote); err != nil {
		s.logger.Warn("own vote rejected", zap.Error(err))
	}
}

func (s *Service) outcomeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case out := <-s.opts.Coord.Outcomes():
			s.handleOutcome(ctx, out)
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) handleOutcome(ctx context.Context, out consensus.Outcome) {
	d := out.Decision

	switch d.State {
	case types.DecisionAccepted:
		s.opts.Guard.ObserveRoundOutcome(true, "")
	case types.DecisionRejectedPoisoningSuspected:
		s.blockedPoisoning.Add(1)
		s.opts.Guard.ObserveRoundOutcome(false, "")
	default:
		if out.TimedOut {
			// A round that starves of votes smells like a partition.
			s.opts.Guard.ObservePartitionSignal("")
		}
		s.opts.Guard.ObserveRoundOutcome(false, "")
	}

	if err := s.opts.Archive.SaveDecision(ctx, d); err != nil {
		s.logger.Error("decision archival failed",
			zap.String("level", d.Level.String()),
			zap.String("scope", d.Scope),
			zap.Uint64("epoch", d.Epoch),
			zap.Error(err),
		)
	}
}

func (s *Service) persistReputation(ctx context.Context) error {
	for _, score := range s.opts.Reputation.Snapshot() {
		if err := s.opts.Archive.UpsertReputation(ctx, score.SubjectID, score.Weight, score.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

// RestoreReputation seeds the tracker from the archive at startup.
func (s *Service) RestoreReputation(ctx context.Context) error {
	rows, err := s.opts.Archive.LoadReputations(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		s.opts.Reputation.Restore(row.SubjectID, row.Weight, row.UpdatedAt)
	}
	return nil
}

// implicatedSource picks a representative offender from an epoch's
// rejections for guard targeting analysis.
func implicatedSource(result *aggregate.EpochResult) string {
	for _, rej := range result.Rejected {
		if len(rej.Implicated) > 0 {
			return rej.Implicated[0]
		}
	}
	return ""
}
