package audit

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/crestline-labs/baseline/journal"
	"github.com/crestline-labs/baseline/types"
)

// IntegrityError reports a broken audit chain. It is fatal: the
// service must halt aggregation rather than publish on top of a trail
// it cannot trust.
type IntegrityError struct {
	Seq    uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit trail integrity violation at step %d: %s", e.Seq, e.Reason)
}

// Step is one committed aggregation step. InputRoot is the merkle root
// over the content hashes of every record that entered the step;
// PrevHash chains to the preceding step, forming a hash chain across
// epochs.
type Step struct {
	Seq        uint64      `json:"seq"`
	Level      types.Level `json:"level"`
	Epoch      uint64      `json:"epoch"`
	InputRoot  types.Hash  `json:"input_root"`
	OutputHash types.Hash  `json:"output_hash"`
	PrevHash   types.Hash  `json:"prev_hash"`
	Timestamp  int64       `json:"timestamp"`
}

// Hash returns the step's chaining hash.
func (s *Step) Hash() types.Hash {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(s.Level))
	buf = appendUint64(buf, s.Seq)
	buf = appendUint64(buf, s.Epoch)
	buf = append(buf, s.InputRoot[:]...)
	buf = append(buf, s.OutputHash[:]...)
	buf = append(buf, s.PrevHash[:]...)
	buf = appendUint64(buf, uint64(s.Timestamp))
	return types.HashBytes(buf)
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v),
	)
}

// Builder records aggregation steps into a journal-backed hash chain.
// Appends are serialized; a chain break surfaces as *IntegrityError
// and poisons the builder until the operator intervenes.
type Builder struct {
	mu       sync.Mutex
	journal  journal.Journal
	logger   *zap.Logger
	lastHash types.Hash
	nextSeq  uint64
	poisoned error
}

// NewBuilder creates a trail builder on top of a journal. Existing
// steps are replayed to verify the chain and recover the head.
func NewBuilder(j journal.Journal, logger *zap.Logger) (*Builder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Builder{journal: j, logger: logger.Named("audit")}

	if err := b.replay(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Builder) replay() error {
	return b.journal.Replay(func(e *journal.Entry) error {
		if e.Kind != journal.KindAuditStep {
			return nil
		}
		var step Step
		if err := json.Unmarshal(e.Data, &step); err != nil {
			return &IntegrityError{Seq: e.Seq, Reason: "undecodable step"}
		}
		if step.Seq != b.nextSeq {
			return &IntegrityError{Seq: step.Seq, Reason: fmt.Sprintf("expected seq %d", b.nextSeq)}
		}
		if !step.PrevHash.Equal(b.lastHash) {
			return &IntegrityError{Seq: step.Seq, Reason: "previous hash mismatch"}
		}
		b.lastHash = step.Hash()
		b.nextSeq = step.Seq + 1
		return nil
	})
}

// RecordStep commits an aggregation step. inputs are the content
// hashes of the records that entered the step, in their aggregation
// order; outputHash commits to the produced aggregate.
func (b *Builder) RecordStep(level types.Level, epoch uint64, inputs []types.Hash, outputHash types.Hash, timestamp int64) (*Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.poisoned != nil {
		return nil, b.poisoned
	}
	if len(inputs) == 0 {
		return nil, ErrNoLeaves
	}

	leaves := make([][]byte, len(inputs))
	for i, h := range inputs {
		hc := h
		leaves[i] = hc[:]
	}
	root, err := RootOf(leaves)
	if err != nil {
		return nil, err
	}

	step := &Step{
		Seq:        b.nextSeq,
		Level:      level,
		Epoch:      epoch,
		InputRoot:  root,
		OutputHash: outputHash,
		PrevHash:   b.lastHash,
		Timestamp:  timestamp,
	}

	data, err := json.Marshal(step)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit step: %w", err)
	}
	if _, err := b.journal.AppendSync(journal.KindAuditStep, data); err != nil {
		// The in-memory head and the durable log may now disagree.
		b.poisoned = &IntegrityError{Seq: step.Seq, Reason: fmt.Sprintf("append failed: %v", err)}
		b.logger.Error("audit trail append failed", zap.Uint64("seq", step.Seq), zap.Error(err))
		return nil, b.poisoned
	}

	b.lastHash = step.Hash()
	b.nextSeq = step.Seq + 1

	b.logger.Debug("audit step recorded",
		zap.Uint64("seq", step.Seq),
		zap.String("level", level.String()),
		zap.Uint64("epoch", epoch),
		zap.String("input_root", root.String()),
	)
	return step, nil
}

// Head returns the chaining hash of the most recent step and the
// sequence number the next step will receive.
func (b *Builder) Head() (types.Hash, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastHash, b.nextSeq
}

// VerifyChain replays the journal and re-checks every link. It is the
// offline verification entry point and never mutates builder state.
func VerifyChain(j journal.Journal) (steps int, head types.Hash, err error) {
	var (
		lastHash types.Hash
		nextSeq  uint64
	)
	err = j.Replay(func(e *journal.Entry) error {
		if e.Kind != journal.KindAuditStep {
			return nil
		}
		var step Step
		if uerr := json.Unmarshal(e.Data, &step); uerr != nil {
			return &IntegrityError{Seq: e.Seq, Reason: "undecodable step"}
		}
		if step.Seq != nextSeq {
			return &IntegrityError{Seq: step.Seq, Reason: fmt.Sprintf("expected seq %d", nextSeq)}
		}
		if !step.PrevHash.Equal(lastHash) {
			return &IntegrityError{Seq: step.Seq, Reason: "previous hash mismatch"}
		}
		lastHash = step.Hash()
		nextSeq = step.Seq + 1
		steps++
		return nil
	})
	return steps, lastHash, err
}
