// Package evidence stores verified records between aggregation rounds.
// Records are immutable once admitted: a newer record from the same
// source supersedes older ones for aggregation purposes, but nothing is
// rewritten and the journal keeps the full admission history.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/crestline-labs/baseline/journal"
	"github.com/crestline-labs/baseline/types"
)

// Errors
var (
	ErrNilRecord      = errors.New("nil evidence record")
	ErrDuplicate      = errors.New("identical record already stored")
	ErrSupersededOnly = errors.New("record is older than the stored one")
	ErrNotFound       = errors.New("no evidence for source")
)

// Store holds the current verified record per source. It persists every
// admitted record to the journal so the working set survives restarts.
type Store struct {
	mu      sync.RWMutex
	latest  map[string]*types.EvidenceRecord
	journal journal.Journal
	logger  *zap.Logger

	admitted uint64 // lifetime admissions, including superseded ones
}

// NewStore creates a store backed by the journal. Pass a journal.Nop
// for ephemeral deployments.
func NewStore(j journal.Journal, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		latest:  make(map[string]*types.EvidenceRecord),
		journal: j,
		logger:  logger.Named("evidence"),
	}
}

// Reload replays the journal and rebuilds the working set. Call once at
// startup, before serving.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	err := s.journal.Replay(func(e *journal.Entry) error {
		if e.Kind != journal.KindEvidence {
			return nil
		}
		var r types.EvidenceRecord
		if err := json.Unmarshal(e.Data, &r); err != nil {
			return fmt.Errorf("failed to decode journaled evidence: %w", err)
		}
		if cur, ok := s.latest[r.SourceID]; !ok || r.Timestamp >= cur.Timestamp {
			s.latest[r.SourceID] = &r
		}
		restored++
		return nil
	})
	if err != nil {
		return err
	}
	s.admitted = uint64(restored)

	s.logger.Info("evidence store reloaded",
		zap.Int("journaled", restored),
		zap.Int("sources", len(s.latest)),
	)
	return nil
}

// Add admits a verified record. Records never mutate in place; a record
// older than the stored one for its source is journaled but does not
// change the working set.
func (s *Store) Add(r *types.EvidenceRecord) error {
	if r == nil {
		return ErrNilRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.latest[r.SourceID]
	if exists {
		if cur.Timestamp == r.Timestamp && cur.ContentHash().Equal(r.ContentHash()) {
			return ErrDuplicate
		}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}
	if _, err := s.journal.Append(journal.KindEvidence, data); err != nil {
		return fmt.Errorf("failed to journal evidence: %w", err)
	}
	s.admitted++

	if exists && r.Timestamp < cur.Timestamp {
		return ErrSupersededOnly
	}
	s.latest[r.SourceID] = r.Copy()
	return nil
}

// Latest returns the current record for a source.
func (s *Store) Latest(sourceID string) (*types.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.latest[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sourceID)
	}
	return r.Copy(), nil
}

// Working returns a copy of the current record of every source, sorted
// by source ID so aggregation input order is deterministic.
func (s *Store) Working() []*types.EvidenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.EvidenceRecord, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Sources returns the number of sources with a current record.
func (s *Store) Sources() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}

// Admitted returns the lifetime admission count, superseded records
// included.
func (s *Store) Admitted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admitted
}

// Flush forces journaled admissions to disk.
func (s *Store) Flush() error {
	return s.journal.FlushAndSync()
}
