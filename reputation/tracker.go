// Package reputation maintains the trust weight of every evidence
// source and consensus validator. Weights decay multiplicatively on
// misbehavior and recover additively, and slowly, through sustained
// honest participation. Every adjustment is recorded in an append-only
// history so an operator can reconstruct how a source earned or lost
// its standing.
package reputation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Errors
var (
	ErrUnknownSubject = errors.New("no reputation recorded for subject")
)

// Severity classifies a penalized offense.
type Severity uint8

const (
	// SeverityMinor covers stale or malformed-but-signed submissions.
	SeverityMinor Severity = iota
	// SeveritySevere covers signature forgery, equivocation and nonce
	// replay, anything that implies intent rather than drift.
	SeveritySevere
)

func (s Severity) String() string {
	switch s {
	case SeverityMinor:
		return "minor"
	case SeveritySevere:
		return "severe"
	default:
		return fmt.Sprintf("severity(%d)", s)
	}
}

// Params are the tunable policy knobs. Defaults reproduce the standard
// policy; deployments may tighten them through configuration.
type Params struct {
	InitialTrust  float64 // weight granted to a first-seen subject
	Floor         float64 // weight never decays below this
	Ceiling       float64 // weight never recovers above this
	SevereFactor  float64 // multiplier applied on a severe offense
	MinorFactor   float64 // multiplier applied on a minor offense
	RewardDelta   float64 // additive recovery per reward grant
	ObservationN  int     // honest events required before a reward lands
	MaxHistoryLen int     // per-subject history entries retained in memory
}

// DefaultParams returns the standard policy.
func DefaultParams() Params {
	return Params{
		InitialTrust:  1.0,
		Floor:         0.001,
		Ceiling:       1.0,
		SevereFactor:  0.5,
		MinorFactor:   0.8,
		RewardDelta:   0.01,
		ObservationN:  10,
		MaxHistoryLen: 256,
	}
}

func (p Params) sanitized() Params {
	d := DefaultParams()
	if p.InitialTrust <= 0 || p.InitialTrust > 1 {
		p.InitialTrust = d.InitialTrust
	}
	if p.Floor <= 0 {
		p.Floor = d.Floor
	}
	if p.Ceiling <= 0 || p.Ceiling > 1 {
		p.Ceiling = d.Ceiling
	}
	if p.SevereFactor <= 0 || p.SevereFactor >= 1 {
		p.SevereFactor = d.SevereFactor
	}
	if p.MinorFactor <= 0 || p.MinorFactor >= 1 {
		p.MinorFactor = d.MinorFactor
	}
	if p.RewardDelta <= 0 {
		p.RewardDelta = d.RewardDelta
	}
	if p.ObservationN <= 0 {
		p.ObservationN = d.ObservationN
	}
	if p.MaxHistoryLen <= 0 {
		p.MaxHistoryLen = d.MaxHistoryLen
	}
	return p
}

// Event is one recorded trust adjustment.
type Event struct {
	Timestamp time.Time
	Reason    string
	Before    float64
	After     float64
}

// Score is a subject's current standing.
type Score struct {
	SubjectID string
	Weight    float64
	// HonestStreak counts consecutive honest events since the last
	// penalty or reward grant.
	HonestStreak int
	UpdatedAt    time.Time
}

type subject struct {
	weight       float64
	honestStreak int
	updatedAt    time.Time
	history      []Event
}

// Tracker holds reputation state for all subjects. All mutations for a
// subject are serialized under one lock so concurrent penalties and
// rewards cannot interleave into a lost update.
type Tracker struct {
	mu       sync.RWMutex
	params   Params
	subjects map[string]*subject
	logger   *zap.Logger
	now      func() time.Time
}

// NewTracker creates a tracker with the given policy.
func NewTracker(params Params, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		params:   params.sanitized(),
		subjects: make(map[string]*subject),
		logger:   logger.Named("reputation"),
		now:      time.Now,
	}
}

func (t *Tracker) getOrCreateLocked(id string) *subject {
	s, ok := t.subjects[id]
	if !ok {
		s = &subject{weight: t.params.InitialTrust, updatedAt: t.now()}
		t.subjects[id] = s
	}
	return s
}

func (t *Tracker) record(s *subject, reason string, before float64) {
	s.updatedAt = t.now()
	s.history = append(s.history, Event{
		Timestamp: s.updatedAt,
		Reason:    reason,
		Before:    before,
		After:     s.weight,
	})
	if len(s.history) > t.params.MaxHistoryLen {
		s.history = s.history[len(s.history)-t.params.MaxHistoryLen:]
	}
}

// Penalize applies the multiplicative penalty for an offense and resets
// the subject's honest streak. Unknown subjects are created first so a
// misbehaving newcomer starts its life already discounted.
func (t *Tracker) Penalize(id string, sev Severity, reason string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreateLocked(id)
	before := s.weight

	factor := t.params.MinorFactor
	if sev == SeveritySevere {
		factor = t.params.SevereFactor
	}
	s.weight *= factor
	if s.weight < t.params.Floor {
		s.weight = t.params.Floor
	}
	s.honestStreak = 0
	t.record(s, fmt.Sprintf("penalty/%s: %s", sev, reason), before)

	t.logger.Warn("trust penalized",
		zap.String("subject", id),
		zap.String("severity", sev.String()),
		zap.String("reason", reason),
		zap.Float64("before", before),
		zap.Float64("after", s.weight),
	)
	return s.weight
}

// Observe notes one honest event for the subject. Once the streak
// reaches the observation window the capped additive reward lands and
// the streak restarts. Recovery is deliberately much slower than decay.
func (t *Tracker) Observe(id string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreateLocked(id)
	s.honestStreak++
	if s.honestStreak < t.params.ObservationN {
		return s.weight
	}

	before := s.weight
	s.weight += t.params.RewardDelta
	if s.weight > t.params.Ceiling {
		s.weight = t.params.Ceiling
	}
	s.honestStreak = 0
	t.record(s, "reward: sustained honest participation", before)

	if s.weight != before {
		t.logger.Info("trust rewarded",
			zap.String("subject", id),
			zap.Float64("before", before),
			zap.Float64("after", s.weight),
		)
	}
	return s.weight
}

// WeightOf returns the current trust weight. First-seen subjects get
// the initial trust without being registered.
func (t *Tracker) WeightOf(id string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.subjects[id]; ok {
		return s.weight
	}
	return t.params.InitialTrust
}

// ScoreOf returns the full standing of a known subject.
func (t *Tracker) ScoreOf(id string) (Score, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.subjects[id]
	if !ok {
		return Score{}, fmt.Errorf("%w: %s", ErrUnknownSubject, id)
	}
	return Score{
		SubjectID:    id,
		Weight:       s.weight,
		HonestStreak: s.honestStreak,
		UpdatedAt:    s.updatedAt,
	}, nil
}

// History returns the retained adjustment log for a subject, oldest
// first.
func (t *Tracker) History(id string) ([]Event, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.subjects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubject, id)
	}
	out := make([]Event, len(s.history))
	copy(out, s.history)
	return out, nil
}

// Snapshot returns the standing of every known subject, sorted by ID.
func (t *Tracker) Snapshot() []Score {
	t.mu.RLock()
	defer t.mu.RUnlock()

	scores := make([]Score, 0, len(t.subjects))
	for id, s := range t.subjects {
		scores = append(scores, Score{
			SubjectID:    id,
			Weight:       s.weight,
			HonestStreak: s.honestStreak,
			UpdatedAt:    s.updatedAt,
		})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].SubjectID < scores[j].SubjectID })
	return scores
}

// Restore seeds a subject's weight, used when reloading persisted
// scores at startup.
func (t *Tracker) Restore(id string, weight float64, updatedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if weight < t.params.Floor {
		weight = t.params.Floor
	}
	if weight > t.params.Ceiling {
		weight = t.params.Ceiling
	}
	t.subjects[id] = &subject{weight: weight, updatedAt: updatedAt}
}
