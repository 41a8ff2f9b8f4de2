// Package guard watches the consensus layer for partition and attack
// patterns and feeds policy back into it: which supermajority variant
// is in force, how long rounds may wait for votes, and how stale
// evidence may be. All staleness and timeout windows are jittered so an
// outside observer cannot recover the configured thresholds from
// timing measurements.
package guard

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crestline-labs/baseline/consensus"
	"github.com/crestline-labs/baseline/types"
)

// EventKind classifies an observed network event.
type EventKind uint8

const (
	// EventPartitionSignal is a detected connectivity anomaly.
	EventPartitionSignal EventKind = iota
	// EventRecovery is connectivity restored after a partition signal.
	EventRecovery
	// EventNodeSuspect is a node implicated in a failed round.
	EventNodeSuspect
)

// Event is one entry in the sliding observation window.
type Event struct {
	Kind EventKind
	Node string // implicated node, if any
	At   time.Time
}

// Params tune the guard.
type Params struct {
	// WindowSize bounds the sliding event window.
	WindowSize int
	// WindowSpan bounds how old a window entry may be.
	WindowSpan time.Duration
	// ConsecutiveAnomalies escalates to ATTACK_SUSPECTED.
	ConsecutiveAnomalies int
	// FlapCount within the window is an attack pattern.
	FlapCount int
	// TargetCount of events implicating one node is an attack pattern.
	TargetCount int
	// PeriodicMinEvents is the minimum event count before the timing
	// regularity check applies.
	PeriodicMinEvents int
	// PeriodicTolerance is the max coefficient of variation of event
	// spacing still considered machine-regular.
	PeriodicTolerance float64
	// CooldownCleanRounds is the clean-round streak required to leave
	// ATTACK_SUSPECTED; a supermajority of the window size.
	CooldownCleanRounds int
	// PartitionCleanRounds is the streak required to leave PARTITIONED.
	PartitionCleanRounds int
	// BaseVoteTimeout is the unjittered consensus vote timeout.
	BaseVoteTimeout time.Duration
}

// DefaultParams returns the standard guard tuning.
func DefaultParams() Params {
	return Params{
		WindowSize:           64,
		WindowSpan:           5 * time.Minute,
		ConsecutiveAnomalies: 3,
		FlapCount:            4,
		TargetCount:          3,
		PeriodicMinEvents:    4,
		PeriodicTolerance:    0.05,
		CooldownCleanRounds:  8, // supermajority of a 10-round view
		PartitionCleanRounds: 2,
		BaseVoteTimeout:      5 * time.Second,
	}
}

// baseStaleness is the per-data-class staleness window before jitter.
var baseStaleness = map[types.DataClass]time.Duration{
	types.DataBaseline:    5 * time.Second,
	types.DataAnomaly:     1 * time.Second,
	types.DataCorrelation: 20 * time.Second,
	types.DataConfidence:  5 * time.Second,
	types.DataPopulation:  30 * time.Second,
}

// Guard is the partition and timing guard.
type Guard struct {
	mu     sync.Mutex
	params Params
	state  types.PartitionState
	logger *zap.Logger
	rng    *rand.Rand
	now    func() time.Time

	window      []Event
	consecutive int // consecutive partition-signal events
	cleanStreak int

	escalations uint64 // lifetime count of escalations to ATTACK_SUSPECTED
}

// New creates a guard in NORMAL state.
func New(params Params, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultParams()
	if params.WindowSize <= 0 {
		params.WindowSize = d.WindowSize
	}
	if params.WindowSpan <= 0 {
		params.WindowSpan = d.WindowSpan
	}
	if params.ConsecutiveAnomalies <= 0 {
		params.ConsecutiveAnomalies = d.ConsecutiveAnomalies
	}
	if params.FlapCount <= 0 {
		params.FlapCount = d.FlapCount
	}
	if params.TargetCount <= 0 {
		params.TargetCount = d.TargetCount
	}
	if params.PeriodicMinEvents <= 0 {
		params.PeriodicMinEvents = d.PeriodicMinEvents
	}
	if params.PeriodicTolerance <= 0 {
		params.PeriodicTolerance = d.PeriodicTolerance
	}
	if params.CooldownCleanRounds <= 0 {
		params.CooldownCleanRounds = d.CooldownCleanRounds
	}
	if params.PartitionCleanRounds <= 0 {
		params.PartitionCleanRounds = d.PartitionCleanRounds
	}
	if params.BaseVoteTimeout <= 0 {
		params.BaseVoteTimeout = d.BaseVoteTimeout
	}
	return &Guard{
		params: params,
		state:  types.PartitionNormal,
		logger: logger.Named("guard"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// WithRandSource overrides the jitter source, for tests.
func (g *Guard) WithRandSource(src rand.Source) *Guard {
	g.rng = rand.New(src)
	return g
}

// State returns the current partition state.
func (g *Guard) State() types.PartitionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Escalations returns how often the guard has entered ATTACK_SUSPECTED.
func (g *Guard) Escalations() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.escalations
}

// ActivePolicy implements consensus.PolicyProvider. The escalated
// policy is in force whenever an attack is suspected.
func (g *Guard) ActivePolicy() consensus.Policy {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == types.PartitionAttackSuspected {
		return consensus.PolicyEscalated
	}
	return consensus.PolicyNormal
}

// ActiveThreshold returns the accept threshold currently in force.
func (g *Guard) ActiveThreshold() float64 {
	return g.ActivePolicy().Threshold()
}

// VoteTimeout returns the jittered consensus vote timeout.
func (g *Guard) VoteTimeout() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.jittered(g.params.BaseVoteTimeout)
}

// StalenessWindow returns the jittered admission window for a data
// class. Each call draws fresh jitter in [0.5, 1.5] of the class base
// so repeated measurements do not converge on the configured value.
func (g *Guard) StalenessWindow(class types.DataClass) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	base, ok := baseStaleness[class]
	if !ok {
		base = baseStaleness[types.DataBaseline]
	}
	return g.jittered(base)
}

// jittered draws uniformly from [0.5, 1.5] x base. Caller holds g.mu.
func (g *Guard) jittered(base time.Duration) time.Duration {
	factor := 0.5 + g.rng.Float64()
	return time.Duration(float64(base) * factor)
}

// ObservePartitionSignal records a connectivity anomaly, possibly
// implicating a node, and re-evaluates the state machine.
func (g *Guard) ObservePartitionSignal(node string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.push(Event{Kind: EventPartitionSignal, Node: node, At: g.now()})
	g.consecutive++
	g.cleanStreak = 0

	if g.state == types.PartitionNormal {
		g.transition(types.PartitionPartitioned, "partition signal")
	}
	g.evaluateAttack()
}

// ObserveRecovery records connectivity restoration.
func (g *Guard) ObserveRecovery() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.push(Event{Kind: EventRecovery, At: g.now()})
	g.consecutive = 0
	g.evaluateAttack() // recovery itself can complete a flapping pattern
}

// ObserveRoundOutcome feeds a finalized consensus round back into the
// guard. Clean rounds advance the cooldown; dirty rounds implicate the
// named node (if any) and reset it.
func (g *Guard) ObserveRoundOutcome(clean bool, implicatedNode string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if clean {
		g.consecutive = 0
		g.cleanStreak++
		g.maybeDeescalate()
		return
	}

	g.cleanStreak = 0
	g.push(Event{Kind: EventNodeSuspect, Node: implicatedNode, At: g.now()})
	g.evaluateAttack()
}

// push appends to the sliding window, evicting by size and age.
func (g *Guard) push(e Event) {
	g.window = append(g.window, e)
	if len(g.window) > g.params.WindowSize {
		g.window = g.window[len(g.window)-g.params.WindowSize:]
	}
	cutoff := g.now().Add(-g.params.WindowSpan)
	trimmed := g.window[:0]
	for _, ev := range g.window {
		if ev.At.After(cutoff) {
			trimmed = append(trimmed, ev)
		}
	}
	g.window = trimmed
}

// evaluateAttack runs the detectors. Caller holds g.mu.
func (g *Guard) evaluateAttack() {
	if g.state == types.PartitionAttackSuspected {
		return
	}

	switch {
	case g.consecutive >= g.params.ConsecutiveAnomalies:
		g.escalate("consecutive partition anomalies")
	case g.flapping():
		g.escalate("rapid state flapping")
	case g.periodicTiming():
		g.escalate("machine-regular event timing")
	default:
		if target := g.repeatedTarget(); target != "" {
			g.escalate("repeated targeting of node " + target)
		}
	}
}

func (g *Guard) escalate(reason string) {
	g.escalations++
	g.cleanStreak = 0
	g.transition(types.PartitionAttackSuspected, reason)
}

// maybeDeescalate steps the state machine down after enough clean
// rounds. Leaving ATTACK_SUSPECTED demands a supermajority streak;
// leaving PARTITIONED is cheaper. Caller holds g.mu.
func (g *Guard) maybeDeescalate() {
	switch g.state {
	case types.PartitionAttackSuspected:
		if g.cleanStreak >= g.params.CooldownCleanRounds {
			g.transition(types.PartitionNormal, "cooldown complete")
		}
	case types.PartitionPartitioned:
		if g.cleanStreak >= g.params.PartitionCleanRounds {
			g.transition(types.PartitionNormal, "connectivity stable")
		}
	}
}

func (g *Guard) transition(to types.PartitionState, reason string) {
	if g.state == to {
		return
	}
	g.logger.Warn("partition state transition",
		zap.String("from", g.state.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
	)
	g.state = to
}

// flapping detects rapid alternation between partition and recovery.
func (g *Guard) flapping() bool {
	transitions := 0
	var last EventKind
	seeded := false
	for _, e := range g.window {
		if e.Kind != EventPartitionSignal && e.Kind != EventRecovery {
			continue
		}
		if seeded && e.Kind != last {
			transitions++
		}
		last = e.Kind
		seeded = true
	}
	return transitions >= g.params.FlapCount
}

// periodicTiming detects suspiciously regular event spacing. Organic
// network trouble arrives irregularly; a near-constant interval points
// at an automated probe.
func (g *Guard) periodicTiming() bool {
	var times []time.Time
	for _, e := range g.window {
		if e.Kind == EventPartitionSignal {
			times = append(times, e.At)
		}
	}
	if len(times) < g.params.PeriodicMinEvents {
		return false
	}

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, times[i].Sub(times[i-1]).Seconds())
	}

	var mean float64
	for _, iv := range intervals {
		mean += iv
	}
	mean /= float64(len(intervals))
	if mean <= 0 {
		return false
	}

	var variance float64
	for _, iv := range intervals {
		d := iv - mean
		variance += d * d
	}
	variance /= float64(len(intervals))

	return math.Sqrt(variance)/mean < g.params.PeriodicTolerance
}

// repeatedTarget returns a node implicated in enough window events to
// look deliberately targeted.
func (g *Guard) repeatedTarget() string {
	counts := make(map[string]int)
	for _, e := range g.window {
		if e.Node == "" {
			continue
		}
		counts[e.Node]++
		if counts[e.Node] >= g.params.TargetCount {
			return e.Node
		}
	}
	return ""
}

var _ consensus.PolicyProvider = (*Guard)(nil)
