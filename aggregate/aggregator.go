package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crestline-labs/baseline/audit"
	"github.com/crestline-labs/baseline/types"
)

// DefaultValidityRatio is the fraction of children that must verify
// before an aggregation may proceed. An attacker must control more
// than one minus this fraction of a level's children to corrupt it
// without tripping rejection.
const DefaultValidityRatio = 0.8

// ChildVerifier re-checks a leaf record at aggregation time. The
// admission verifier implements this; it also owns the reputation
// penalty for a failing child, so the aggregator never penalizes the
// same offense twice.
type ChildVerifier interface {
	Verify(r *types.EvidenceRecord, class types.DataClass) error
}

// WeightProvider supplies the trust weight of a source.
type WeightProvider interface {
	WeightOf(id string) float64
}

// TrailRecorder commits an aggregation step to the audit trail.
type TrailRecorder interface {
	RecordStep(level types.Level, epoch uint64, inputs []types.Hash, outputHash types.Hash, timestamp int64) (*audit.Step, error)
}

// Topology assigns sources to groups and groups to regions.
type Topology struct {
	GroupOf  func(sourceID string) string
	RegionOf func(group string) string
}

// ShardedTopology spreads sources across a fixed number of groups and
// regions by stable hash, so assignment survives restarts without any
// coordination state.
func ShardedTopology(groups, regions int) Topology {
	if groups < 1 {
		groups = 1
	}
	if regions < 1 {
		regions = 1
	}
	return Topology{
		GroupOf: func(sourceID string) string {
			return fmt.Sprintf("group-%02d", xxhash.Sum64String(sourceID)%uint64(groups))
		},
		RegionOf: func(group string) string {
			return fmt.Sprintf("region-%02d", xxhash.Sum64String(group)%uint64(regions))
		},
	}
}

// Output is one accepted aggregate, ready for consensus.
type Output struct {
	NodeID        NodeID
	Level         types.Level
	Name          string
	Epoch         uint64
	Summary       types.StatSummary
	ContentHash   types.Hash
	ValidityRatio float64
	AuditStep     *audit.Step
	// InputHashes are the verified child hashes in merkle leaf order,
	// retained so inclusion proofs against the step's input root can be
	// issued after the fact.
	InputHashes []types.Hash
}

// Rejection records a level node that failed the validity gate.
type Rejection struct {
	Level         types.Level
	Name          string
	ValidityRatio float64
	Implicated    []string // names of children that failed verification
}

// EpochResult is everything one epoch's tree pass produced.
type EpochResult struct {
	Arena    *Arena
	Accepted []Output
	Rejected []Rejection
	Global   *Output // nil when the global aggregation was rejected
}

// Aggregator runs the bottom-up tree pass.
type Aggregator struct {
	verifier      ChildVerifier
	weights       WeightProvider
	trail         TrailRecorder
	topology      Topology
	validityRatio float64
	logger        *zap.Logger
	now           func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithValidityRatio overrides the validity gate.
func WithValidityRatio(ratio float64) Option {
	return func(a *Aggregator) {
		if ratio > 0 && ratio <= 1 {
			a.validityRatio = ratio
		}
	}
}

// WithTopology overrides source grouping.
func WithTopology(t Topology) Option {
	return func(a *Aggregator) { a.topology = t }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an aggregator.
func New(verifier ChildVerifier, weights WeightProvider, trail TrailRecorder, logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		verifier:      verifier,
		weights:       weights,
		trail:         trail,
		topology:      ShardedTopology(1, 1),
		validityRatio: DefaultValidityRatio,
		logger:        logger.Named("aggregate"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// child is one verified-or-not input to a level aggregation.
type child struct {
	name    string
	hash    types.Hash
	summary types.StatSummary
	weight  float64
	valid   bool
	node    NodeID // NilNode for raw leaves until allocated
}

// BuildEpoch runs the full tree pass over the working evidence set:
// leaves are verified and grouped, each group pools its valid leaves,
// regions pool their accepted groups, and the global node pools the
// accepted regions. A node that fails the validity gate is recorded
// and never propagates; its siblings are unaffected.
func (a *Aggregator) BuildEpoch(ctx context.Context, epoch uint64, records []*types.EvidenceRecord) (*EpochResult, error) {
	if len(records) == 0 {
		return nil, ErrNoChildren
	}

	result := &EpochResult{Arena: NewArena(epoch)}

	// Leaf verification fans out per group. The validity gate runs over
	// a level's own direct inputs: a group that fails its gate simply
	// never arrives at its region, it does not drag the region's ratio
	// down with it.
	groups := a.groupLeaves(ctx, records)

	groupChildren := make(map[string][]child) // region -> accepted group nodes
	for _, name := range sortedKeys(groups) {
		out, rej, err := a.aggregateLevel(types.LevelGroup, name, epoch, groups[name], result.Arena)
		if err != nil {
			if rej != nil {
				result.Rejected = append(result.Rejected, *rej)
				a.logger.Warn("group aggregation rejected",
					zap.String("group", name),
					zap.Float64("validity_ratio", rej.ValidityRatio),
					zap.Strings("implicated", rej.Implicated),
				)
				continue
			}
			return nil, err
		}
		result.Accepted = append(result.Accepted, *out)
		region := a.topology.RegionOf(name)
		groupChildren[region] = append(groupChildren[region], child{
			name:    name,
			hash:    out.ContentHash,
			summary: out.Summary,
			weight:  sumWeight(groups[name]),
			valid:   true,
			node:    out.NodeID,
		})
	}

	var regionChildren []child
	for _, region := range sortedKeys(groupChildren) {
		out, rej, err := a.aggregateLevel(types.LevelRegion, region, epoch, groupChildren[region], result.Arena)
		if err != nil {
			if rej != nil {
				result.Rejected = append(result.Rejected, *rej)
				continue
			}
			return nil, err
		}
		result.Accepted = append(result.Accepted, *out)
		regionChildren = append(regionChildren, child{
			name:    region,
			hash:    out.ContentHash,
			summary: out.Summary,
			weight:  sumWeight(groupChildren[region]),
			valid:   true,
			node:    out.NodeID,
		})
	}

	if len(regionChildren) == 0 {
		return result, fmt.Errorf("%w: no region survived aggregation", ErrInsufficientValidInputs)
	}

	out, rej, err := a.aggregateLevel(types.LevelGlobal, "global", epoch, regionChildren, result.Arena)
	if err != nil {
		if rej != nil {
			result.Rejected = append(result.Rejected, *rej)
			return result, fmt.Errorf("%w: global validity ratio %.3f", ErrInsufficientValidInputs, rej.ValidityRatio)
		}
		return nil, err
	}
	result.Accepted = append(result.Accepted, *out)
	result.Global = out
	return result, nil
}

// groupLeaves verifies every record concurrently and buckets the
// outcomes by group. Verification failures stay in the bucket as
// invalid children so the group's validity ratio sees them.
func (a *Aggregator) groupLeaves(ctx context.Context, records []*types.EvidenceRecord) map[string][]child {
	children := make([]child, len(records))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, r := range records {
		g.Go(func() error {
			c := child{name: r.SourceID, hash: r.ContentHash(), node: NilNode}
			if err := a.verifier.Verify(r, types.DataBaseline); err != nil {
				a.logger.Debug("leaf rejected", zap.String("source", r.SourceID), zap.Error(err))
			} else {
				trust := a.weights.WeightOf(r.SourceID)
				c.summary = r.Summary
				c.weight = trust * float64(r.Summary.SampleCount)
				c.valid = c.weight > 0
			}
			children[i] = c
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	groups := make(map[string][]child)
	for i, c := range children {
		group := a.topology.GroupOf(records[i].SourceID)
		groups[group] = append(groups[group], c)
	}
	return groups
}

// aggregateLevel runs the validity gate, the pooled combine and the
// audit step for one node. On a gate failure it returns a Rejection
// alongside ErrInsufficientValidInputs.
func (a *Aggregator) aggregateLevel(level types.Level, name string, epoch uint64, children []child, arena *Arena) (*Output, *Rejection, error) {
	if len(children) == 0 {
		return nil, nil, ErrNoChildren
	}

	var (
		inputs     []WeightedInput
		hashes     []types.Hash
		implicated []string
	)
	for _, c := range children {
		if !c.valid {
			implicated = append(implicated, c.name)
			continue
		}
		inputs = append(inputs, WeightedInput{Summary: c.summary, Weight: c.weight})
		hashes = append(hashes, c.hash)
	}

	ratio := float64(len(inputs)) / float64(len(children))
	if ratio < a.validityRatio {
		return nil, &Rejection{
			Level:         level,
			Name:          name,
			ValidityRatio: ratio,
			Implicated:    implicated,
		}, ErrInsufficientValidInputs
	}

	summary, err := PoolSummaries(inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("pooling %s/%s: %w", level, name, err)
	}

	contentHash := nodeContentHash(level, name, epoch, &summary)
	step, err := a.trail.RecordStep(level, epoch, hashes, contentHash, a.now().UnixNano())
	if err != nil {
		// An unrecordable step must not publish.
		return nil, nil, err
	}

	id := arena.Alloc(Node{
		Level:         level,
		Name:          name,
		Summary:       summary,
		Weight:        sumWeight(children),
		ContentHash:   contentHash,
		ValidityRatio: ratio,
		AuditRoot:     step.InputRoot,
	})

	// Link the surviving children so the arena holds the full decided
	// tree, with leaf nodes allocated on first use.
	for _, c := range children {
		if !c.valid {
			continue
		}
		childID := c.node
		if childID == NilNode {
			childID = arena.Alloc(Node{
				Level:       types.LevelIndividual,
				Name:        c.name,
				Summary:     c.summary,
				Weight:      c.weight,
				ContentHash: c.hash,
			})
		}
		if err := arena.SetParent(childID, id); err != nil {
			return nil, nil, err
		}
	}

	return &Output{
		NodeID:        id,
		Level:         level,
		Name:          name,
		Epoch:         epoch,
		Summary:       summary,
		ContentHash:   contentHash,
		ValidityRatio: ratio,
		AuditStep:     step,
		InputHashes:   hashes,
	}, nil, nil
}

// nodeContentHash commits to a node's identity and pooled summary.
func nodeContentHash(level types.Level, name string, epoch uint64, s *types.StatSummary) types.Hash {
	b := make([]byte, 0, 64+16*len(s.Mean))
	b = append(b, byte(level))
	b = append(b, name...)
	b = append(b, byte(epoch>>56), byte(epoch>>48), byte(epoch>>40), byte(epoch>>32),
		byte(epoch>>24), byte(epoch>>16), byte(epoch>>8), byte(epoch))
	b = types.AppendSummary(b, s)
	return types.HashBytes(b)
}

func sumWeight(children []child) float64 {
	var total float64
	for _, c := range children {
		if c.valid {
			total += c.weight
		}
	}
	return total
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
