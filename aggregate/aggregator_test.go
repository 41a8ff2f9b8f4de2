package aggregate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/crestline-labs/baseline/audit"
	"github.com/crestline-labs/baseline/journal"
	"github.com/crestline-labs/baseline/types"
)

type fakeVerifier struct {
	bad map[string]bool
}

func (f *fakeVerifier) Verify(r *types.EvidenceRecord, _ types.DataClass) error {
	if f.bad[r.SourceID] {
		return errors.New("signature verification failed")
	}
	return nil
}

type fakeWeights struct {
	weights map[string]float64
}

func (f *fakeWeights) WeightOf(id string) float64 {
	if w, ok := f.weights[id]; ok {
		return w
	}
	return 1.0
}

func testRecords(prefix string, n int, mean float64) []*types.EvidenceRecord {
	records := make([]*types.EvidenceRecord, n)
	for i := range records {
		records[i] = &types.EvidenceRecord{
			SourceID: fmt.Sprintf("%s-%02d", prefix, i),
			Summary: types.StatSummary{
				Mean:        []float64{mean},
				Variance:    []float64{1.0},
				SampleCount: 10,
			},
			Timestamp: int64(i),
			Signature: make(types.Signature, types.SignatureSize),
		}
	}
	return records
}

func newTestAggregator(t *testing.T, bad map[string]bool, opts ...Option) *Aggregator {
	t.Helper()
	trail, err := audit.NewBuilder(&journal.Nop{}, nil)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	return New(&fakeVerifier{bad: bad}, &fakeWeights{}, trail, nil, opts...)
}

func TestTenHonestTwoForgedProceeds(t *testing.T) {
	records := testRecords("src", 12, 5.0)
	bad := map[string]bool{"src-00": true, "src-01": true}

	agg := newTestAggregator(t, bad)
	result, err := agg.BuildEpoch(context.Background(), 1, records)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if result.Global == nil {
		t.Fatal("expected a global aggregate")
	}
	// 10 of 12 leaves valid: 0.833 clears the 0.8 gate.
	groups := result.Arena.AtLevel(types.LevelGroup)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group node, got %d", len(groups))
	}
	node := result.Arena.MustGet(groups[0])
	if node.ValidityRatio < 0.83 || node.ValidityRatio > 0.84 {
		t.Errorf("expected validity ratio 0.833, got %v", node.ValidityRatio)
	}
	if node.Summary.SampleCount != 100 {
		t.Errorf("expected 100 pooled samples from 10 valid leaves, got %d", node.Summary.SampleCount)
	}
}

func TestHalfForgedRejected(t *testing.T) {
	records := testRecords("src", 10, 5.0)
	bad := make(map[string]bool)
	for i := 0; i < 5; i++ {
		bad[fmt.Sprintf("src-%02d", i)] = true
	}

	agg := newTestAggregator(t, bad)
	_, err := agg.BuildEpoch(context.Background(), 1, records)
	if !errors.Is(err, ErrInsufficientValidInputs) {
		t.Fatalf("expected ErrInsufficientValidInputs, got %v", err)
	}
}

func TestRejectedGroupDoesNotCorruptSibling(t *testing.T) {
	// Two groups: one fully honest, one fully forged. The honest group
	// must aggregate normally; the tree must record the other's
	// rejection without letting it poison the pooled values.
	honest := testRecords("good", 5, 5.0)
	forged := testRecords("evil", 5, 1000.0)
	bad := make(map[string]bool)
	for _, r := range forged {
		bad[r.SourceID] = true
	}

	topo := Topology{
		GroupOf: func(sourceID string) string {
			if bad[sourceID] {
				return "group-evil"
			}
			return "group-good"
		},
		RegionOf: func(string) string { return "region-00" },
	}

	agg := newTestAggregator(t, bad, WithTopology(topo))
	result, err := agg.BuildEpoch(context.Background(), 1, append(honest, forged...))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	foundRejected := false
	for _, rej := range result.Rejected {
		if rej.Name == "group-evil" {
			foundRejected = true
			if len(rej.Implicated) != 5 {
				t.Errorf("expected 5 implicated sources, got %d", len(rej.Implicated))
			}
		}
	}
	if !foundRejected {
		t.Error("forged group's rejection not recorded")
	}

	if result.Global == nil {
		t.Fatal("expected a global aggregate from the honest branch")
	}
	if result.Global.Summary.Mean[0] != 5.0 {
		t.Errorf("forged branch leaked into the global mean: %v", result.Global.Summary.Mean[0])
	}
}

func TestAuditStepsChainPerEpoch(t *testing.T) {
	trail, err := audit.NewBuilder(&journal.Nop{}, nil)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	agg := New(&fakeVerifier{}, &fakeWeights{}, trail, nil)

	result, err := agg.BuildEpoch(context.Background(), 1, testRecords("src", 4, 2.0))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// group, region, global: three chained steps.
	if len(result.Accepted) != 3 {
		t.Fatalf("expected 3 accepted levels, got %d", len(result.Accepted))
	}
	for i := 1; i < len(result.Accepted); i++ {
		prev, cur := result.Accepted[i-1].AuditStep, result.Accepted[i].AuditStep
		if !cur.PrevHash.Equal(prev.Hash()) {
			t.Errorf("step %d does not chain from step %d", i, i-1)
		}
	}
	if result.Global.AuditStep.Level != types.LevelGlobal {
		t.Errorf("last step should be global, got %s", result.Global.AuditStep.Level)
	}
}

func TestTrustWeightsShapeThePool(t *testing.T) {
	records := testRecords("src", 2, 0)
	records[0].Summary.Mean[0] = 0.0
	records[1].Summary.Mean[0] = 10.0

	weights := &fakeWeights{weights: map[string]float64{
		"src-00": 1.0,
		"src-01": 0.001, // floor trust
	}}
	trail, err := audit.NewBuilder(&journal.Nop{}, nil)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	agg := New(&fakeVerifier{}, weights, trail, nil)

	result, err := agg.BuildEpoch(context.Background(), 1, records)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if result.Global.Summary.Mean[0] > 0.1 {
		t.Errorf("floor-trust source dominated the pool: %v", result.Global.Summary.Mean[0])
	}
}

func TestArenaLinksDecidedTree(t *testing.T) {
	agg := newTestAggregator(t, nil)
	result, err := agg.BuildEpoch(context.Background(), 1, testRecords("src", 4, 2.0))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	leaves := result.Arena.AtLevel(types.LevelIndividual)
	if len(leaves) != 4 {
		t.Fatalf("expected 4 leaf nodes, got %d", len(leaves))
	}
	group := result.Arena.MustGet(result.Arena.AtLevel(types.LevelGroup)[0])
	if len(group.Children) != 4 {
		t.Errorf("expected 4 children under the group, got %d", len(group.Children))
	}
	for _, id := range leaves {
		if result.Arena.MustGet(id).Parent != group.ID {
			t.Errorf("leaf %d not parented to the group", id)
		}
	}

	global := result.Arena.MustGet(result.Global.NodeID)
	if global.Parent != NilNode {
		t.Error("global node must be the unparented root")
	}
	region := result.Arena.MustGet(global.Children[0])
	if region.Level != types.LevelRegion || region.Parent != global.ID {
		t.Error("region not linked under global")
	}
	if group.Parent != region.ID {
		t.Error("group not linked under region")
	}
}

func TestEmptyEpochRejected(t *testing.T) {
	agg := newTestAggregator(t, nil)
	if _, err := agg.BuildEpoch(context.Background(), 1, nil); !errors.Is(err, ErrNoChildren) {
		t.Errorf("expected ErrNoChildren, got %v", err)
	}
}

func TestShardedTopologyStable(t *testing.T) {
	topo := ShardedTopology(4, 2)
	a := topo.GroupOf("src-1")
	for i := 0; i < 10; i++ {
		if topo.GroupOf("src-1") != a {
			t.Fatal("group assignment must be stable")
		}
	}
}
