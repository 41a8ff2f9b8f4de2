package aggregate

import (
	"errors"
	"math"
	"testing"

	"github.com/crestline-labs/baseline/types"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestPoolEmptyRejected(t *testing.T) {
	if _, err := PoolSummaries(nil); !errors.Is(err, ErrNoChildren) {
		t.Errorf("expected ErrNoChildren, got %v", err)
	}
}

func TestPoolSingleInputIdentity(t *testing.T) {
	in := WeightedInput{
		Summary: types.StatSummary{Mean: []float64{3.0}, Variance: []float64{2.0}, SampleCount: 7},
		Weight:  4.2,
	}
	out, err := PoolSummaries([]WeightedInput{in})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if !almostEqual(out.Mean[0], 3.0, 1e-12) || !almostEqual(out.Variance[0], 2.0, 1e-12) {
		t.Errorf("single input must pass through: %+v", out)
	}
	if out.SampleCount != 7 {
		t.Errorf("expected sample count 7, got %d", out.SampleCount)
	}
}

func TestPooledMeanIsWeightedMean(t *testing.T) {
	inputs := []WeightedInput{
		{Summary: types.StatSummary{Mean: []float64{1.0}, Variance: []float64{0.0}, SampleCount: 1}, Weight: 1},
		{Summary: types.StatSummary{Mean: []float64{4.0}, Variance: []float64{0.0}, SampleCount: 1}, Weight: 3},
	}
	out, err := PoolSummaries(inputs)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	// (1*1 + 4*3) / 4 = 3.25
	if !almostEqual(out.Mean[0], 3.25, 1e-12) {
		t.Errorf("expected mean 3.25, got %v", out.Mean[0])
	}
}

func TestPooledVarianceIncludesBetweenGroupSpread(t *testing.T) {
	// Two zero-variance inputs at different means: the pooled variance
	// is exactly the spread between them.
	inputs := []WeightedInput{
		{Summary: types.StatSummary{Mean: []float64{-1.0}, Variance: []float64{0.0}, SampleCount: 10}, Weight: 1},
		{Summary: types.StatSummary{Mean: []float64{1.0}, Variance: []float64{0.0}, SampleCount: 10}, Weight: 1},
	}
	out, err := PoolSummaries(inputs)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if !almostEqual(out.Mean[0], 0.0, 1e-12) {
		t.Errorf("expected mean 0, got %v", out.Mean[0])
	}
	if !almostEqual(out.Variance[0], 1.0, 1e-12) {
		t.Errorf("expected variance 1, got %v", out.Variance[0])
	}
}

func TestPoolOrderIndependent(t *testing.T) {
	mk := func(mean, variance, weight float64) WeightedInput {
		return WeightedInput{
			Summary: types.StatSummary{Mean: []float64{mean}, Variance: []float64{variance}, SampleCount: 5},
			Weight:  weight,
		}
	}
	forward := []WeightedInput{mk(1, 0.5, 2), mk(7, 1.5, 1), mk(-3, 0.1, 4)}
	backward := []WeightedInput{forward[2], forward[1], forward[0]}

	a, err := PoolSummaries(forward)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	b, err := PoolSummaries(backward)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if !almostEqual(a.Mean[0], b.Mean[0], 1e-9) || !almostEqual(a.Variance[0], b.Variance[0], 1e-9) {
		t.Errorf("combine order changed the result: %+v vs %+v", a, b)
	}
}

func TestPoolStableAtLargeMeans(t *testing.T) {
	// Large offset, small spread. A naive sum-of-squares combine loses
	// the variance entirely here.
	const offset = 1e9
	inputs := []WeightedInput{
		{Summary: types.StatSummary{Mean: []float64{offset - 1}, Variance: []float64{0.0}, SampleCount: 1000}, Weight: 1},
		{Summary: types.StatSummary{Mean: []float64{offset + 1}, Variance: []float64{0.0}, SampleCount: 1000}, Weight: 1},
	}
	out, err := PoolSummaries(inputs)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if !almostEqual(out.Variance[0], 1.0, 1e-6) {
		t.Errorf("variance lost precision at large means: got %v", out.Variance[0])
	}
}

func TestPoolDimensionMismatch(t *testing.T) {
	inputs := []WeightedInput{
		{Summary: types.StatSummary{Mean: []float64{1, 2}, Variance: []float64{0, 0}, SampleCount: 1}, Weight: 1},
		{Summary: types.StatSummary{Mean: []float64{1}, Variance: []float64{0}, SampleCount: 1}, Weight: 1},
	}
	if _, err := PoolSummaries(inputs); !errors.Is(err, types.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestPoolRejectsZeroWeight(t *testing.T) {
	inputs := []WeightedInput{
		{Summary: types.StatSummary{Mean: []float64{1}, Variance: []float64{0}, SampleCount: 1}, Weight: 0},
	}
	if _, err := PoolSummaries(inputs); !errors.Is(err, ErrZeroWeight) {
		t.Errorf("expected ErrZeroWeight, got %v", err)
	}
}

func TestLowTrustInputBarelyMoves(t *testing.T) {
	// A floor-trust poisoned input against healthy weight: the pooled
	// mean stays within a tight bound of the honest mean.
	honest := WeightedInput{
		Summary: types.StatSummary{Mean: []float64{10.0}, Variance: []float64{1.0}, SampleCount: 100},
		Weight:  100, // trust 1.0 * 100 samples
	}
	poisoned := WeightedInput{
		Summary: types.StatSummary{Mean: []float64{1000.0}, Variance: []float64{1.0}, SampleCount: 100},
		Weight:  0.1, // trust 0.001 * 100 samples
	}
	out, err := PoolSummaries([]WeightedInput{honest, poisoned})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if math.Abs(out.Mean[0]-10.0) > 1.0 {
		t.Errorf("floor-trust input moved the mean too far: %v", out.Mean[0])
	}
}
