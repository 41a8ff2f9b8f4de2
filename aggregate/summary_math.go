// Package aggregate combines verified evidence bottom-up through the
// individual -> group -> region -> global tree. Each level pools its
// children's summaries with weight = trust * sample_count, gates on the
// fraction of children that verified, and commits the step to the audit
// trail before the result may propagate upward.
package aggregate

import (
	"errors"
	"fmt"

	"github.com/crestline-labs/baseline/types"
)

// Errors
var (
	ErrNoChildren              = errors.New("aggregation requires at least one child")
	ErrInsufficientValidInputs = errors.New("too few children passed verification")
	ErrZeroWeight              = errors.New("no aggregation weight among valid children")
)

// WeightedInput is one child summary entering a pooled combine.
type WeightedInput struct {
	Summary types.StatSummary
	Weight  float64 // trust * sample_count, must be > 0
}

// pooledAccumulator merges weighted summaries incrementally. The merge
// keeps a running weighted M2 per dimension so variance never goes
// through a catastrophic large-mean subtraction.
type pooledAccumulator struct {
	weight  float64
	mean    []float64
	m2      []float64
	samples int64
}

func newPooledAccumulator(dim int) *pooledAccumulator {
	return &pooledAccumulator{
		mean: make([]float64, dim),
		m2:   make([]float64, dim),
	}
}

func (a *pooledAccumulator) add(in WeightedInput) error {
	if len(in.Summary.Mean) != len(a.mean) {
		return fmt.Errorf("%w: got %d dims, want %d",
			types.ErrDimensionMismatch, len(in.Summary.Mean), len(a.mean))
	}
	if in.Weight <= 0 {
		return ErrZeroWeight
	}

	wa, wb := a.weight, in.Weight
	total := wa + wb
	for d := range a.mean {
		delta := in.Summary.Mean[d] - a.mean[d]
		a.mean[d] += delta * wb / total
		a.m2[d] += wb*in.Summary.Variance[d] + delta*delta*wa*wb/total
	}
	a.weight = total
	a.samples += in.Summary.SampleCount
	return nil
}

func (a *pooledAccumulator) summary() types.StatSummary {
	out := types.StatSummary{
		Mean:        make([]float64, len(a.mean)),
		Variance:    make([]float64, len(a.m2)),
		SampleCount: a.samples,
	}
	copy(out.Mean, a.mean)
	for d, m2 := range a.m2 {
		out.Variance[d] = m2 / a.weight
	}
	return out
}

// PoolSummaries combines weighted summaries into one pooled summary.
// All inputs must share a dimension and carry positive weight.
func PoolSummaries(inputs []WeightedInput) (types.StatSummary, error) {
	if len(inputs) == 0 {
		return types.StatSummary{}, ErrNoChildren
	}

	acc := newPooledAccumulator(len(inputs[0].Summary.Mean))
	for _, in := range inputs {
		if err := acc.add(in); err != nil {
			return types.StatSummary{}, err
		}
	}
	return acc.summary(), nil
}
