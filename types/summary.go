package types

import (
	"errors"
	"fmt"
	"math"
)

// Errors
var (
	ErrEmptySummary      = errors.New("summary has no dimensions")
	ErrNoSamples         = errors.New("summary has non-positive sample count")
	ErrDimensionMismatch = errors.New("summary mean/variance dimensions differ")
	ErrNonFiniteValue    = errors.New("summary contains NaN or Inf")
	ErrNegativeVariance  = errors.New("summary contains negative variance")
)

// StatSummary is a statistical digest of a node's observed behavior: a
// mean vector, a per-dimension variance vector and the number of samples
// that produced them. The digest is opaque to the aggregation layer
// beyond these numeric fields.
type StatSummary struct {
	Mean        []float64
	Variance    []float64
	SampleCount int64
}

// Dim returns the dimensionality of the summary.
func (s *StatSummary) Dim() int {
	return len(s.Mean)
}

// Validate checks the structural invariants a summary must satisfy before
// it may participate in any computation: at least one dimension, matching
// mean/variance lengths, a positive sample count and only finite,
// non-negative-variance values.
func (s *StatSummary) Validate() error {
	if len(s.Mean) == 0 {
		return ErrEmptySummary
	}
	if len(s.Mean) != len(s.Variance) {
		return fmt.Errorf("%w: mean %d, variance %d", ErrDimensionMismatch, len(s.Mean), len(s.Variance))
	}
	if s.SampleCount <= 0 {
		return fmt.Errorf("%w: %d", ErrNoSamples, s.SampleCount)
	}
	for i, v := range s.Mean {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: mean[%d]", ErrNonFiniteValue, i)
		}
	}
	for i, v := range s.Variance {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: variance[%d]", ErrNonFiniteValue, i)
		}
		if v < 0 {
			return fmt.Errorf("%w: variance[%d] = %g", ErrNegativeVariance, i, v)
		}
	}
	return nil
}

// Copy returns a deep copy of the summary.
func (s *StatSummary) Copy() StatSummary {
	out := StatSummary{SampleCount: s.SampleCount}
	if s.Mean != nil {
		out.Mean = make([]float64, len(s.Mean))
		copy(out.Mean, s.Mean)
	}
	if s.Variance != nil {
		out.Variance = make([]float64, len(s.Variance))
		copy(out.Variance, s.Variance)
	}
	return out
}

// ContentHash returns the SHA-256 hash of the canonical summary encoding.
func (s *StatSummary) ContentHash() Hash {
	return HashBytes(SummaryBytes(s))
}
