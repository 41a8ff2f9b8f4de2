package types

import (
	"crypto/ed25519"
	"errors"
	"math"
	"testing"
)

const testDomain = "baseline-test"

func makeTestRecord(t *testing.T, source string) (*EvidenceRecord, PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	r := &EvidenceRecord{
		SourceID: source,
		Summary: StatSummary{
			Mean:        []float64{1.5, -0.25},
			Variance:    []float64{0.5, 0.75},
			SampleCount: 100,
		},
		Timestamp: 42,
	}
	SignRecord(testDomain, r, priv)
	pk, _ := NewPublicKey(pub)
	return r, pk
}

func TestRecordSignVerify(t *testing.T) {
	r, pk := makeTestRecord(t, "node-1")
	if err := VerifyRecordSignature(testDomain, r, pk); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
}

func TestRecordTamperDetected(t *testing.T) {
	r, pk := makeTestRecord(t, "node-1")

	tampered := r.Copy()
	tampered.Summary.Mean[0] += 0.001
	if err := VerifyRecordSignature(testDomain, tampered, pk); !errors.Is(err, ErrBadRecordSignature) {
		t.Errorf("tampered summary: expected ErrBadRecordSignature, got %v", err)
	}

	tampered = r.Copy()
	tampered.Timestamp++
	if err := VerifyRecordSignature(testDomain, tampered, pk); !errors.Is(err, ErrBadRecordSignature) {
		t.Errorf("tampered timestamp: expected ErrBadRecordSignature, got %v", err)
	}

	tampered = r.Copy()
	tampered.SourceID = "node-2"
	if err := VerifyRecordSignature(testDomain, tampered, pk); !errors.Is(err, ErrBadRecordSignature) {
		t.Errorf("reassigned source: expected ErrBadRecordSignature, got %v", err)
	}
}

func TestRecordDomainSeparation(t *testing.T) {
	r, pk := makeTestRecord(t, "node-1")
	if err := VerifyRecordSignature("other-deployment", r, pk); !errors.Is(err, ErrBadRecordSignature) {
		t.Errorf("cross-domain replay: expected ErrBadRecordSignature, got %v", err)
	}
}

func TestRecordContentHashIgnoresSignature(t *testing.T) {
	r, _ := makeTestRecord(t, "node-1")
	h1 := r.ContentHash()
	r.Signature = nil
	h2 := r.ContentHash()
	if !h1.Equal(h2) {
		t.Error("content hash must not depend on signature")
	}
}

func TestRecordCopyIsDeep(t *testing.T) {
	r, _ := makeTestRecord(t, "node-1")
	c := r.Copy()
	c.Summary.Mean[0] = 999
	c.Signature[0] ^= 0xFF
	if r.Summary.Mean[0] == 999 {
		t.Error("copy shares mean slice")
	}
	if r.Signature[0] == c.Signature[0] {
		t.Error("copy shares signature")
	}
}

func TestSummaryValidate(t *testing.T) {
	cases := []struct {
		name    string
		summary StatSummary
		wantErr error
	}{
		{"valid", StatSummary{Mean: []float64{1}, Variance: []float64{1}, SampleCount: 1}, nil},
		{"empty", StatSummary{}, ErrEmptySummary},
		{"zero samples", StatSummary{Mean: []float64{1}, Variance: []float64{1}}, ErrNoSamples},
		{"negative samples", StatSummary{Mean: []float64{1}, Variance: []float64{1}, SampleCount: -5}, ErrNoSamples},
		{"dim mismatch", StatSummary{Mean: []float64{1, 2}, Variance: []float64{1}, SampleCount: 1}, ErrDimensionMismatch},
		{"nan mean", StatSummary{Mean: []float64{math.NaN()}, Variance: []float64{1}, SampleCount: 1}, ErrNonFiniteValue},
		{"inf variance", StatSummary{Mean: []float64{1}, Variance: []float64{math.Inf(1)}, SampleCount: 1}, ErrNonFiniteValue},
		{"negative variance", StatSummary{Mean: []float64{1}, Variance: []float64{-0.1}, SampleCount: 1}, ErrNegativeVariance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.summary.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCanonicalEncodingStable(t *testing.T) {
	s := StatSummary{Mean: []float64{0.1, 0.2}, Variance: []float64{0.01, 0.02}, SampleCount: 7}
	a := SummaryBytes(&s)
	b := SummaryBytes(&s)
	if string(a) != string(b) {
		t.Error("canonical encoding must be deterministic")
	}

	s2 := s.Copy()
	s2.Mean[1] = 0.20000001
	if string(SummaryBytes(&s2)) == string(a) {
		t.Error("distinct values must encode differently")
	}
}
