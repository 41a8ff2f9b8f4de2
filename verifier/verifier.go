// Package verifier is the admission gate in front of the evidence
// store. Every inbound record passes structural validation, roster
// lookup, signature verification and a freshness check before anything
// downstream is allowed to see it. Rejections are reported to the
// reputation tracker so repeat offenders lose standing.
package verifier

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crestline-labs/baseline/reputation"
	"github.com/crestline-labs/baseline/types"
)

// Errors
var (
	ErrInvalidSignature   = errors.New("evidence signature verification failed")
	ErrUnknownSource      = errors.New("evidence from unregistered source")
	ErrMalformedSummary   = errors.New("evidence summary is malformed")
	ErrStaleEvidence      = errors.New("evidence timestamp outside freshness window")
	ErrSourceNotPermitted = errors.New("source is not permitted to submit evidence")
)

// KeyLookup resolves a source ID to its registered public key and
// submission permission.
type KeyLookup interface {
	PublicKeyOf(id string) (types.PublicKey, error)
	Lookup(id string) (*Permit, error)
}

// Permit is the slice of roster data the verifier needs.
type Permit struct {
	PublicKey types.PublicKey
	CanSubmit bool
}

// Reporter receives verification outcomes for reputation accounting.
type Reporter interface {
	Penalize(id string, sev reputation.Severity, reason string) float64
	Observe(id string) float64
}

// FreshnessPolicy supplies the admission window for a data class. The
// partition guard implements this with jittered windows.
type FreshnessPolicy interface {
	StalenessWindow(class types.DataClass) time.Duration
}

// fixedFreshness is the fallback policy when no guard is wired.
type fixedFreshness struct{ window time.Duration }

func (f fixedFreshness) StalenessWindow(types.DataClass) time.Duration { return f.window }

// FixedFreshness returns a policy with one constant window for all
// data classes.
func FixedFreshness(window time.Duration) FreshnessPolicy {
	return fixedFreshness{window: window}
}

// Verifier validates inbound evidence records.
type Verifier struct {
	domain    string
	keys      KeyLookup
	reporter  Reporter
	freshness FreshnessPolicy
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithFreshness sets the freshness policy.
func WithFreshness(p FreshnessPolicy) Option {
	return func(v *Verifier) { v.freshness = p }
}

// New creates a verifier. The domain string is mixed into every
// sign-bytes computation so signatures cannot be replayed across
// deployments.
func New(domain string, keys KeyLookup, reporter Reporter, logger *zap.Logger, opts ...Option) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Verifier{
		domain:    domain,
		keys:      keys,
		reporter:  reporter,
		freshness: FixedFreshness(5 * time.Second),
		logger:    logger.Named("verifier"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the full admission pipeline on a record. A nil error
// means the record is structurally sound, from a registered and
// permitted source, authentically signed and fresh. The check order is
// deliberate: cheap structural checks run before the roster lookup,
// and the signature is verified before freshness so a stale-looking
// record with a bad signature is penalized as forgery, not staleness.
func (v *Verifier) Verify(r *types.EvidenceRecord, class types.DataClass) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrMalformedSummary)
	}
	if err := r.ValidateBasic(); err != nil {
		switch {
		case errors.Is(err, types.ErrMissingSource):
			return fmt.Errorf("%w: %v", ErrUnknownSource, err)
		case errors.Is(err, types.ErrMissingSignature):
			// No source to penalize reliably, but the source field may
			// still be present.
			v.penalize(r.SourceID, reputation.SeveritySevere, "unsigned evidence")
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			v.penalize(r.SourceID, reputation.SeverityMinor, "malformed summary")
			return fmt.Errorf("%w: %v", ErrMalformedSummary, err)
		}
	}

	permit, err := v.keys.Lookup(r.SourceID)
	if err != nil {
		v.logger.Warn("evidence from unknown source", zap.String("source", r.SourceID))
		return fmt.Errorf("%w: %s", ErrUnknownSource, r.SourceID)
	}
	if !permit.CanSubmit {
		v.penalize(r.SourceID, reputation.SeverityMinor, "submission without permit")
		return fmt.Errorf("%w: %s", ErrSourceNotPermitted, r.SourceID)
	}

	if err := types.VerifyRecordSignature(v.domain, r, permit.PublicKey); err != nil {
		v.penalize(r.SourceID, reputation.SeveritySevere, "signature verification failed")
		v.logger.Warn("evidence signature rejected",
			zap.String("source", r.SourceID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	window := v.freshness.StalenessWindow(class)
	age := v.now().Sub(time.Unix(0, r.Timestamp))
	if age > window || age < -window {
		v.penalize(r.SourceID, reputation.SeverityMinor, "stale evidence")
		return fmt.Errorf("%w: age %v exceeds window %v", ErrStaleEvidence, age, window)
	}

	if v.reporter != nil {
		v.reporter.Observe(r.SourceID)
	}
	return nil
}

// VerifyVote checks a consensus vote signature against the roster.
// Vote admission beyond the signature (nonce uniqueness, equivocation)
// belongs to the vote set.
func (v *Verifier) VerifyVote(vote *types.ConsensusVote) error {
	if vote == nil {
		return fmt.Errorf("%w: nil vote", types.ErrInvalidVote)
	}
	if err := vote.ValidateBasic(); err != nil {
		return err
	}

	pub, err := v.keys.PublicKeyOf(vote.ValidatorID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownSource, vote.ValidatorID)
	}
	if err := types.VerifyVoteSignature(v.domain, vote, pub); err != nil {
		v.penalize(vote.ValidatorID, reputation.SeveritySevere, "vote signature verification failed")
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func (v *Verifier) penalize(id string, sev reputation.Severity, reason string) {
	if v.reporter == nil || id == "" {
		return
	}
	v.reporter.Penalize(id, sev, reason)
}
