// Package verifier composes fingerprinting, signature recovery, the quorum
// evaluator and the on-chain status read into one verdict for a package.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/certlane/internal/anchor"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/quorum"
	"github.com/wolfeidau/certlane/internal/signer"
	"github.com/wolfeidau/certlane/internal/telemetry"
)

var ErrInvalidPackage = errors.New("invalid certification package")

// StatusReader reads the on-chain status of a fingerprint. *anchor.Client
// implements it.
type StatusReader interface {
	Read(ctx context.Context, fingerprintHex string) (*anchor.Record, error)
}

// PolicySource resolves the quorum policy pinned by a package.
// *registry.Registry implements it.
type PolicySource interface {
	QuorumPolicy(ctx context.Context, version string) (*models.QuorumPolicy, error)
}

// Verifier checks packages. The registry collaborators are optional; without
// them the quorum verdict is always unknown.
type Verifier struct {
	ledger           StatusReader
	policies         PolicySource
	evaluator        *quorum.Evaluator
	platformIdentity string
	now              func() time.Time
}

type Option func(*Verifier)

// WithRegistry enables the quorum check.
func WithRegistry(resolver quorum.KeyResolver, policies PolicySource) Option {
	return func(v *Verifier) {
		if resolver != nil && policies != nil {
			v.evaluator = quorum.NewEvaluator(resolver)
			v.policies = policies
		}
	}
}

// WithPlatformIdentity pins the address the platform signature must recover
// to. Without it the platform block is only checked against its own key.
func WithPlatformIdentity(address string) Option {
	return func(v *Verifier) {
		v.platformIdentity = strings.TrimSpace(address)
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

func New(ledger StatusReader, opts ...Option) (*Verifier, error) {
	if ledger == nil {
		return nil, anchor.ErrLedgerNotConfigured
	}
	v := &Verifier{
		ledger: ledger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.platformIdentity != "" && !signer.IsAddress(v.platformIdentity) {
		return nil, fmt.Errorf("invalid platform identity %q", v.platformIdentity)
	}
	return v, nil
}

// VerifyJSON verifies a package document as delivered. The fingerprint is
// taken over the raw document, so fields the package type does not know
// about are still covered by the hash and the signatures.
func (v *Verifier) VerifyJSON(ctx context.Context, raw []byte) (*Result, error) {
	var pkg models.CertificationPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}
	fp, err := canonical.ComputeFingerprintJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}
	decoded, err := canonical.ComputeFingerprint(&pkg)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute fingerprint: %w", err)
	}
	return v.run(ctx, &pkg, fp, decoded)
}

// Verify runs every step and records each outcome. Verification failures land
// in Result.Errors; a returned error means a mandatory step could not run.
func (v *Verifier) Verify(ctx context.Context, pkg *models.CertificationPackage) (*Result, error) {
	if pkg == nil {
		return nil, fmt.Errorf("%w: nil package", ErrInvalidPackage)
	}
	fp, err := canonical.ComputeFingerprint(pkg)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute fingerprint: %w", err)
	}
	return v.run(ctx, pkg, fp, fp)
}

// run verifies pkg against fp. decoded is the fingerprint of pkg as parsed;
// it differs from fp when the document carried fields pkg dropped.
func (v *Verifier) run(ctx context.Context, pkg *models.CertificationPackage, fp, decoded string) (*Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "verifier.Verify")
	defer span.End()

	m := telemetry.GetMetrics()
	started := time.Now()

	res, err := v.verify(ctx, pkg, fp, decoded)

	outcome := "error"
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Verified:
		outcome = "verified"
	default:
		outcome = "rejected"
	}
	m.VerificationsTotal.Add(ctx, 1, telemetry.Outcome(outcome))
	m.VerificationDuration.Record(ctx, float64(time.Since(started).Milliseconds()), telemetry.Outcome(outcome))

	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("fingerprint", res.Fingerprint),
		attribute.Bool("verified", res.Verified),
		attribute.String("quorum", string(res.Quorum.State)),
	)

	log.Debug().
		Str("fingerprint", res.Fingerprint).
		Bool("verified", res.Verified).
		Str("on_chain_status", string(res.OnChainStatus)).
		Str("quorum", string(res.Quorum.State)).
		Int("errors", len(res.Errors)).
		Msg("Verified package")

	return res, nil
}

func (v *Verifier) verify(ctx context.Context, pkg *models.CertificationPackage, fp, decoded string) (*Result, error) {
	res := &Result{
		L1SignaturesValid: CheckNotClaimed,
		L2SignatureValid:  CheckNotClaimed,
		Quorum:            QuorumVerdict{State: QuorumUnknown, Reasons: []string{}},
		Errors:            []string{},
		Fingerprint:       fp,
	}

	// 1. fingerprint
	if decoded != fp {
		res.fail("document has fields outside the package schema")
	}

	claimed, err := canonical.ValidateFingerprint(pkg.Anchor.Fingerprint)
	switch {
	case err != nil:
		res.fail("fingerprint mismatch: package fingerprint is malformed: %v", err)
	case claimed != fp:
		res.fail("fingerprint mismatch: computed %s, package claims %s", fp, claimed)
	default:
		res.FingerprintMatch = true
	}

	// 2. platform signature
	res.PlatformSignatureValid = v.checkPlatform(fp, pkg.Signatures.Platform, res)

	// 3 and 4. auditor signatures
	res.L1SignaturesValid = checkL1(ctx, fp, pkg.Signatures.L1Auditors, res)
	res.L2SignatureValid = checkBlock(fp, pkg.Signatures.L2Auditor, "l2", res)

	// 5. quorum, advisory
	res.Quorum = v.checkQuorum(ctx, pkg, res)

	// 6. on-chain status, mandatory
	rec, err := v.ledger.Read(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("failed to read on-chain status: %w", err)
	}
	res.OnChain = rec
	res.OnChainStatus = rec.Status
	switch rec.Status {
	case anchor.StatusValid:
	case anchor.StatusNotFound:
		res.fail("on-chain: fingerprint not anchored")
	case anchor.StatusRevoked:
		res.fail("on-chain: certificate revoked")
	case anchor.StatusSuperseded:
		if rec.SupersededBy != nil {
			res.fail("on-chain: certificate superseded by %s", *rec.SupersededBy)
		} else {
			res.fail("on-chain: certificate superseded")
		}
	default:
		res.fail("on-chain: unexpected status %q", rec.Status)
	}

	if exp := pkg.Certificate.ExpiresAt; exp != nil && v.now().After(*exp) {
		res.Expired = true
		res.fail("certificate expired at %s", exp.UTC().Format(time.RFC3339))
	}

	// 7. verdict
	res.Verified = res.FingerprintMatch &&
		res.PlatformSignatureValid &&
		res.OnChainStatus == anchor.StatusValid &&
		len(res.Errors) == 0

	return res, nil
}

func (v *Verifier) checkPlatform(fp string, block models.SignatureBlock, res *Result) bool {
	if block.IsEmpty() {
		res.fail("platform: signature missing")
		return false
	}
	if !signer.VerifyBlock(fp, block) {
		res.fail("platform: signature does not recover to the declared key")
		return false
	}
	if v.platformIdentity == "" {
		return true
	}
	addr, err := signer.AddressFromPublicKeyHex(*block.PublicKeyHex)
	if err != nil || !strings.EqualFold(addr, v.platformIdentity) {
		res.fail("platform: signer %s is not the platform identity %s", addr, v.platformIdentity)
		return false
	}
	return true
}

// checkL1 verifies every present L1 slot concurrently and joins in slot order.
func checkL1(ctx context.Context, fp string, slots []models.SignatureBlock, res *Result) Check {
	present := make([]bool, len(slots))
	valid := make([]bool, len(slots))

	g, _ := errgroup.WithContext(ctx)
	for i, block := range slots {
		if block.IsEmpty() {
			continue
		}
		present[i] = true
		g.Go(func() error {
			valid[i] = signer.VerifyBlock(fp, block)
			return nil
		})
	}
	_ = g.Wait()

	check := CheckNotClaimed
	for i := range slots {
		if !present[i] {
			continue
		}
		if !valid[i] {
			res.fail("l1 slot %d: signature does not recover to the declared key", i)
			check = CheckInvalid
			continue
		}
		if check == CheckNotClaimed {
			check = CheckValid
		}
	}
	return check
}

func checkBlock(fp string, block models.SignatureBlock, label string, res *Result) Check {
	if block.IsEmpty() {
		return CheckNotClaimed
	}
	if !signer.VerifyBlock(fp, block) {
		res.fail("%s: signature does not recover to the declared key", label)
		return CheckInvalid
	}
	return CheckValid
}

// checkQuorum degrades to unknown when the registry cannot be consulted.
// An unsatisfied quorum is a verification failure.
func (v *Verifier) checkQuorum(ctx context.Context, pkg *models.CertificationPackage, res *Result) QuorumVerdict {
	verdict := QuorumVerdict{State: QuorumUnknown, Reasons: []string{}}

	unknown := func(reason string, err error) QuorumVerdict {
		telemetry.GetMetrics().QuorumUnknownTotal.Add(ctx, 1)
		log.Warn().Err(err).Str("fingerprint", res.Fingerprint).Msg("Quorum check unavailable")
		verdict.Reasons = append(verdict.Reasons, reason)
		return verdict
	}

	if v.evaluator == nil {
		return unknown("registry not configured", nil)
	}

	policy, err := v.policies.QuorumPolicy(ctx, pkg.Policy.AuditPolicyVersion)
	if err != nil {
		return unknown(fmt.Sprintf("policy %q unavailable: %v", pkg.Policy.AuditPolicyVersion, err), err)
	}
	verdict.PolicyVersion = policy.PolicyVersion

	qr, err := v.evaluator.CheckFingerprint(ctx, pkg, res.Fingerprint, policy)
	if err != nil {
		return unknown(fmt.Sprintf("registry unavailable: %v", err), err)
	}
	verdict.Detail = qr

	if qr.Satisfied {
		verdict.State = QuorumSatisfied
		return verdict
	}

	verdict.State = QuorumUnsatisfied
	verdict.Reasons = append(verdict.Reasons, qr.Errors...)
	for _, reason := range qr.Errors {
		res.fail("quorum: %s", reason)
	}
	return verdict
}
