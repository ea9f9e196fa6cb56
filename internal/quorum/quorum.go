// Package quorum decides whether a package's auditor signatures satisfy a
// quorum policy, resolving each signer through the registry at issuance time.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/registry"
	"github.com/wolfeidau/certlane/internal/signer"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentLookups bounds the registry fan-out per package.
const maxConcurrentLookups = 8

// KeyResolver answers historical key validity. *registry.Registry implements it.
type KeyResolver interface {
	WasKeyActiveAt(ctx context.Context, publicKeyHex string, t time.Time) (registry.KeyValidity, error)
}

// Result is the outcome of a quorum check.
type Result struct {
	Satisfied            bool        `json:"satisfied"`
	L1Count              int         `json:"l1Count"`
	L1Required           int         `json:"l1Required"`
	DistinctL1AuditorIDs []uuid.UUID `json:"distinctL1AuditorIds"`
	L2Present            bool        `json:"l2Present"`
	L2Required           bool        `json:"l2Required"`
	Errors               []string    `json:"errors"`
}

type Evaluator struct {
	resolver KeyResolver
}

func NewEvaluator(resolver KeyResolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

// slotCheck is the per-slot outcome before dedup.
type slotCheck struct {
	skipped  bool
	validity registry.KeyValidity
	problem  string // verification failure, recorded not returned
}

// Check evaluates pkg against policy. Expected failures (bad signer, wrong
// role, duplicate auditor) are recorded in Result.Errors; a non-nil error
// means the registry itself could not be consulted.
func (e *Evaluator) Check(ctx context.Context, pkg *models.CertificationPackage, policy *models.QuorumPolicy) (*Result, error) {
	fp, err := canonical.ComputeFingerprint(pkg)
	if err != nil {
		return nil, fmt.Errorf("failed to compute fingerprint: %w", err)
	}
	return e.CheckFingerprint(ctx, pkg, fp, policy)
}

// CheckFingerprint is Check with signatures verified against fp, for callers
// that hashed the package document themselves.
func (e *Evaluator) CheckFingerprint(ctx context.Context, pkg *models.CertificationPackage, fp string, policy *models.QuorumPolicy) (*Result, error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: nil policy", models.ErrInvalidPolicy)
	}

	issuedAt := pkg.Certificate.IssuedAt

	slots := pkg.Signatures.L1Auditors
	checks := make([]slotCheck, len(slots))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookups)
	for i := range slots {
		g.Go(func() error {
			c, err := e.checkSlot(gctx, fp, slots[i], issuedAt)
			if err != nil {
				return fmt.Errorf("l1 slot %d: %w", i, err)
			}
			checks[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		L1Required:           policy.MinL1Signatures,
		L2Required:           policy.RequireL2Signature,
		DistinctL1AuditorIDs: []uuid.UUID{},
		Errors:               []string{},
	}

	// Join in slot order so duplicate detection is deterministic.
	counted := make(map[uuid.UUID]bool)
	for i, c := range checks {
		switch {
		case c.skipped:
			continue
		case c.problem != "":
			res.Errors = append(res.Errors, fmt.Sprintf("l1 slot %d: %s", i, c.problem))
		case c.validity.Role != models.RoleL1:
			res.Errors = append(res.Errors, fmt.Sprintf("l1 slot %d: role mismatch: signer is %s auditor %s", i, c.validity.Role, c.validity.AuditorID))
		case counted[c.validity.AuditorID]:
			res.Errors = append(res.Errors, fmt.Sprintf("l1 slot %d: duplicate signer: auditor %s already counted", i, c.validity.AuditorID))
		default:
			counted[c.validity.AuditorID] = true
			res.DistinctL1AuditorIDs = append(res.DistinctL1AuditorIDs, c.validity.AuditorID)
			res.L1Count++
		}
	}

	if res.L1Count < policy.MinL1Signatures {
		res.Errors = append(res.Errors, fmt.Sprintf("quorum not met: %d of %d required L1 signatures", res.L1Count, policy.MinL1Signatures))
	}

	l2, err := e.checkSlot(ctx, fp, pkg.Signatures.L2Auditor, issuedAt)
	if err != nil {
		return nil, fmt.Errorf("l2 slot: %w", err)
	}
	switch {
	case l2.skipped:
	case l2.problem != "":
		if policy.RequireL2Signature {
			res.Errors = append(res.Errors, "l2: "+l2.problem)
		}
	case l2.validity.Role != models.RoleL2:
		if policy.RequireL2Signature {
			res.Errors = append(res.Errors, fmt.Sprintf("l2: role mismatch: signer is %s auditor %s", l2.validity.Role, l2.validity.AuditorID))
		}
	default:
		res.L2Present = true
	}
	if policy.RequireL2Signature && !res.L2Present && l2.skipped {
		res.Errors = append(res.Errors, "l2: required signature missing")
	}

	res.Satisfied = res.L1Count >= policy.MinL1Signatures &&
		(!policy.RequireL2Signature || res.L2Present) &&
		len(res.Errors) == 0

	log.Debug().
		Str("fingerprint", fp).
		Str("policy_version", policy.PolicyVersion).
		Int("l1_count", res.L1Count).
		Bool("l2_present", res.L2Present).
		Bool("satisfied", res.Satisfied).
		Msg("Checked quorum")

	return res, nil
}

func (e *Evaluator) checkSlot(ctx context.Context, fp string, block models.SignatureBlock, issuedAt time.Time) (slotCheck, error) {
	if block.IsEmpty() {
		return slotCheck{skipped: true}, nil
	}

	if !signer.VerifyBlock(fp, block) {
		return slotCheck{problem: "signature does not recover to the declared key"}, nil
	}

	v, err := e.resolver.WasKeyActiveAt(ctx, *block.PublicKeyHex, issuedAt)
	switch {
	case errors.Is(err, models.ErrInvalidPublicKey):
		return slotCheck{problem: "invalid public key"}, nil
	case errors.Is(err, registry.ErrRegistryIntegrity):
		return slotCheck{problem: err.Error()}, nil
	case err != nil:
		return slotCheck{}, err
	}
	if !v.Valid {
		return slotCheck{problem: "key not active at issuance"}, nil
	}
	return slotCheck{validity: v}, nil
}
