// Package certification runs the issuance lifecycle: build, store, anchor,
// countersign, revoke, supersede and verify stored packages.
package certification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/certlane/internal/anchor"
	"github.com/wolfeidau/certlane/internal/builder"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/logger"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/sealer"
	"github.com/wolfeidau/certlane/internal/store"
	"github.com/wolfeidau/certlane/internal/verifier"
)

var (
	ErrNotConfigured   = errors.New("certification service not configured")
	ErrAnchorFailed    = errors.New("package stored but not anchored")
	ErrInvalidState    = errors.New("invalid certification state")
	ErrDetailTooLong   = errors.New("revocation detail too long")
	ErrPackageMismatch = errors.New("stored package does not match its fingerprint")
)

// MaxRevocationDetail bounds the off-chain free-text revocation detail.
const MaxRevocationDetail = 2048

// maxUpdateTries bounds read-modify-write attempts against concurrent writers.
const maxUpdateTries = 10

// Config wires the service collaborators. Sealer defaults to sealer.Noop.
type Config struct {
	Builder  *builder.Builder
	Store    store.CertificationStore
	Anchors  *anchor.Client
	Verifier *verifier.Verifier
	Sealer   sealer.Sealer
}

func (c *Config) Validate() error {
	var missing []string
	if c.Builder == nil {
		missing = append(missing, "builder")
	}
	if c.Store == nil {
		missing = append(missing, "store")
	}
	if c.Anchors == nil {
		missing = append(missing, "anchors")
	}
	if c.Verifier == nil {
		missing = append(missing, "verifier")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

type Service struct {
	builder  *builder.Builder
	store    store.CertificationStore
	anchors  *anchor.Client
	verifier *verifier.Verifier
	sealer   sealer.Sealer
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Sealer == nil {
		cfg.Sealer = sealer.Noop{}
	}
	return &Service{
		builder:  cfg.Builder,
		store:    cfg.Store,
		anchors:  cfg.Anchors,
		verifier: cfg.Verifier,
		sealer:   cfg.Sealer,
	}, nil
}

// Issue builds and stores a package, then anchors it. When anchoring fails the
// stored package is returned with an ErrAnchorFailed error so the caller can
// retry with Anchor.
func (s *Service) Issue(ctx context.Context, facts builder.Facts) (pkg *models.CertificationPackage, err error) {
	ctx, done := logger.Track(ctx, "issue")
	defer func() { done(err) }()

	pkg, err = s.builder.Build(ctx, facts)
	if err != nil {
		return nil, err
	}

	data, err := s.seal(pkg)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, &models.Certification{
		Fingerprint:   pkg.Anchor.Fingerprint,
		CertificateID: pkg.Certificate.ID,
		SubjectID:     pkg.Certificate.SubjectID,
		Status:        models.CertificationStatusIssued,
		PackageData:   data,
	}); err != nil {
		return nil, fmt.Errorf("failed to store package: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Str("fingerprint", pkg.Anchor.Fingerprint).
		Str("certificate_id", pkg.Certificate.ID.String()).
		Msg("Stored package")

	anchored, err := s.Anchor(ctx, pkg.Anchor.Fingerprint)
	if err != nil {
		return pkg, fmt.Errorf("%w: %w", ErrAnchorFailed, err)
	}
	return anchored, nil
}

// Anchor registers a stored package on-chain and records the receipt. A
// fingerprint that is already valid on-chain is marked anchored without a new
// write.
func (s *Service) Anchor(ctx context.Context, fingerprint string) (*models.CertificationPackage, error) {
	cert, _, err := s.load(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if cert.Status != models.CertificationStatusIssued {
		return nil, fmt.Errorf("%w: package is %s", ErrInvalidState, cert.Status)
	}

	receipt, err := s.anchors.Anchor(ctx, cert.Fingerprint)
	switch {
	case errors.Is(err, anchor.ErrAlreadyAnchored):
		receipt = nil
		rec, rerr := s.anchors.Read(ctx, cert.Fingerprint)
		if rerr != nil {
			return nil, rerr
		}
		if rec.Status != anchor.StatusValid {
			return nil, err
		}
		zerolog.Ctx(ctx).Warn().
			Str("fingerprint", cert.Fingerprint).
			Msg("Fingerprint already registered on-chain, recording as anchored")
	case err != nil:
		return nil, err
	default:
		zerolog.Ctx(ctx).Debug().Str("fingerprint", cert.Fingerprint).Str("tx_hash", receipt.TxHash).Msg("Anchored package")
	}

	_, pkg, err := s.update(ctx, cert.Fingerprint, func(cert *models.Certification, pkg *models.CertificationPackage) error {
		switch cert.Status {
		case models.CertificationStatusIssued, models.CertificationStatusAnchored:
		default:
			return fmt.Errorf("%w: package is %s", ErrInvalidState, cert.Status)
		}
		cert.Status = models.CertificationStatusAnchored
		if receipt != nil {
			pkg.Anchor.TransactionHash = models.Ptr(receipt.TxHash)
			pkg.Anchor.BlockNumber = models.Ptr(receipt.BlockNumber)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

// AddSignature attaches an auditor signature block to a stored package.
// Concurrent attaches to the same package all land.
func (s *Service) AddSignature(ctx context.Context, fingerprint string, slot builder.Slot, block models.SignatureBlock) (*models.CertificationPackage, error) {
	cert, pkg, err := s.update(ctx, fingerprint, func(_ *models.Certification, pkg *models.CertificationPackage) error {
		return builder.AttachSignature(pkg, slot, block)
	})
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("fingerprint", cert.Fingerprint).
		Str("slot", string(slot)).
		Msg("Added signature")
	return pkg, nil
}

// Get returns the stored row and its opened package.
func (s *Service) Get(ctx context.Context, fingerprint string) (*models.Certification, *models.CertificationPackage, error) {
	return s.load(ctx, fingerprint)
}

func (s *Service) List(ctx context.Context, opts store.ListCertificationsOptions) ([]*models.Certification, error) {
	return s.store.List(ctx, opts)
}

// Revoke revokes a package on-chain with a closed reason code. The free-text
// detail is stored off-chain only.
func (s *Service) Revoke(ctx context.Context, fingerprint string, reason anchor.ReasonCode, detail string) (err error) {
	ctx, done := logger.Track(ctx, "revoke")
	defer func() { done(err) }()

	if _, err := anchor.ParseReasonCode(string(reason)); err != nil {
		return err
	}
	if len(detail) > MaxRevocationDetail {
		return fmt.Errorf("%w: %d bytes, max %d", ErrDetailTooLong, len(detail), MaxRevocationDetail)
	}

	cert, _, err := s.load(ctx, fingerprint)
	if err != nil {
		return err
	}

	if _, err := s.anchors.Revoke(ctx, cert.Fingerprint, reason); err != nil {
		return err
	}

	_, _, err = s.update(ctx, cert.Fingerprint, func(cert *models.Certification, _ *models.CertificationPackage) error {
		cert.Status = models.CertificationStatusRevoked
		cert.RevocationReason = models.Ptr(string(reason))
		if detail != "" {
			cert.RevocationDetail = models.Ptr(detail)
		}
		return nil
	})
	return err
}

// Supersede issues a replacement built from facts and marks oldFingerprint
// superseded by it on-chain. The replacement must anchor before the old
// package is touched.
func (s *Service) Supersede(ctx context.Context, oldFingerprint string, facts builder.Facts) (pkg *models.CertificationPackage, err error) {
	ctx, done := logger.Track(ctx, "supersede")
	defer func() { done(err) }()

	old, _, err := s.load(ctx, oldFingerprint)
	if err != nil {
		return nil, err
	}
	if old.Status != models.CertificationStatusAnchored {
		return nil, fmt.Errorf("%w: package is %s", ErrInvalidState, old.Status)
	}

	facts.Supersedes = old.Fingerprint
	pkg, err = s.Issue(ctx, facts)
	if err != nil {
		return pkg, err
	}

	if _, err := s.anchors.Supersede(ctx, old.Fingerprint, pkg.Anchor.Fingerprint); err != nil {
		return pkg, err
	}

	replacement := pkg.Anchor.Fingerprint
	_, _, err = s.update(ctx, old.Fingerprint, func(cert *models.Certification, _ *models.CertificationPackage) error {
		cert.Status = models.CertificationStatusSuperseded
		cert.SupersededBy = models.Ptr(replacement)
		return nil
	})
	if err != nil {
		return pkg, err
	}
	return pkg, nil
}

// Verify loads a stored package and runs the verifier over it.
func (s *Service) Verify(ctx context.Context, fingerprint string) (*verifier.Result, error) {
	_, pkg, err := s.load(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return s.verifier.Verify(ctx, pkg)
}

func (s *Service) load(ctx context.Context, fingerprint string) (*models.Certification, *models.CertificationPackage, error) {
	fp, err := canonical.ValidateFingerprint(fingerprint)
	if err != nil {
		return nil, nil, err
	}

	cert, err := s.store.Get(ctx, fp)
	if err != nil {
		return nil, nil, err
	}

	plain, err := s.sealer.Open(cert.PackageData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stored package %s: %w", fp, err)
	}

	var pkg models.CertificationPackage
	if err := json.Unmarshal(plain, &pkg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode stored package %s: %w", fp, err)
	}
	if pkg.Anchor.Fingerprint != cert.Fingerprint {
		return nil, nil, fmt.Errorf("%w: row %s, package %s", ErrPackageMismatch, cert.Fingerprint, pkg.Anchor.Fingerprint)
	}
	return cert, &pkg, nil
}

type loaded struct {
	cert *models.Certification
	pkg  *models.CertificationPackage
}

// update applies fn to a fresh read of the stored package and saves it. When
// another writer saved in between, the read and fn are repeated. fn must only
// change cert and pkg.
func (s *Service) update(ctx context.Context, fingerprint string, fn func(*models.Certification, *models.CertificationPackage) error) (*models.Certification, *models.CertificationPackage, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	out, err := backoff.Retry(ctx, func() (loaded, error) {
		cert, pkg, err := s.load(ctx, fingerprint)
		if err != nil {
			return loaded{}, backoff.Permanent(err)
		}
		if err := fn(cert, pkg); err != nil {
			return loaded{}, backoff.Permanent(err)
		}
		err = s.save(ctx, cert, pkg)
		switch {
		case errors.Is(err, store.ErrConcurrentUpdate):
			return loaded{}, err
		case err != nil:
			return loaded{}, backoff.Permanent(err)
		}
		return loaded{cert: cert, pkg: pkg}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxUpdateTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			zerolog.Ctx(ctx).Debug().Str("fingerprint", fingerprint).Dur("retry_in", d).Msg("Package changed while updating, retrying")
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return out.cert, out.pkg, nil
}

func (s *Service) save(ctx context.Context, cert *models.Certification, pkg *models.CertificationPackage) error {
	data, err := s.seal(pkg)
	if err != nil {
		return err
	}
	cert.PackageData = data
	if err := s.store.Update(ctx, cert); err != nil {
		return fmt.Errorf("failed to update package: %w", err)
	}
	return nil
}

func (s *Service) seal(pkg *models.CertificationPackage) ([]byte, error) {
	raw, err := json.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal package: %w", err)
	}
	data, err := s.sealer.Seal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to seal package: %w", err)
	}
	return data, nil
}
