// Package builder assembles, fingerprints and platform-signs certification
// packages, and attaches auditor co-signatures afterwards.
package builder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/signer"
	"github.com/wolfeidau/certlane/internal/telemetry"
)

var (
	ErrMissingFact     = errors.New("missing required fact")
	ErrInvalidFact     = errors.New("invalid fact")
	ErrMissingVersions = errors.New("version pins not configured")
)

// Versions are the pins recorded in every package's policy section.
type Versions struct {
	CertVersion        string
	ChecklistVersion   string
	PlatformVersion    string
	SchemaVersion      string
	AuditPolicyVersion string
	PlatformTag        string // used when Facts.Toolchain is nil
}

// Validate checks that every pin is set.
func (v Versions) Validate() error {
	missing := []string{}
	for name, val := range map[string]string{
		"cert":         v.CertVersion,
		"checklist":    v.ChecklistVersion,
		"platform":     v.PlatformVersion,
		"schema":       v.SchemaVersion,
		"audit policy": v.AuditPolicyVersion,
	} {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %s", ErrMissingVersions, strings.Join(missing, ", "))
	}
	return nil
}

// Toolchain is the software and model inventory active during the session.
type Toolchain struct {
	PlatformTag      string
	AgentVersions    map[string]string
	ModelIdentifiers map[string]string
}

// Facts is everything the builder needs to know about one certified session.
type Facts struct {
	SubjectID string
	// SubjectContract is the underlying record description. It is only ever
	// hashed; its content never appears in the package.
	SubjectContract  any
	Mode             string
	ParticipantCount int
	ParticipantRoles []string
	ToolCount        int
	ConstraintCount  int

	VerdictCount      int
	ApproveCount      int
	BlockCount        int
	L1AuditorIDs      []string
	L2AuditorID       string
	SecondaryReportID string
	SecondaryVerdict  string

	ChainID         int64
	ContractAddress string

	Toolchain  *Toolchain
	ExpiresAt  *time.Time
	Supersedes string
}

// Builder builds platform-signed packages.
type Builder struct {
	signer   signer.Signer
	versions Versions
	now      func() time.Time
	newID    func() (uuid.UUID, error)
}

type Option func(*Builder)

func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

func WithIDGenerator(newID func() (uuid.UUID, error)) Option {
	return func(b *Builder) {
		b.newID = newID
	}
}

// New returns a builder signing with the platform signer s. A nil signer or
// incomplete version pins are configuration errors.
func New(s signer.Signer, versions Versions, opts ...Option) (*Builder, error) {
	if s == nil {
		return nil, signer.ErrSigningKeyMissing
	}
	if err := versions.Validate(); err != nil {
		return nil, err
	}

	b := &Builder{
		signer:   s,
		versions: versions,
		now:      time.Now,
		newID:    uuid.NewV7,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// PlatformPublicKeyHex is the key that signs every package from this builder.
func (b *Builder) PlatformPublicKeyHex() string {
	return b.signer.PublicKeyHex()
}

// Build assembles the package, fingerprints it once every field is final and
// signs the fingerprint with the platform key.
func (b *Builder) Build(ctx context.Context, f Facts) (*models.CertificationPackage, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	subjectFingerprint, err := canonical.HashCanonical(f.SubjectContract)
	if err != nil {
		return nil, fmt.Errorf("failed to hash subject contract: %w", err)
	}

	certID, err := b.newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate id: %w", err)
	}

	toolchain, err := b.toolchainFingerprint(f.Toolchain)
	if err != nil {
		return nil, err
	}

	var supersedes *string
	if f.Supersedes != "" {
		fp, err := canonical.ValidateFingerprint(f.Supersedes)
		if err != nil {
			return nil, fmt.Errorf("supersedes: %w", err)
		}
		supersedes = &fp
	}

	var expiresAt *time.Time
	if f.ExpiresAt != nil {
		expiresAt = models.Ptr(f.ExpiresAt.UTC())
	}

	pkg := &models.CertificationPackage{
		Certificate: models.Certificate{
			ID:         certID,
			SubjectID:  f.SubjectID,
			IssuedAt:   b.now().UTC().Truncate(time.Microsecond),
			ExpiresAt:  expiresAt,
			Supersedes: supersedes,
		},
		Subject: models.Subject{
			SubjectFingerprint: subjectFingerprint,
			Mode:               f.Mode,
			ParticipantCount:   f.ParticipantCount,
			ParticipantRoles:   sortedUnique(f.ParticipantRoles),
			ToolCount:          f.ToolCount,
			ConstraintCount:    f.ConstraintCount,
		},
		Audit: models.Audit{
			VerdictCount:         f.VerdictCount,
			ApproveCount:         f.ApproveCount,
			BlockCount:           f.BlockCount,
			L1AuditorFingerprint: L1AuditorFingerprint(f.L1AuditorIDs, certID),
			SecondaryReportID:    f.SecondaryReportID,
			SecondaryVerdict:     f.SecondaryVerdict,
			L2AuditorFingerprint: L2AuditorFingerprint(f.L2AuditorID, certID),
		},
		Policy: models.Policy{
			CertVersion:          b.versions.CertVersion,
			ChecklistVersion:     b.versions.ChecklistVersion,
			PlatformVersion:      b.versions.PlatformVersion,
			SchemaVersion:        b.versions.SchemaVersion,
			AuditPolicyVersion:   b.versions.AuditPolicyVersion,
			ToolchainFingerprint: toolchain,
		},
		Signatures: models.Signatures{
			Platform:   emptyBlock(),
			L1Auditors: []models.SignatureBlock{},
			L2Auditor:  emptyBlock(),
		},
		Anchor: models.Anchor{
			ChainID:         f.ChainID,
			ContractAddress: common.HexToAddress(f.ContractAddress).Hex(),
		},
	}

	fp, err := canonical.ComputeFingerprint(pkg)
	if err != nil {
		return nil, fmt.Errorf("failed to compute fingerprint: %w", err)
	}

	block, err := signer.NewBlock(ctx, b.signer, fp)
	if err != nil {
		return nil, fmt.Errorf("platform signature: %w", err)
	}
	pkg.Signatures.Platform = block
	pkg.Anchor.Fingerprint = fp

	telemetry.GetMetrics().PackagesBuiltTotal.Add(ctx, 1)

	log.Debug().
		Str("fingerprint", fp).
		Str("certificate_id", certID.String()).
		Str("subject_id", f.SubjectID).
		Msg("Built certification package")

	return pkg, nil
}

func (b *Builder) toolchainFingerprint(tc *Toolchain) (models.ToolchainFingerprint, error) {
	out := models.ToolchainFingerprint{
		PlatformTag:      b.versions.PlatformTag,
		AgentVersions:    map[string]string{},
		ModelIdentifiers: map[string]string{},
	}
	if tc != nil {
		if tc.PlatformTag != "" {
			out.PlatformTag = tc.PlatformTag
		}
		for k, v := range tc.AgentVersions {
			out.AgentVersions[k] = v
		}
		for k, v := range tc.ModelIdentifiers {
			out.ModelIdentifiers[k] = v
		}
	}

	hash, err := canonical.HashCanonical(map[string]any{
		"platformTag":      out.PlatformTag,
		"agentVersions":    out.AgentVersions,
		"modelIdentifiers": out.ModelIdentifiers,
	})
	if err != nil {
		return out, fmt.Errorf("failed to hash toolchain: %w", err)
	}
	out.Hash = hash
	return out, nil
}

// L1AuditorFingerprint salts the sorted, deduplicated L1 auditor ids with the
// certificate id so the same auditor set hashes differently per certificate.
func L1AuditorFingerprint(ids []string, certID uuid.UUID) string {
	return canonical.HashData(strings.Join(sortedUnique(ids), ",") + ":" + certID.String())
}

// L2AuditorFingerprint salts the L2 auditor id with the certificate id. An
// absent id is hashed like any other, so the field never reveals whether an
// L2 auditor was assigned.
func L2AuditorFingerprint(id string, certID uuid.UUID) string {
	return canonical.HashData(id + ":" + certID.String())
}

func (f *Facts) validate() error {
	if strings.TrimSpace(f.SubjectID) == "" {
		return fmt.Errorf("%w: subject id", ErrMissingFact)
	}
	if f.SubjectContract == nil {
		return fmt.Errorf("%w: subject contract", ErrMissingFact)
	}
	if strings.TrimSpace(f.Mode) == "" {
		return fmt.Errorf("%w: mode", ErrMissingFact)
	}
	if f.ChainID <= 0 {
		return fmt.Errorf("%w: chain id", ErrMissingFact)
	}
	if !common.IsHexAddress(f.ContractAddress) {
		return fmt.Errorf("%w: contract address %q", ErrMissingFact, f.ContractAddress)
	}
	for name, n := range map[string]int{
		"participant count": f.ParticipantCount,
		"tool count":        f.ToolCount,
		"constraint count":  f.ConstraintCount,
		"verdict count":     f.VerdictCount,
		"approve count":     f.ApproveCount,
		"block count":       f.BlockCount,
	} {
		if n < 0 {
			return fmt.Errorf("%w: negative %s", ErrInvalidFact, name)
		}
	}
	if f.ApproveCount+f.BlockCount > f.VerdictCount {
		return fmt.Errorf("%w: approve+block exceeds verdict count", ErrInvalidFact)
	}
	for _, id := range f.L1AuditorIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty L1 auditor id", ErrInvalidFact)
		}
	}
	for _, role := range f.ParticipantRoles {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("%w: empty participant role", ErrInvalidFact)
		}
	}
	if f.ExpiresAt != nil && f.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: zero expiry", ErrInvalidFact)
	}
	return nil
}

func sortedUnique(in []string) []string {
	out := slices.Clone(in)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func emptyBlock() models.SignatureBlock {
	return models.SignatureBlock{Algorithm: models.SignatureAlgorithm}
}
