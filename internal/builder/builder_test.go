package builder

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/signer"
)

var testVersions = Versions{
	CertVersion:        "1.0",
	ChecklistVersion:   "2024.1",
	PlatformVersion:    "3.2.0",
	SchemaVersion:      "1",
	AuditPolicyVersion: "1.0",
	PlatformTag:        "certlane",
}

func testFacts() Facts {
	return Facts{
		SubjectID:         "session-42",
		SubjectContract:   map[string]any{"title": "Quarterly review", "clauses": []string{"a", "b"}},
		Mode:              "supervised",
		ParticipantCount:  3,
		ParticipantRoles:  []string{"reviewer", "author", "reviewer"},
		ToolCount:         4,
		ConstraintCount:   2,
		VerdictCount:      5,
		ApproveCount:      4,
		BlockCount:        1,
		L1AuditorIDs:      []string{"aud-b", "aud-a", "aud-b"},
		L2AuditorID:       "aud-z",
		SecondaryReportID: "report-1",
		SecondaryVerdict:  "approve",
		ChainID:           84532,
		ContractAddress:   "0x5fbdb2315678afecb367f032d93f642f64180aa3",
		Toolchain: &Toolchain{
			PlatformTag:      "certlane-3.2",
			AgentVersions:    map[string]string{"primary": "1.4.0"},
			ModelIdentifiers: map[string]string{"primary": "model-a"},
		},
	}
}

func newTestBuilder(t *testing.T) (*Builder, *signer.KeySigner) {
	t.Helper()
	platform, err := signer.GenerateKey()
	require.NoError(t, err)

	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	b, err := New(platform, testVersions, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return b, platform
}

func TestNew(t *testing.T) {
	t.Run("nil signer is a configuration error", func(t *testing.T) {
		_, err := New(nil, testVersions)
		require.ErrorIs(t, err, signer.ErrSigningKeyMissing)
	})

	t.Run("missing version pins", func(t *testing.T) {
		s, err := signer.GenerateKey()
		require.NoError(t, err)
		v := testVersions
		v.SchemaVersion = ""
		_, err = New(s, v)
		require.ErrorIs(t, err, ErrMissingVersions)
		require.Contains(t, err.Error(), "schema")
	})
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	b, platform := newTestBuilder(t)

	pkg, err := b.Build(ctx, testFacts())
	require.NoError(t, err)

	fp, err := canonical.ComputeFingerprint(pkg)
	require.NoError(t, err)

	t.Run("anchor carries fingerprint but is unanchored", func(t *testing.T) {
		require.Equal(t, fp, pkg.Anchor.Fingerprint)
		require.Nil(t, pkg.Anchor.TransactionHash)
		require.Nil(t, pkg.Anchor.BlockNumber)
		require.False(t, pkg.Anchor.IsAnchored())
		require.Equal(t, int64(84532), pkg.Anchor.ChainID)
		require.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", pkg.Anchor.ContractAddress)
	})

	t.Run("platform signature verifies", func(t *testing.T) {
		require.Equal(t, platform.PublicKeyHex(), *pkg.Signatures.Platform.PublicKeyHex)
		require.True(t, signer.VerifySignature(fp, *pkg.Signatures.Platform.SignatureHex, platform.Address()))
	})

	t.Run("auditor slots start empty", func(t *testing.T) {
		require.Empty(t, pkg.Signatures.L1Auditors)
		require.True(t, pkg.Signatures.L2Auditor.IsEmpty())
	})

	t.Run("subject is hashed and roles normalized", func(t *testing.T) {
		want, err := canonical.HashCanonical(testFacts().SubjectContract)
		require.NoError(t, err)
		require.Equal(t, want, pkg.Subject.SubjectFingerprint)
		require.Equal(t, []string{"author", "reviewer"}, pkg.Subject.ParticipantRoles)
	})

	t.Run("auditor fingerprints are salted with the certificate id", func(t *testing.T) {
		want := canonical.HashData("aud-a,aud-b:" + pkg.Certificate.ID.String())
		require.Equal(t, want, pkg.Audit.L1AuditorFingerprint)
		require.Equal(t, canonical.HashData("aud-z:"+pkg.Certificate.ID.String()), pkg.Audit.L2AuditorFingerprint)

		other, err := b.Build(ctx, testFacts())
		require.NoError(t, err)
		require.NotEqual(t, pkg.Certificate.ID, other.Certificate.ID)
		require.NotEqual(t, pkg.Audit.L1AuditorFingerprint, other.Audit.L1AuditorFingerprint)
	})

	t.Run("absent l2 auditor is still salted", func(t *testing.T) {
		f := testFacts()
		f.L2AuditorID = ""
		noL2, err := b.Build(ctx, f)
		require.NoError(t, err)
		require.Equal(t, canonical.HashData(":"+noL2.Certificate.ID.String()), noL2.Audit.L2AuditorFingerprint)
		require.Len(t, noL2.Audit.L2AuditorFingerprint, 64)
	})

	t.Run("toolchain hash covers the inventory", func(t *testing.T) {
		want, err := canonical.HashCanonical(map[string]any{
			"platformTag":      "certlane-3.2",
			"agentVersions":    map[string]string{"primary": "1.4.0"},
			"modelIdentifiers": map[string]string{"primary": "model-a"},
		})
		require.NoError(t, err)
		require.Equal(t, want, pkg.Policy.ToolchainFingerprint.Hash)
		require.Equal(t, "1.0", pkg.Policy.AuditPolicyVersion)
	})

	t.Run("default toolchain uses platform tag", func(t *testing.T) {
		f := testFacts()
		f.Toolchain = nil
		p, err := b.Build(ctx, f)
		require.NoError(t, err)
		require.Equal(t, "certlane", p.Policy.ToolchainFingerprint.PlatformTag)
		require.NotNil(t, p.Policy.ToolchainFingerprint.AgentVersions)
	})

	t.Run("same facts and id give the same fingerprint", func(t *testing.T) {
		id := uuid.Must(uuid.NewV7())
		gen := func() (uuid.UUID, error) { return id, nil }
		now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

		b1, err := New(platformFor(t), testVersions, WithIDGenerator(gen), WithClock(now))
		require.NoError(t, err)
		b2, err := New(platformFor(t), testVersions, WithIDGenerator(gen), WithClock(now))
		require.NoError(t, err)

		p1, err := b1.Build(ctx, testFacts())
		require.NoError(t, err)
		p2, err := b2.Build(ctx, testFacts())
		require.NoError(t, err)
		require.Equal(t, p1.Anchor.Fingerprint, p2.Anchor.Fingerprint)
		require.NotEqual(t, *p1.Signatures.Platform.SignatureHex, *p2.Signatures.Platform.SignatureHex)
	})

	t.Run("supersedes is validated", func(t *testing.T) {
		f := testFacts()
		f.Supersedes = "0x" + fp
		p, err := b.Build(ctx, f)
		require.NoError(t, err)
		require.Equal(t, fp, *p.Certificate.Supersedes)

		f.Supersedes = "abc"
		_, err = b.Build(ctx, f)
		require.ErrorIs(t, err, canonical.ErrInvalidFingerprint)
	})
}

func platformFor(t *testing.T) *signer.KeySigner {
	t.Helper()
	s, err := signer.GenerateKey()
	require.NoError(t, err)
	return s
}

func TestBuild_MissingFacts(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBuilder(t)

	tests := []struct {
		name    string
		mutate  func(*Facts)
		wantErr error
	}{
		{"subject id", func(f *Facts) { f.SubjectID = " " }, ErrMissingFact},
		{"subject contract", func(f *Facts) { f.SubjectContract = nil }, ErrMissingFact},
		{"mode", func(f *Facts) { f.Mode = "" }, ErrMissingFact},
		{"chain id", func(f *Facts) { f.ChainID = 0 }, ErrMissingFact},
		{"contract address", func(f *Facts) { f.ContractAddress = "registry" }, ErrMissingFact},
		{"negative count", func(f *Facts) { f.ToolCount = -1 }, ErrInvalidFact},
		{"verdict totals", func(f *Facts) { f.ApproveCount = 9 }, ErrInvalidFact},
		{"blank auditor id", func(f *Facts) { f.L1AuditorIDs = []string{"a", ""} }, ErrInvalidFact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testFacts()
			tt.mutate(&f)
			_, err := b.Build(ctx, f)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTamperDetection(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBuilder(t)

	pkg, err := b.Build(ctx, testFacts())
	require.NoError(t, err)
	stored := pkg.Anchor.Fingerprint

	raw, err := json.Marshal(pkg)
	require.NoError(t, err)

	reroll := func(t *testing.T, mutate func(*models.CertificationPackage)) string {
		t.Helper()
		var clone models.CertificationPackage
		require.NoError(t, json.Unmarshal(raw, &clone))
		mutate(&clone)
		fp, err := canonical.ComputeFingerprint(&clone)
		require.NoError(t, err)
		return fp
	}

	changes := []struct {
		name   string
		mutate func(*models.CertificationPackage)
	}{
		{"certificate subject id", func(p *models.CertificationPackage) { p.Certificate.SubjectID = "session-43" }},
		{"certificate issued at", func(p *models.CertificationPackage) { p.Certificate.IssuedAt = p.Certificate.IssuedAt.Add(time.Second) }},
		{"subject mode", func(p *models.CertificationPackage) { p.Subject.Mode = "solo" }},
		{"subject tool count", func(p *models.CertificationPackage) { p.Subject.ToolCount++ }},
		{"audit block count", func(p *models.CertificationPackage) { p.Audit.BlockCount = 0 }},
		{"audit secondary verdict", func(p *models.CertificationPackage) { p.Audit.SecondaryVerdict = "block" }},
		{"policy cert version", func(p *models.CertificationPackage) { p.Policy.CertVersion = "1.1" }},
		{"policy model id", func(p *models.CertificationPackage) {
			p.Policy.ToolchainFingerprint.ModelIdentifiers["primary"] = "model-b"
		}},
	}
	for _, tt := range changes {
		t.Run("flip "+tt.name, func(t *testing.T) {
			require.NotEqual(t, stored, reroll(t, tt.mutate))
		})
	}

	unchanged := []struct {
		name   string
		mutate func(*models.CertificationPackage)
	}{
		{"platform signature", func(p *models.CertificationPackage) { p.Signatures.Platform.SignatureHex = models.Ptr("0xdead") }},
		{"added l1 signature", func(p *models.CertificationPackage) {
			p.Signatures.L1Auditors = append(p.Signatures.L1Auditors, p.Signatures.Platform)
		}},
		{"anchor transaction hash", func(p *models.CertificationPackage) { p.Anchor.TransactionHash = models.Ptr("0xabc") }},
		{"anchor block number", func(p *models.CertificationPackage) { p.Anchor.BlockNumber = models.Ptr(uint64(77)) }},
	}
	for _, tt := range unchanged {
		t.Run("keep on "+tt.name, func(t *testing.T) {
			require.Equal(t, stored, reroll(t, tt.mutate))
		})
	}
}
