package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certlane/internal/anchor"
	"github.com/wolfeidau/certlane/internal/builder"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/registry"
	"github.com/wolfeidau/certlane/internal/signer"
	"github.com/wolfeidau/certlane/internal/store/memory"
)

type fixture struct {
	builder  *builder.Builder
	platform *signer.KeySigner
	registry *registry.Registry
	client   *anchor.Client
	l1       []*signer.KeySigner
	l2       *signer.KeySigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	platform, err := signer.GenerateKey()
	require.NoError(t, err)
	b, err := builder.New(platform, builder.Versions{
		CertVersion: "1.0", ChecklistVersion: "1", PlatformVersion: "1", SchemaVersion: "1", AuditPolicyVersion: "1.0",
	})
	require.NoError(t, err)

	reg := registry.New(memory.NewRegistryStore())
	require.NoError(t, reg.SetQuorumPolicy(ctx, &models.QuorumPolicy{
		PolicyVersion: "1.0", MinL1Signatures: 2, RequireL2Signature: true, Active: true,
	}))

	f := &fixture{builder: b, platform: platform, registry: reg}
	for range 2 {
		s, err := signer.GenerateKey()
		require.NoError(t, err)
		_, _, err = reg.RegisterAuditor(ctx, registry.NewAuditor{Role: models.RoleL1, PublicKeyHex: s.PublicKeyHex()})
		require.NoError(t, err)
		f.l1 = append(f.l1, s)
	}
	f.l2, err = signer.GenerateKey()
	require.NoError(t, err)
	_, _, err = reg.RegisterAuditor(ctx, registry.NewAuditor{Role: models.RoleL2, PublicKeyHex: f.l2.PublicKeyHex()})
	require.NoError(t, err)

	f.client, err = anchor.NewClient(anchor.NewMemoryLedger(common.HexToAddress("0xaa")), anchor.ClientConfig{
		ReadMaxTries: 1, ReadInitialInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return f
}

// issue builds, fully signs and anchors a package.
func (f *fixture) issue(t *testing.T, subject string) *models.CertificationPackage {
	t.Helper()
	ctx := context.Background()

	pkg, err := f.builder.Build(ctx, builder.Facts{
		SubjectID:       subject,
		SubjectContract: map[string]string{"subject": subject},
		Mode:            "supervised",
		VerdictCount:    2,
		ApproveCount:    2,
		ChainID:         31337,
		ContractAddress: "0x5fbdb2315678afecb367f032d93f642f64180aa3",
	})
	require.NoError(t, err)

	for _, s := range f.l1 {
		require.NoError(t, builder.SignAs(ctx, s, pkg, builder.SlotL1))
	}
	require.NoError(t, builder.SignAs(ctx, f.l2, pkg, builder.SlotL2))

	_, err = f.client.Anchor(ctx, pkg.Anchor.Fingerprint)
	require.NoError(t, err)
	return pkg
}

func (f *fixture) verifier(t *testing.T, opts ...Option) *Verifier {
	t.Helper()
	opts = append([]Option{WithRegistry(f.registry, f.registry)}, opts...)
	v, err := New(f.client, opts...)
	require.NoError(t, err)
	return v
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, anchor.ErrLedgerNotConfigured)

	f := newFixture(t)
	_, err = New(f.client, WithPlatformIdentity("not-an-address"))
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("fully signed and anchored", func(t *testing.T) {
		pkg := f.issue(t, "s-ok")

		res, err := f.verifier(t, WithPlatformIdentity(f.platform.Address())).Verify(ctx, pkg)
		require.NoError(t, err)
		require.True(t, res.Verified, res.Errors)
		require.True(t, res.FingerprintMatch)
		require.True(t, res.PlatformSignatureValid)
		require.Equal(t, CheckValid, res.L1SignaturesValid)
		require.Equal(t, CheckValid, res.L2SignatureValid)
		require.Equal(t, QuorumSatisfied, res.Quorum.State)
		require.Equal(t, anchor.StatusValid, res.OnChainStatus)
		require.Empty(t, res.Errors)
	})

	t.Run("tampered field breaks the fingerprint and platform signature", func(t *testing.T) {
		pkg := f.issue(t, "s-tamper")
		pkg.Audit.ApproveCount = 999

		res, err := f.verifier(t).Verify(ctx, pkg)
		require.NoError(t, err)
		require.False(t, res.Verified)
		require.False(t, res.FingerprintMatch)
		require.False(t, res.PlatformSignatureValid)
		require.Equal(t, CheckInvalid, res.L1SignaturesValid)
		require.Contains(t, res.Errors[0], "fingerprint mismatch")
	})

	t.Run("not anchored", func(t *testing.T) {
		pkg, err := f.builder.Build(ctx, builder.Facts{
			SubjectID: "s-unanchored", SubjectContract: "x", Mode: "supervised",
			ChainID: 1, ContractAddress: "0x5fbdb2315678afecb367f032d93f642f64180aa3",
		})
		require.NoError(t, err)

		res, err := f.verifier(t).Verify(ctx, pkg)
		require.NoError(t, err)
		require.False(t, res.Verified)
		require.Equal(t, anchor.StatusNotFound, res.OnChainStatus)
		require.Equal(t, CheckNotClaimed, res.L1SignaturesValid)
		require.Equal(t, CheckNotClaimed, res.L2SignatureValid)
		require.Equal(t, QuorumUnsatisfied, res.Quorum.State)
		require.Contains(t, res.Errors, "on-chain: fingerprint not anchored")
	})

	t.Run("revoked and superseded", func(t *testing.T) {
		old, replacement, revoked := f.issue(t, "s-old"), f.issue(t, "s-new"), f.issue(t, "s-revoked")
		_, err := f.client.Supersede(ctx, old.Anchor.Fingerprint, replacement.Anchor.Fingerprint)
		require.NoError(t, err)
		_, err = f.client.Revoke(ctx, revoked.Anchor.Fingerprint, anchor.ReasonIssuedInError)
		require.NoError(t, err)

		v := f.verifier(t)

		res, err := v.Verify(ctx, old)
		require.NoError(t, err)
		require.False(t, res.Verified)
		require.Equal(t, anchor.StatusSuperseded, res.OnChainStatus)
		require.Contains(t, res.Errors, "on-chain: certificate superseded by "+replacement.Anchor.Fingerprint)

		res, err = v.Verify(ctx, revoked)
		require.NoError(t, err)
		require.False(t, res.Verified)
		require.Contains(t, res.Errors, "on-chain: certificate revoked")

		res, err = v.Verify(ctx, replacement)
		require.NoError(t, err)
		require.True(t, res.Verified, res.Errors)
	})

	t.Run("quorum is advisory when the registry is down", func(t *testing.T) {
		pkg := f.issue(t, "s-registry-down")

		v, err := New(f.client, WithRegistry(f.registry, failingPolicies{}))
		require.NoError(t, err)

		res, err := v.Verify(ctx, pkg)
		require.NoError(t, err)
		require.True(t, res.Verified, res.Errors)
		require.Equal(t, QuorumUnknown, res.Quorum.State)
		require.False(t, res.Quorum.Known())
		require.NotEmpty(t, res.Quorum.Reasons)
	})

	t.Run("no registry configured", func(t *testing.T) {
		pkg := f.issue(t, "s-no-registry")

		v, err := New(f.client)
		require.NoError(t, err)
		res, err := v.Verify(ctx, pkg)
		require.NoError(t, err)
		require.True(t, res.Verified)
		require.Equal(t, QuorumUnknown, res.Quorum.State)
	})

	t.Run("wrong platform identity", func(t *testing.T) {
		pkg := f.issue(t, "s-identity")
		other, err := signer.GenerateKey()
		require.NoError(t, err)

		res, err := f.verifier(t, WithPlatformIdentity(other.Address())).Verify(ctx, pkg)
		require.NoError(t, err)
		require.False(t, res.Verified)
		require.False(t, res.PlatformSignatureValid)
	})

	t.Run("expired", func(t *testing.T) {
		pkg := f.issue(t, "s-expired")
		later := func() time.Time { return time.Now().Add(48 * time.Hour) }
		exp := time.Now().Add(24 * time.Hour)
		pkg.Certificate.ExpiresAt = &exp

		res, err := f.verifier(t, WithClock(later)).Verify(ctx, pkg)
		require.NoError(t, err)
		require.True(t, res.Expired)
		require.False(t, res.Verified)
	})

	t.Run("ledger read failure is a hard error", func(t *testing.T) {
		pkg := f.issue(t, "s-ledger-down")

		v, err := New(brokenLedger{})
		require.NoError(t, err)
		_, err = v.Verify(ctx, pkg)
		require.ErrorContains(t, err, "on-chain status")
	})

	t.Run("json round trip", func(t *testing.T) {
		pkg := f.issue(t, "s-json")
		raw, err := json.Marshal(pkg)
		require.NoError(t, err)

		res, err := f.verifier(t).VerifyJSON(ctx, raw)
		require.NoError(t, err)
		require.True(t, res.Verified, res.Errors)

		_, err = f.verifier(t).VerifyJSON(ctx, []byte("[]"))
		require.ErrorIs(t, err, ErrInvalidPackage)
	})

	t.Run("unknown fields are covered by the fingerprint", func(t *testing.T) {
		pkg := f.issue(t, "s-inject")
		raw, err := json.Marshal(pkg)
		require.NoError(t, err)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(raw, &doc))
		doc["audit"].(map[string]any)["overrideVerdict"] = "block"
		doc["extra"] = map[string]any{"note": "injected"}
		injected, err := json.Marshal(doc)
		require.NoError(t, err)

		res, err := f.verifier(t).VerifyJSON(ctx, injected)
		require.NoError(t, err)
		require.False(t, res.Verified)
		require.False(t, res.FingerprintMatch)
		require.False(t, res.PlatformSignatureValid)
		require.Equal(t, CheckInvalid, res.L1SignaturesValid)
		require.Equal(t, QuorumUnsatisfied, res.Quorum.State)
		require.Equal(t, anchor.StatusNotFound, res.OnChainStatus)
		require.Contains(t, res.Errors[0], "outside the package schema")

		expected, err := canonical.ComputeFingerprintJSON(injected)
		require.NoError(t, err)
		require.Equal(t, expected, res.Fingerprint)
		require.NotEqual(t, pkg.Anchor.Fingerprint, res.Fingerprint)
	})
}

func TestCheck_JSON(t *testing.T) {
	raw, err := json.Marshal(map[string]Check{"a": CheckValid, "b": CheckInvalid, "c": CheckNotClaimed})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":true,"b":false,"c":null}`, string(raw))

	var back map[string]Check
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, CheckNotClaimed, back["c"])
	require.Equal(t, CheckInvalid, back["b"])

	var c Check
	require.Error(t, json.Unmarshal([]byte(`"yes"`), &c))
}

type failingPolicies struct{}

func (failingPolicies) QuorumPolicy(context.Context, string) (*models.QuorumPolicy, error) {
	return nil, errors.New("connection refused")
}

type brokenLedger struct{}

func (brokenLedger) Read(context.Context, string) (*anchor.Record, error) {
	return nil, errors.New("rpc timeout")
}
