package quorum

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certlane/internal/builder"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/registry"
	"github.com/wolfeidau/certlane/internal/signer"
	"github.com/wolfeidau/certlane/internal/store/memory"
)

// fakeResolver maps public keys to a fixed validity answer.
type fakeResolver struct {
	keys map[string]registry.KeyValidity
	err  error
}

func (f *fakeResolver) WasKeyActiveAt(_ context.Context, pub string, _ time.Time) (registry.KeyValidity, error) {
	if f.err != nil {
		return registry.KeyValidity{}, f.err
	}
	return f.keys[pub], nil
}

type party struct {
	signer *signer.KeySigner
	id     uuid.UUID
}

func newParty(t *testing.T) party {
	t.Helper()
	s, err := signer.GenerateKey()
	require.NoError(t, err)
	return party{signer: s, id: uuid.Must(uuid.NewV7())}
}

func (f *fakeResolver) add(p party, role models.AuditorRole) {
	f.keys[p.signer.PublicKeyHex()] = registry.KeyValidity{Valid: true, AuditorID: p.id, Role: role}
}

func buildPackage(t *testing.T) *models.CertificationPackage {
	t.Helper()
	platform, err := signer.GenerateKey()
	require.NoError(t, err)

	b, err := builder.New(platform, builder.Versions{
		CertVersion: "1", ChecklistVersion: "1", PlatformVersion: "1", SchemaVersion: "1", AuditPolicyVersion: "1.0",
	})
	require.NoError(t, err)

	pkg, err := b.Build(context.Background(), builder.Facts{
		SubjectID:       "session-1",
		SubjectContract: map[string]string{"k": "v"},
		Mode:            "supervised",
		ChainID:         1,
		ContractAddress: "0x5fbdb2315678afecb367f032d93f642f64180aa3",
	})
	require.NoError(t, err)
	return pkg
}

func sign(t *testing.T, pkg *models.CertificationPackage, slot builder.Slot, parties ...party) {
	t.Helper()
	for _, p := range parties {
		require.NoError(t, builder.SignAs(context.Background(), p.signer, pkg, slot))
	}
}

func containsMessage(errs []string, part string) bool {
	for _, e := range errs {
		if strings.Contains(e, part) {
			return true
		}
	}
	return false
}

var strictPolicy = &models.QuorumPolicy{PolicyVersion: "1.0", MinL1Signatures: 2, RequireL2Signature: true, Active: true}

func TestCheck_QuorumArithmetic(t *testing.T) {
	ctx := context.Background()

	t.Run("three distinct l1 and an l2 are satisfied", func(t *testing.T) {
		res := &fakeResolver{keys: map[string]registry.KeyValidity{}}
		a, b, c, z := newParty(t), newParty(t), newParty(t), newParty(t)
		res.add(a, models.RoleL1)
		res.add(b, models.RoleL1)
		res.add(c, models.RoleL1)
		res.add(z, models.RoleL2)

		pkg := buildPackage(t)
		sign(t, pkg, builder.SlotL1, a, b, c)
		sign(t, pkg, builder.SlotL2, z)

		r, err := NewEvaluator(res).Check(ctx, pkg, strictPolicy)
		require.NoError(t, err)
		require.True(t, r.Satisfied, r.Errors)
		require.Equal(t, 3, r.L1Count)
		require.Equal(t, 2, r.L1Required)
		require.Equal(t, []uuid.UUID{a.id, b.id, c.id}, r.DistinctL1AuditorIDs)
		require.True(t, r.L2Present)
		require.Empty(t, r.Errors)
	})

	t.Run("one of two l1 is not satisfied", func(t *testing.T) {
		res := &fakeResolver{keys: map[string]registry.KeyValidity{}}
		a, z := newParty(t), newParty(t)
		res.add(a, models.RoleL1)
		res.add(z, models.RoleL2)

		pkg := buildPackage(t)
		sign(t, pkg, builder.SlotL1, a)
		sign(t, pkg, builder.SlotL2, z)

		r, err := NewEvaluator(res).Check(ctx, pkg, strictPolicy)
		require.NoError(t, err)
		require.False(t, r.Satisfied)
		require.Equal(t, 1, r.L1Count)
		require.True(t, containsMessage(r.Errors, "quorum"), r.Errors)
	})

	t.Run("two keys of one auditor count once", func(t *testing.T) {
		res := &fakeResolver{keys: map[string]registry.KeyValidity{}}
		a1, a2, z := newParty(t), newParty(t), newParty(t)
		a2.id = a1.id
		res.add(a1, models.RoleL1)
		res.add(a2, models.RoleL1)
		res.add(z, models.RoleL2)

		pkg := buildPackage(t)
		sign(t, pkg, builder.SlotL1, a1, a2)
		sign(t, pkg, builder.SlotL2, z)

		r, err := NewEvaluator(res).Check(ctx, pkg, strictPolicy)
		require.NoError(t, err)
		require.False(t, r.Satisfied)
		require.Equal(t, 1, r.L1Count)
		require.Len(t, r.DistinctL1AuditorIDs, 1)
		require.True(t, containsMessage(r.Errors, "duplicate"), r.Errors)
	})

	t.Run("l2 auditor in an l1 slot is a role mismatch", func(t *testing.T) {
		res := &fakeResolver{keys: map[string]registry.KeyValidity{}}
		a, b, z := newParty(t), newParty(t), newParty(t)
		res.add(a, models.RoleL1)
		res.add(b, models.RoleL1)
		res.add(z, models.RoleL2)

		pkg := buildPackage(t)
		sign(t, pkg, builder.SlotL1, a, b, z)
		sign(t, pkg, builder.SlotL2, z)

		r, err := NewEvaluator(res).Check(ctx, pkg, strictPolicy)
		require.NoError(t, err)
		require.Equal(t, 2, r.L1Count)
		require.False(t, r.Satisfied, "any recorded error fails the quorum")
		require.True(t, containsMessage(r.Errors, "role mismatch"), r.Errors)
	})

	t.Run("pure l2 policy with zero l1", func(t *testing.T) {
		res := &fakeResolver{keys: map[string]registry.KeyValidity{}}
		z := newParty(t)
		res.add(z, models.RoleL2)

		pkg := buildPackage(t)
		sign(t, pkg, builder.SlotL2, z)

		policy := &models.QuorumPolicy{PolicyVersion: "l2-only", MinL1Signatures: 0, RequireL2Signature: true, Active: true}
		r, err := NewEvaluator(res).Check(ctx, pkg, policy)
		require.NoError(t, err)
		require.True(t, r.Satisfied, r.Errors)
		require.Zero(t, r.L1Count)
	})

	t.Run("missing l2 when required", func(t *testing.T) {
		res := &fakeResolver{keys: map[string]registry.KeyValidity{}}
		a, b := newParty(t), newParty(t)
		res.add(a, models.RoleL1)
		res.add(b, models.RoleL1)

		pkg := buildPackage(t)
		sign(t, pkg, builder.SlotL1, a, b)

		r, err := NewEvaluator(res).Check(ctx, pkg, strictPolicy)
		require.NoError(t, err)
		require.False(t, r.Satisfied)
		require.True(t, containsMessage(r.Errors, "l2"), r.Errors)
	})

	t.Run("invalid l2 is ignored when not required", func(t *testing.T) {
		res := &fakeResolver{keys: map[string]registry.KeyValidity{}}
		a, stranger := newParty(t), newParty(t)
		res.add(a, models.RoleL1)

		pkg := buildPackage(t)
		sign(t, pkg, builder.SlotL1, a)
		sign(t, pkg, builder.SlotL2, stranger)

		policy := &models.QuorumPolicy{PolicyVersion: "lenient", MinL1Signatures: 1, Active: true}
		r, err := NewEvaluator(res).Check(ctx, pkg, policy)
		require.NoError(t, err)
		require.True(t, r.Satisfied, r.Errors)
		require.False(t, r.L2Present)
	})

	t.Run("unknown signer is recorded", func(t *testing.T) {
		res := &fakeResolver{keys: map[string]registry.KeyValidity{}}
		stranger := newParty(t)

		pkg := buildPackage(t)
		sign(t, pkg, builder.SlotL1, stranger)

		policy := &models.QuorumPolicy{PolicyVersion: "p", MinL1Signatures: 1, Active: true}
		r, err := NewEvaluator(res).Check(ctx, pkg, policy)
		require.NoError(t, err)
		require.False(t, r.Satisfied)
		require.True(t, containsMessage(r.Errors, "not active at issuance"), r.Errors)
	})

	t.Run("forged block is recorded", func(t *testing.T) {
		res := &fakeResolver{keys: map[string]registry.KeyValidity{}}
		a, b := newParty(t), newParty(t)
		res.add(a, models.RoleL1)

		pkg := buildPackage(t)
		sign(t, pkg, builder.SlotL1, b)
		// Claim a's key for b's signature.
		pkg.Signatures.L1Auditors[0].PublicKeyHex = models.Ptr(a.signer.PublicKeyHex())

		policy := &models.QuorumPolicy{PolicyVersion: "p", MinL1Signatures: 1, Active: true}
		r, err := NewEvaluator(res).Check(ctx, pkg, policy)
		require.NoError(t, err)
		require.False(t, r.Satisfied)
		require.Zero(t, r.L1Count)
	})
}

func TestCheck_RegistryFailure(t *testing.T) {
	res := &fakeResolver{err: errors.New("connection refused")}
	a := newParty(t)

	pkg := buildPackage(t)
	sign(t, pkg, builder.SlotL1, a)

	_, err := NewEvaluator(res).Check(context.Background(), pkg, strictPolicy)
	require.ErrorContains(t, err, "connection refused")
}

func TestCheck_AgainstRegistry(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(memory.NewRegistryStore())

	a, b, z := newParty(t), newParty(t), newParty(t)
	for _, p := range []struct {
		party
		role models.AuditorRole
	}{{a, models.RoleL1}, {b, models.RoleL1}, {z, models.RoleL2}} {
		_, _, err := reg.RegisterAuditor(ctx, registry.NewAuditor{Role: p.role, PublicKeyHex: p.signer.PublicKeyHex()})
		require.NoError(t, err)
	}

	// Registered before issuance, so the windows cover issuedAt.
	pkg := buildPackage(t)
	sign(t, pkg, builder.SlotL1, a, b)
	sign(t, pkg, builder.SlotL2, z)

	r, err := NewEvaluator(reg).Check(ctx, pkg, strictPolicy)
	require.NoError(t, err)
	require.True(t, r.Satisfied, r.Errors)
	require.Len(t, r.DistinctL1AuditorIDs, 2)
}

func TestCheck_SuspendedSigners(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Add(-time.Hour)
	reg := registry.New(memory.NewRegistryStore(), registry.WithClock(func() time.Time { return now }))

	a, b, z := newParty(t), newParty(t), newParty(t)
	ids := map[party]uuid.UUID{}
	for _, p := range []struct {
		party
		role models.AuditorRole
	}{{a, models.RoleL1}, {b, models.RoleL1}, {z, models.RoleL2}} {
		auditor, _, err := reg.RegisterAuditor(ctx, registry.NewAuditor{Role: p.role, PublicKeyHex: p.signer.PublicKeyHex()})
		require.NoError(t, err)
		ids[p.party] = auditor.ID
	}

	issuedBefore := buildPackage(t)
	issuedBefore.Certificate.IssuedAt = now.Add(10 * time.Minute)
	sign(t, issuedBefore, builder.SlotL1, a, b)
	sign(t, issuedBefore, builder.SlotL2, z)

	now = now.Add(30 * time.Minute)
	require.NoError(t, reg.SetAuditorStatus(ctx, ids[a], models.AuditorStatusSuspended, "review"))
	require.NoError(t, reg.SetAuditorStatus(ctx, ids[b], models.AuditorStatusSuspended, "review"))

	t.Run("package issued after suspension misses quorum", func(t *testing.T) {
		pkg := buildPackage(t)
		sign(t, pkg, builder.SlotL1, a, b)
		sign(t, pkg, builder.SlotL2, z)

		r, err := NewEvaluator(reg).Check(ctx, pkg, strictPolicy)
		require.NoError(t, err)
		require.False(t, r.Satisfied)
		require.Zero(t, r.L1Count)
		require.True(t, containsMessage(r.Errors, "quorum not met"), r.Errors)
	})

	t.Run("package issued before suspension still holds", func(t *testing.T) {
		r, err := NewEvaluator(reg).Check(ctx, issuedBefore, strictPolicy)
		require.NoError(t, err)
		require.True(t, r.Satisfied, r.Errors)
		require.Equal(t, 2, r.L1Count)
	})
}
