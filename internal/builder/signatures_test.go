package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/signer"
)

func TestSignAs(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBuilder(t)

	pkg, err := b.Build(ctx, testFacts())
	require.NoError(t, err)
	fp := pkg.Anchor.Fingerprint

	l1a, l1b, l2 := platformFor(t), platformFor(t), platformFor(t)

	require.NoError(t, SignAs(ctx, l1a, pkg, SlotL1))
	require.NoError(t, SignAs(ctx, l1b, pkg, SlotL1))
	require.NoError(t, SignAs(ctx, l2, pkg, SlotL2))

	require.Len(t, pkg.Signatures.L1Auditors, 2)
	require.Equal(t, l2.PublicKeyHex(), *pkg.Signatures.L2Auditor.PublicKeyHex)

	after, err := canonical.ComputeFingerprint(pkg)
	require.NoError(t, err)
	require.Equal(t, fp, after, "co-signing never changes the fingerprint")

	for _, block := range pkg.Signatures.L1Auditors {
		require.True(t, signer.VerifyBlock(fp, block))
	}

	t.Run("same key twice in l1", func(t *testing.T) {
		err := SignAs(ctx, l1a, pkg, SlotL1)
		require.ErrorIs(t, err, ErrDuplicateSignature)
		require.Len(t, pkg.Signatures.L1Auditors, 2)
	})

	t.Run("l2 is replaced", func(t *testing.T) {
		other := platformFor(t)
		require.NoError(t, SignAs(ctx, other, pkg, SlotL2))
		require.Equal(t, other.PublicKeyHex(), *pkg.Signatures.L2Auditor.PublicKeyHex)
	})

	t.Run("unknown slot", func(t *testing.T) {
		err := SignAs(ctx, platformFor(t), pkg, Slot("l3"))
		require.ErrorIs(t, err, ErrUnknownSlot)
	})

	t.Run("nil signer", func(t *testing.T) {
		require.ErrorIs(t, SignAs(ctx, nil, pkg, SlotL1), signer.ErrSigningKeyMissing)
	})
}

func TestAttachSignature(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBuilder(t)

	pkg, err := b.Build(ctx, testFacts())
	require.NoError(t, err)

	other, err := b.Build(ctx, testFacts())
	require.NoError(t, err)

	auditor := platformFor(t)

	t.Run("signature over another package is rejected", func(t *testing.T) {
		block, err := signer.NewBlock(ctx, auditor, other.Anchor.Fingerprint)
		require.NoError(t, err)
		require.ErrorIs(t, AttachSignature(pkg, SlotL1, block), ErrSignatureMismatch)
	})

	t.Run("empty block", func(t *testing.T) {
		err := AttachSignature(pkg, SlotL1, models.SignatureBlock{Algorithm: models.SignatureAlgorithm})
		require.ErrorIs(t, err, signer.ErrInvalidSignature)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		block, err := signer.NewBlock(ctx, auditor, pkg.Anchor.Fingerprint)
		require.NoError(t, err)
		block.Algorithm = "RSA"
		require.ErrorIs(t, AttachSignature(pkg, SlotL1, block), signer.ErrInvalidSignature)
	})

	t.Run("externally produced block", func(t *testing.T) {
		block, err := signer.NewBlock(ctx, auditor, pkg.Anchor.Fingerprint)
		require.NoError(t, err)
		require.NoError(t, AttachSignature(pkg, SlotL1, block))
		require.Len(t, pkg.Signatures.L1Auditors, 1)
	})
}

func TestParseSlot(t *testing.T) {
	s, err := ParseSlot("L1")
	require.NoError(t, err)
	require.Equal(t, SlotL1, s)

	s, err = ParseSlot("l2")
	require.NoError(t, err)
	require.Equal(t, SlotL2, s)

	_, err = ParseSlot("platform")
	require.ErrorIs(t, err, ErrUnknownSlot)
}
