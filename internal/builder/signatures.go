package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/signer"
	"github.com/wolfeidau/certlane/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrUnknownSlot        = errors.New("unknown signature slot")
	ErrSignatureMismatch  = errors.New("signature does not match package fingerprint")
	ErrDuplicateSignature = errors.New("key already signed this slot")
)

// Slot selects where an auditor signature is placed.
type Slot string

const (
	SlotL1 Slot = "l1"
	SlotL2 Slot = "l2"
)

// ParseSlot accepts "l1"/"L1" and "l2"/"L2".
func ParseSlot(s string) (Slot, error) {
	switch Slot(strings.ToLower(s)) {
	case SlotL1:
		return SlotL1, nil
	case SlotL2:
		return SlotL2, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSlot, s)
}

// AttachSignature places block on pkg after checking that it signs the
// package's current fingerprint. L1 blocks are appended, the L2 block is
// replaced. The fingerprint is unchanged by construction.
func AttachSignature(pkg *models.CertificationPackage, slot Slot, block models.SignatureBlock) error {
	if block.IsEmpty() {
		return fmt.Errorf("%w: empty block", signer.ErrInvalidSignature)
	}
	if block.Algorithm != models.SignatureAlgorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", signer.ErrInvalidSignature, block.Algorithm)
	}

	pub, err := models.NormalizePublicKeyHex(*block.PublicKeyHex)
	if err != nil {
		return err
	}
	block.PublicKeyHex = &pub

	fp, err := canonical.ComputeFingerprint(pkg)
	if err != nil {
		return fmt.Errorf("failed to compute fingerprint: %w", err)
	}
	if !signer.VerifyBlock(fp, block) {
		return ErrSignatureMismatch
	}

	switch slot {
	case SlotL1:
		for _, existing := range pkg.Signatures.L1Auditors {
			if existing.PublicKeyHex != nil && strings.EqualFold(*existing.PublicKeyHex, pub) {
				return ErrDuplicateSignature
			}
		}
		pkg.Signatures.L1Auditors = append(pkg.Signatures.L1Auditors, block)
	case SlotL2:
		pkg.Signatures.L2Auditor = block
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}

	log.Debug().
		Str("fingerprint", fp).
		Str("slot", string(slot)).
		Msg("Attached signature")

	return nil
}

// SignAs signs pkg's fingerprint with s and attaches the block to slot.
func SignAs(ctx context.Context, s signer.Signer, pkg *models.CertificationPackage, slot Slot) error {
	if s == nil {
		return signer.ErrSigningKeyMissing
	}

	fp, err := canonical.ComputeFingerprint(pkg)
	if err != nil {
		return fmt.Errorf("failed to compute fingerprint: %w", err)
	}

	block, err := signer.NewBlock(ctx, s, fp)
	if err != nil {
		return err
	}
	if err := AttachSignature(pkg, slot, block); err != nil {
		return err
	}

	telemetry.GetMetrics().SignaturesAttachedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("slot", string(slot))))
	return nil
}
