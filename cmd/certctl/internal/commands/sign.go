package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfeidau/certlane/internal/builder"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/models"
)

// SignCmd signs a package file with an auditor key. It needs no access to the
// store or ledger.
type SignCmd struct {
	Signer SignerFlags `embed:"" prefix:"signer-"`
	File   string      `arg:"" help:"package file (- for stdin)" default:"-"`
	Slot   string      `help:"signature slot" enum:"l1,l2" default:"l1"`
	Out    string      `help:"write the signed package to this file instead of stdout" type:"path"`
}

func (c *SignCmd) Run(ctx context.Context, globals *Globals) error {
	slot, err := builder.ParseSlot(c.Slot)
	if err != nil {
		return err
	}
	s, err := c.Signer.Signer(ctx)
	if err != nil {
		return err
	}

	pkg, err := readPackage(c.File)
	if err != nil {
		return err
	}
	if err := builder.SignAs(ctx, s, pkg, slot); err != nil {
		return err
	}
	return writeOutput(c.Out, pkg)
}

// AttachCmd copies auditor signatures from a signed package file onto the
// stored package with the same fingerprint.
type AttachCmd struct {
	ServiceFlags
	Fingerprint string `arg:"" help:"fingerprint of the stored package"`
	File        string `arg:"" help:"signed package file" type:"existingfile"`
}

func (c *AttachCmd) Run(ctx context.Context, globals *Globals) error {
	signed, err := readPackage(c.File)
	if err != nil {
		return err
	}
	want, err := canonical.ValidateFingerprint(c.Fingerprint)
	if err != nil {
		return err
	}
	got, err := canonical.ComputeFingerprint(signed)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: file is %s", builder.ErrSignatureMismatch, got)
	}

	svc, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	_, stored, err := svc.service.Get(ctx, want)
	if err != nil {
		return err
	}

	attached := 0
	for _, block := range signed.Signatures.L1Auditors {
		if block.IsEmpty() {
			continue
		}
		_, err := svc.service.AddSignature(ctx, want, builder.SlotL1, block)
		switch {
		case errors.Is(err, builder.ErrDuplicateSignature):
		case err != nil:
			return err
		default:
			attached++
		}
	}

	l2 := signed.Signatures.L2Auditor
	if !l2.IsEmpty() && !sameKey(l2, stored.Signatures.L2Auditor) {
		if _, err := svc.service.AddSignature(ctx, want, builder.SlotL2, l2); err != nil {
			return err
		}
		attached++
	}

	fmt.Printf("attached %d signature(s) to %s\n", attached, want)
	return nil
}

func sameKey(a, b models.SignatureBlock) bool {
	return !b.IsEmpty() && strings.EqualFold(*a.PublicKeyHex, *b.PublicKeyHex)
}

func readPackage(path string) (*models.CertificationPackage, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	return decodePackage(data)
}

// decodePackage rejects documents whose fingerprint would change by being
// decoded, so a signature is never made over fields the verifier would hash
// differently.
func decodePackage(data []byte) (*models.CertificationPackage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var pkg models.CertificationPackage
	if err := dec.Decode(&pkg); err != nil {
		return nil, fmt.Errorf("failed to decode package: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to decode package: trailing data after document")
	}

	raw, err := canonical.ComputeFingerprintJSON(data)
	if err != nil {
		return nil, err
	}
	decoded, err := canonical.ComputeFingerprint(&pkg)
	if err != nil {
		return nil, err
	}
	if raw != decoded {
		return nil, fmt.Errorf("package document does not survive decoding: fingerprint %s became %s", raw, decoded)
	}
	return &pkg, nil
}
