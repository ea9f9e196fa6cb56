package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/registry"
	"github.com/wolfeidau/certlane/internal/store"
)

type AuditorCmd struct {
	Add       AuditorAddCmd       `cmd:"" help:"Register an auditor with an initial key"`
	RotateKey AuditorRotateKeyCmd `cmd:"" help:"Close the auditor's active key and open a new one"`
	RevokeKey AuditorRevokeKeyCmd `cmd:"" help:"Revoke a key, closing its window now"`
	SetStatus AuditorSetStatusCmd `cmd:"" help:"Suspend, reactivate or revoke an auditor"`
	Keys      AuditorKeysCmd      `cmd:"" help:"Show an auditor's key history"`
	Show      AuditorShowCmd      `cmd:"" help:"Show an auditor"`
	List      AuditorListCmd      `cmd:"" help:"List auditors"`
}

type AuditorAddCmd struct {
	RegistryFlags
	UserRef   string `help:"external user reference (unique)"`
	Role      string `help:"auditor role" enum:"L1,L2" required:""`
	Alias     string `help:"display alias"`
	PublicKey string `help:"uncompressed secp256k1 public key hex" required:""`
}

func (c *AuditorAddCmd) Run(ctx context.Context, globals *Globals) error {
	reg, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	auditor, key, err := reg.RegisterAuditor(ctx, registry.NewAuditor{
		UserRef:      c.UserRef,
		Role:         models.AuditorRole(c.Role),
		DisplayAlias: c.Alias,
		PublicKeyHex: c.PublicKey,
	})
	if err != nil {
		return err
	}

	printAuditor(os.Stdout, auditor)
	fmt.Println()
	printKeys(os.Stdout, []*models.AuditorKey{key})
	return nil
}

type AuditorRotateKeyCmd struct {
	RegistryFlags
	Auditor   string `arg:"" help:"auditor id or user reference"`
	PublicKey string `help:"new uncompressed secp256k1 public key hex" required:""`
	Reason    string `help:"rotation reason, stored off-chain" default:"rotation"`
}

func (c *AuditorRotateKeyCmd) Run(ctx context.Context, globals *Globals) error {
	reg, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	auditor, err := reg.FindAuditor(ctx, c.Auditor)
	if err != nil {
		return err
	}
	if _, err := reg.RotateKey(ctx, auditor.ID, c.PublicKey, c.Reason); err != nil {
		return err
	}

	keys, err := reg.KeyHistory(ctx, auditor.ID)
	if err != nil {
		return err
	}
	printKeys(os.Stdout, keys)
	return nil
}

type AuditorRevokeKeyCmd struct {
	RegistryFlags
	KeyID  string `arg:"" help:"key id"`
	Reason string `help:"revocation reason, stored off-chain" required:""`
}

func (c *AuditorRevokeKeyCmd) Run(ctx context.Context, globals *Globals) error {
	keyID, err := uuid.Parse(c.KeyID)
	if err != nil {
		return fmt.Errorf("invalid key id: %w", err)
	}

	reg, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	revoked, err := reg.RevokeKey(ctx, keyID, c.Reason)
	if err != nil {
		return err
	}
	if !revoked {
		fmt.Printf("key %s was already closed\n", keyID)
		return nil
	}
	fmt.Printf("revoked key %s\n", keyID)
	return nil
}

type AuditorSetStatusCmd struct {
	RegistryFlags
	Auditor string `arg:"" help:"auditor id or user reference"`
	Status  string `arg:"" help:"new status" enum:"active,suspended,revoked"`
	Reason  string `help:"reason, stored off-chain"`
}

func (c *AuditorSetStatusCmd) Run(ctx context.Context, globals *Globals) error {
	reg, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	auditor, err := reg.FindAuditor(ctx, c.Auditor)
	if err != nil {
		return err
	}
	if err := reg.SetAuditorStatus(ctx, auditor.ID, models.AuditorStatus(c.Status), c.Reason); err != nil {
		return err
	}
	fmt.Printf("auditor %s is now %s\n", auditor.ID, c.Status)
	return nil
}

type AuditorKeysCmd struct {
	RegistryFlags
	Auditor string `arg:"" help:"auditor id or user reference"`
}

func (c *AuditorKeysCmd) Run(ctx context.Context, globals *Globals) error {
	reg, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	auditor, err := reg.FindAuditor(ctx, c.Auditor)
	if err != nil {
		return err
	}
	keys, err := reg.KeyHistory(ctx, auditor.ID)
	if err != nil {
		return err
	}
	printKeys(os.Stdout, keys)
	return nil
}

type AuditorShowCmd struct {
	RegistryFlags
	Auditor string `arg:"" help:"auditor id or user reference"`
}

func (c *AuditorShowCmd) Run(ctx context.Context, globals *Globals) error {
	reg, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	auditor, err := reg.FindAuditor(ctx, c.Auditor)
	if err != nil {
		return err
	}
	printAuditor(os.Stdout, auditor)
	return nil
}

type AuditorListCmd struct {
	RegistryFlags
	Role   string `help:"filter by role (L1, L2)"`
	Status string `help:"filter by status (active, suspended, revoked)"`
	Limit  int    `help:"maximum rows" default:"100"`
}

type auditorRow struct {
	ID      string `header:"ID"`
	UserRef string `header:"USER REF"`
	Role    string `header:"ROLE"`
	Status  string `header:"STATUS"`
	Alias   string `header:"ALIAS"`
	Created string `header:"CREATED"`
}

func (c *AuditorListCmd) Run(ctx context.Context, globals *Globals) error {
	reg, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	auditors, err := reg.ListAuditors(ctx, store.ListAuditorsOptions{
		Role:   models.AuditorRole(strings.ToUpper(c.Role)),
		Status: models.AuditorStatus(strings.ToLower(c.Status)),
		Limit:  c.Limit,
	})
	if err != nil {
		return err
	}
	if len(auditors) == 0 {
		fmt.Println("No auditors found.")
		return nil
	}

	rows := make([]auditorRow, 0, len(auditors))
	for _, a := range auditors {
		rows = append(rows, auditorRow{
			ID:      a.ID.String(),
			UserRef: a.UserRef,
			Role:    string(a.Role),
			Status:  string(a.Status),
			Alias:   a.DisplayAlias,
			Created: formatTime(&a.CreatedAt),
		})
	}
	printTable(os.Stdout, rows)
	return nil
}

type keyRow struct {
	ID          string `header:"KEY ID"`
	Fingerprint string `header:"KEY FINGERPRINT"`
	Status      string `header:"STATUS"`
	ValidFrom   string `header:"VALID FROM"`
	ValidUntil  string `header:"VALID UNTIL"`
	Reason      string `header:"REASON"`
}

func printKeys(out io.Writer, keys []*models.AuditorKey) {
	rows := make([]keyRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, keyRow{
			ID:          k.ID.String(),
			Fingerprint: k.KeyFingerprint[:16],
			Status:      string(k.Status),
			ValidFrom:   formatTime(&k.ValidFrom),
			ValidUntil:  formatTime(k.ValidUntil),
			Reason:      k.Reason,
		})
	}
	printTable(out, rows)
}

func printAuditor(out io.Writer, a *models.Auditor) {
	printTable(out, []auditorRow{{
		ID:      a.ID.String(),
		UserRef: a.UserRef,
		Role:    string(a.Role),
		Status:  string(a.Status),
		Alias:   a.DisplayAlias,
		Created: formatTime(&a.CreatedAt),
	}})
}
