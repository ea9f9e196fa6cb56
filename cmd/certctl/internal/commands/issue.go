package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/wolfeidau/certlane/internal/anchor"
	"github.com/wolfeidau/certlane/internal/certification"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/store"
)

type IssueCmd struct {
	ServiceFlags
	Facts string `arg:"" help:"facts file (YAML or JSON)" type:"existingfile"`
	Out   string `help:"write the package to this file instead of stdout" type:"path"`
}

func (c *IssueCmd) Run(ctx context.Context, globals *Globals) error {
	facts, err := loadFacts(c.Facts)
	if err != nil {
		return err
	}

	svc, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	pkg, err := svc.service.Issue(ctx, facts.facts(&c.Ledger))
	if errors.Is(err, certification.ErrAnchorFailed) && pkg != nil {
		fmt.Fprintf(os.Stderr, "package %s stored but not anchored, retry with: certctl anchor %s\n",
			pkg.Anchor.Fingerprint, pkg.Anchor.Fingerprint)
	}
	if err != nil {
		return err
	}
	return writeOutput(c.Out, pkg)
}

type AnchorCmd struct {
	ServiceFlags
	Fingerprint string `arg:"" help:"fingerprint of a stored package"`
}

func (c *AnchorCmd) Run(ctx context.Context, globals *Globals) error {
	svc, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	pkg, err := svc.service.Anchor(ctx, c.Fingerprint)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, pkg.Anchor)
}

type RevokeCmd struct {
	ServiceFlags
	Fingerprint string `arg:"" help:"fingerprint of an anchored package"`
	Reason      string `help:"revocation reason code (key_compromise, policy_violation, issued_in_error, superseded, subject_withdrawn, other)" required:""`
	Detail      string `help:"free-text detail, stored off-chain only"`
}

func (c *RevokeCmd) Run(ctx context.Context, globals *Globals) error {
	reason, err := anchor.ParseReasonCode(c.Reason)
	if err != nil {
		return err
	}

	svc, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.service.Revoke(ctx, c.Fingerprint, reason, c.Detail); err != nil {
		return err
	}
	fmt.Printf("revoked %s (%s)\n", c.Fingerprint, reason)
	return nil
}

type SupersedeCmd struct {
	ServiceFlags
	Fingerprint string `arg:"" help:"fingerprint of the package being replaced"`
	Facts       string `arg:"" help:"facts file for the replacement" type:"existingfile"`
	Out         string `help:"write the replacement package to this file instead of stdout" type:"path"`
}

func (c *SupersedeCmd) Run(ctx context.Context, globals *Globals) error {
	facts, err := loadFacts(c.Facts)
	if err != nil {
		return err
	}

	svc, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	pkg, err := svc.service.Supersede(ctx, c.Fingerprint, facts.facts(&c.Ledger))
	if err != nil {
		return err
	}
	return writeOutput(c.Out, pkg)
}

type StatusCmd struct {
	Ledger      LedgerFlags `embed:"" prefix:"ledger-"`
	Fingerprint string      `arg:"" help:"package fingerprint"`
}

func (c *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	client, err := c.Ledger.ReadClient(ctx)
	if err != nil {
		return err
	}
	rec, err := client.Read(ctx, c.Fingerprint)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, rec)
}

type ListCmd struct {
	Postgres PostgresStoreFlags `embed:"" prefix:"postgres-"`
	Subject  string             `help:"filter by subject id"`
	Status   string             `help:"filter by status (issued, anchored, revoked, superseded)" default:""`
	Limit    int                `help:"maximum rows" default:"50"`
}

type certificationRow struct {
	Fingerprint string `header:"FINGERPRINT"`
	Subject     string `header:"SUBJECT"`
	Status      string `header:"STATUS"`
	Created     string `header:"CREATED"`
}

func (c *ListCmd) Run(ctx context.Context, globals *Globals) error {
	pool, err := c.Postgres.Open(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	certs, err := postgresCertifications(pool).List(ctx, store.ListCertificationsOptions{
		SubjectID: c.Subject,
		Status:    models.CertificationStatus(c.Status),
		Limit:     c.Limit,
	})
	if err != nil {
		return err
	}

	if len(certs) == 0 {
		fmt.Println("No packages found.")
		return nil
	}

	rows := make([]certificationRow, 0, len(certs))
	for _, cert := range certs {
		rows = append(rows, certificationRow{
			Fingerprint: cert.Fingerprint,
			Subject:     cert.SubjectID,
			Status:      string(cert.Status),
			Created:     formatTime(&cert.CreatedAt),
		})
	}
	printTable(os.Stdout, rows)
	return nil
}
