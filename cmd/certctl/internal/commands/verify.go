package commands

import (
	"context"
	"errors"
	"os"

	"github.com/wolfeidau/certlane/internal/registry"
	postgresstore "github.com/wolfeidau/certlane/internal/store/postgres"
	"github.com/wolfeidau/certlane/internal/verifier"
)

var ErrNotVerified = errors.New("package not verified")

// VerifyCmd checks a package file. With a connection string the quorum check
// consults the registry; without one it reports unknown.
type VerifyCmd struct {
	Ledger           LedgerFlags        `embed:"" prefix:"ledger-"`
	Postgres         PostgresStoreFlags `embed:"" prefix:"postgres-"`
	File             string             `arg:"" help:"package file (- for stdin)" default:"-"`
	PlatformIdentity string             `help:"address the platform signature must recover to" env:"CERTLANE_PLATFORM_IDENTITY"`
	PolicyVersion    string             `help:"fallback quorum policy version" default:"1.0" env:"CERTLANE_AUDIT_POLICY_VERSION"`
}

func (c *VerifyCmd) Run(ctx context.Context, globals *Globals) error {
	raw, err := readInput(c.File)
	if err != nil {
		return err
	}

	client, err := c.Ledger.ReadClient(ctx)
	if err != nil {
		return err
	}

	opts := []verifier.Option{}
	if c.PlatformIdentity != "" {
		opts = append(opts, verifier.WithPlatformIdentity(c.PlatformIdentity))
	}
	if c.Postgres.ConnString != "" {
		pool, err := c.Postgres.Open(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		reg := registry.New(postgresstore.NewRegistryStore(pool), registry.WithDefaultPolicyVersion(c.PolicyVersion))
		opts = append(opts, verifier.WithRegistry(reg, reg))
	}

	v, err := verifier.New(client, opts...)
	if err != nil {
		return err
	}

	res, err := v.VerifyJSON(ctx, raw)
	if err != nil {
		return err
	}
	if err := printJSON(os.Stdout, res); err != nil {
		return err
	}
	if !res.Verified {
		return ErrNotVerified
	}
	return nil
}
