package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/wolfeidau/certlane/internal/models"
)

type PolicyCmd struct {
	Load PolicyLoadCmd `cmd:"" help:"Create or replace policies from a YAML file"`
	Show PolicyShowCmd `cmd:"" help:"Show one policy version, or all when none is given"`
}

type PolicyLoadCmd struct {
	RegistryFlags
	File string `arg:"" help:"policy file (- for stdin)" default:"-"`
}

func (c *PolicyLoadCmd) Run(ctx context.Context, globals *Globals) error {
	in := io.Reader(os.Stdin)
	if c.File != "-" {
		f, err := os.Open(c.File)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	reg, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := reg.LoadPolicies(ctx, in)
	if err != nil {
		return err
	}
	fmt.Printf("loaded %d policies\n", n)
	return nil
}

type PolicyShowCmd struct {
	RegistryFlags
	Version string `arg:"" optional:"" help:"policy version"`
}

type policyRow struct {
	Version   string `header:"VERSION"`
	MinL1     string `header:"MIN L1"`
	RequireL2 string `header:"REQUIRE L2"`
	Active    string `header:"ACTIVE"`
}

func (c *PolicyShowCmd) Run(ctx context.Context, globals *Globals) error {
	reg, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	var policies []*models.QuorumPolicy
	if c.Version != "" {
		p, err := reg.QuorumPolicy(ctx, c.Version)
		if err != nil {
			return err
		}
		if p.PolicyVersion != c.Version {
			fmt.Fprintf(os.Stderr, "policy %s missing or inactive, showing default %s\n", c.Version, p.PolicyVersion)
		}
		policies = append(policies, p)
	} else {
		policies, err = reg.ListPolicies(ctx)
		if err != nil {
			return err
		}
	}

	if len(policies) == 0 {
		fmt.Println("No policies found.")
		return nil
	}
	printPolicies(os.Stdout, policies)
	return nil
}

func printPolicies(out io.Writer, policies []*models.QuorumPolicy) {
	rows := make([]policyRow, 0, len(policies))
	for _, p := range policies {
		rows = append(rows, policyRow{
			Version:   p.PolicyVersion,
			MinL1:     strconv.Itoa(p.MinL1Signatures),
			RequireL2: strconv.FormatBool(p.RequireL2Signature),
			Active:    strconv.FormatBool(p.Active),
		})
	}
	printTable(out, rows)
}
