package main

import (
	"context"
	"time"

	"github.com/alecthomas/kong"
	zlog "github.com/rs/zerolog/log"
	"github.com/wolfeidau/certlane/cmd/certctl/internal/commands"
	"github.com/wolfeidau/certlane/internal/logger"
	"github.com/wolfeidau/certlane/internal/telemetry"
)

var (
	version = "dev"
	cli     struct {
		Keygen      commands.KeygenCmd      `cmd:"" help:"Generate a secp256k1 signing key or a sealer key"`
		Fingerprint commands.FingerprintCmd `cmd:"" help:"Compute the fingerprint of a package or a document"`
		Issue       commands.IssueCmd       `cmd:"" help:"Build, store and anchor a certification package"`
		Sign        commands.SignCmd        `cmd:"" help:"Sign a package file with an auditor key"`
		Attach      commands.AttachCmd      `cmd:"" help:"Attach auditor signatures from a signed file to a stored package"`
		Verify      commands.VerifyCmd      `cmd:"" help:"Verify a package file"`
		Anchor      commands.AnchorCmd      `cmd:"" help:"Anchor a stored package that has not been anchored"`
		Revoke      commands.RevokeCmd      `cmd:"" help:"Revoke an anchored package"`
		Supersede   commands.SupersedeCmd   `cmd:"" help:"Issue a replacement package and supersede the old one"`
		Status      commands.StatusCmd      `cmd:"" help:"Read the on-chain status of a fingerprint"`
		List        commands.ListCmd        `cmd:"" help:"List stored packages"`
		Auditor     commands.AuditorCmd     `cmd:"" help:"Manage auditors and their keys"`
		Policy      commands.PolicyCmd      `cmd:"" help:"Manage quorum policies"`
		Debug       bool                    `help:"Enable debug mode."`
		Tracing     bool                    `help:"Export traces and metrics over OTLP." env:"CERTLANE_TRACING"`
		Version     kong.VersionFlag
	}
)

func main() {
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		})

	log := logger.Setup(cli.Debug)
	zlog.Logger = log
	ctx := log.WithContext(context.Background())
	cmd.BindTo(ctx, (*context.Context)(nil))

	if cli.Tracing {
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{ServiceName: "certctl", Version: version})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown telemetry")
				}
			}()
		}
	}

	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
