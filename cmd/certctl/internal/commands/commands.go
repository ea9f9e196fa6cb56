package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lensesio/tableprinter"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/certlane/internal/anchor"
	"github.com/wolfeidau/certlane/internal/builder"
	"github.com/wolfeidau/certlane/internal/certification"
	"github.com/wolfeidau/certlane/internal/registry"
	"github.com/wolfeidau/certlane/internal/sealer"
	"github.com/wolfeidau/certlane/internal/signer"
	"github.com/wolfeidau/certlane/internal/store"
	postgresstore "github.com/wolfeidau/certlane/internal/store/postgres"
	"github.com/wolfeidau/certlane/internal/verifier"
)

type Globals struct {
	Debug   bool
	Version string
}

type PostgresStoreFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"CERTLANE_POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"4"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"1"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	AutoMigrate bool `help:"run database migrations before the command" default:"false" env:"CERTLANE_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or CERTLANE_POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

// Open validates the flags, connects and optionally migrates.
func (s *PostgresStoreFlags) Open(ctx context.Context) (*pgxpool.Pool, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
		ConnString:      s.ConnString,
		MaxConns:        s.MaxConns,
		MinConns:        s.MinConns,
		MaxConnLifetime: s.MaxConnLifetime,
		MaxConnIdleTime: s.MaxConnIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if s.AutoMigrate {
		if err := postgresstore.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		zerolog.Ctx(ctx).Info().Msg("Database migrations completed")
	}
	return pool, nil
}

type LedgerFlags struct {
	RPCURL          string        `help:"JSON-RPC endpoint of the chain" name:"rpc-url" env:"CERTLANE_LEDGER_RPC_URL"`
	ContractAddress string        `help:"address of the registry contract" env:"CERTLANE_LEDGER_CONTRACT_ADDRESS"`
	ChainID         int64         `help:"chain id the contract is deployed on" env:"CERTLANE_LEDGER_CHAIN_ID"`
	TransactorKey   string        `help:"hex private key that pays for ledger writes" env:"CERTLANE_LEDGER_TRANSACTOR_KEY"`
	ConfirmTimeout  time.Duration `help:"how long to wait for a write to be mined" default:"2m" env:"CERTLANE_LEDGER_CONFIRM_TIMEOUT"`
	ReadMaxTries    uint          `help:"attempts per ledger read" default:"5"`
}

func (l *LedgerFlags) config(readOnly bool) anchor.EthereumConfig {
	return anchor.EthereumConfig{
		RPCURL:           l.RPCURL,
		ContractAddress:  l.ContractAddress,
		ChainID:          l.ChainID,
		TransactorKeyHex: l.TransactorKey,
		ConfirmTimeout:   l.ConfirmTimeout,
		ReadOnly:         readOnly,
	}
}

// Validate checks the settings needed for ledger writes.
func (l *LedgerFlags) Validate() error {
	cfg := l.config(false)
	return cfg.Validate()
}

// Client dials the chain and returns an anchoring client that can write.
func (l *LedgerFlags) Client(ctx context.Context) (*anchor.Client, error) {
	return l.client(ctx, false)
}

// ReadClient returns a client that needs no transactor key.
func (l *LedgerFlags) ReadClient(ctx context.Context) (*anchor.Client, error) {
	return l.client(ctx, true)
}

func (l *LedgerFlags) client(ctx context.Context, readOnly bool) (*anchor.Client, error) {
	cfg := l.config(readOnly)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ledger, err := anchor.NewEthereumLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return anchor.NewClient(ledger, anchor.ClientConfig{ReadMaxTries: l.ReadMaxTries})
}

type SignerFlags struct {
	KeyHex      string `help:"hex secp256k1 private key" name:"key" env:"CERTLANE_SIGNING_KEY"`
	KeyFile     string `help:"file holding a hex secp256k1 private key" type:"path" env:"CERTLANE_SIGNING_KEY_FILE"`
	KMSKeyID    string `help:"AWS KMS ECC_SECG_P256K1 key id, ARN or alias" name:"kms-key-id" env:"CERTLANE_SIGNING_KMS_KEY_ID"`
	AWSRegion   string `help:"AWS region for KMS" default:"us-east-1" env:"AWS_REGION"`
	AWSEndpoint string `help:"AWS endpoint override (LocalStack)" default:"" env:"AWS_ENDPOINT_URL"`
}

func (s *SignerFlags) Validate() error {
	set := 0
	for _, v := range []string{s.KeyHex, s.KeyFile, s.KMSKeyID} {
		if v != "" {
			set++
		}
	}
	switch set {
	case 0:
		return fmt.Errorf("%w: set --signer-key, --signer-key-file or --signer-kms-key-id", signer.ErrSigningKeyMissing)
	case 1:
		return nil
	default:
		return errors.New("only one of --signer-key, --signer-key-file and --signer-kms-key-id may be set")
	}
}

// Signer loads the configured key.
func (s *SignerFlags) Signer(ctx context.Context) (signer.Signer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch {
	case s.KeyHex != "":
		return signer.NewKeySignerFromHex(s.KeyHex)
	case s.KeyFile != "":
		return signer.NewKeySignerFromFile(s.KeyFile)
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(s.AWSRegion),
	}
	if s.AWSEndpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(s.AWSEndpoint))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return signer.NewKMSSigner(ctx, kms.NewFromConfig(awsConfig), s.KMSKeyID)
}

type SealerFlags struct {
	Key string `help:"hex 32-byte key for sealing stored packages (empty stores plain JSON)" env:"CERTLANE_SEALER_KEY"`
}

func (s *SealerFlags) Validate() error {
	if s.Key == "" {
		return nil
	}
	_, err := sealer.NewAEADFromHex(s.Key)
	return err
}

func (s *SealerFlags) Sealer() (sealer.Sealer, error) {
	if s.Key == "" {
		return sealer.Noop{}, nil
	}
	return sealer.NewAEADFromHex(s.Key)
}

type VersionFlags struct {
	CertVersion        string `help:"certificate format version" default:"1.0" env:"CERTLANE_CERT_VERSION"`
	ChecklistVersion   string `help:"audit checklist version" default:"1" env:"CERTLANE_CHECKLIST_VERSION"`
	PlatformVersion    string `help:"platform version recorded in packages" default:"${version}" env:"CERTLANE_PLATFORM_VERSION"`
	SchemaVersion      string `help:"package schema version" default:"1" env:"CERTLANE_SCHEMA_VERSION"`
	AuditPolicyVersion string `help:"quorum policy version pinned at issuance" default:"1.0" env:"CERTLANE_AUDIT_POLICY_VERSION"`
	PlatformTag        string `help:"platform tag recorded in the toolchain fingerprint" default:"certlane" env:"CERTLANE_PLATFORM_TAG"`
}

func (v *VersionFlags) versions() builder.Versions {
	return builder.Versions{
		CertVersion:        v.CertVersion,
		ChecklistVersion:   v.ChecklistVersion,
		PlatformVersion:    v.PlatformVersion,
		SchemaVersion:      v.SchemaVersion,
		AuditPolicyVersion: v.AuditPolicyVersion,
		PlatformTag:        v.PlatformTag,
	}
}

// ServiceFlags is everything needed to run the certification service.
type ServiceFlags struct {
	Postgres PostgresStoreFlags `embed:"" prefix:"postgres-"`
	Ledger   LedgerFlags        `embed:"" prefix:"ledger-"`
	Signer   SignerFlags        `embed:"" prefix:"signer-"`
	Sealer   SealerFlags        `embed:"" prefix:"sealer-"`
	Versions VersionFlags       `embed:""`
}

// services holds the wired collaborators for one command invocation.
type services struct {
	pool     *pgxpool.Pool
	registry *registry.Registry
	anchors  *anchor.Client
	service  *certification.Service
}

func (s *services) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// open validates every flag group up front so a missing key or ledger setting
// fails before any connection is made.
func (f *ServiceFlags) open(ctx context.Context) (*services, error) {
	for _, v := range []interface{ Validate() error }{&f.Postgres, &f.Ledger, &f.Signer, &f.Sealer} {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}

	platform, err := f.Signer.Signer(ctx)
	if err != nil {
		return nil, err
	}
	b, err := builder.New(platform, f.Versions.versions())
	if err != nil {
		return nil, err
	}
	seal, err := f.Sealer.Sealer()
	if err != nil {
		return nil, err
	}

	anchors, err := f.Ledger.Client(ctx)
	if err != nil {
		return nil, err
	}

	pool, err := f.Postgres.Open(ctx)
	if err != nil {
		return nil, err
	}
	out := &services{pool: pool, anchors: anchors}

	out.registry = registry.New(postgresstore.NewRegistryStore(pool),
		registry.WithDefaultPolicyVersion(f.Versions.AuditPolicyVersion))

	v, err := verifier.New(anchors,
		verifier.WithRegistry(out.registry, out.registry),
		verifier.WithPlatformIdentity(platform.Address()))
	if err != nil {
		out.Close()
		return nil, err
	}

	out.service, err = certification.New(certification.Config{
		Builder:  b,
		Store:    postgresstore.NewCertificationStore(pool),
		Anchors:  anchors,
		Verifier: v,
		Sealer:   seal,
	})
	if err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

// RegistryFlags is the registry-only subset used by auditor and policy
// commands.
type RegistryFlags struct {
	Postgres             PostgresStoreFlags `embed:"" prefix:"postgres-"`
	DefaultPolicyVersion string             `help:"policy version used when a package pins a missing one" default:"1.0" env:"CERTLANE_AUDIT_POLICY_VERSION"`
}

func (f *RegistryFlags) open(ctx context.Context) (*registry.Registry, func(), error) {
	pool, err := f.Postgres.Open(ctx)
	if err != nil {
		return nil, nil, err
	}
	reg := registry.New(postgresstore.NewRegistryStore(pool),
		registry.WithDefaultPolicyVersion(f.DefaultPolicyVersion))
	return reg, pool.Close, nil
}

func postgresCertifications(pool *pgxpool.Pool) store.CertificationStore {
	return postgresstore.NewCertificationStore(pool)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeOutput writes v as JSON to path, or stdout when path is empty.
func writeOutput(path string, v any) error {
	if path == "" {
		return printJSON(os.Stdout, v)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := printJSON(f, v); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func printTable(out io.Writer, data any) {
	table := tableprinter.New(out)

	table.HeaderAlignment = tableprinter.AlignLeft
	table.AutoWrapText = false
	table.DefaultAlignment = tableprinter.AlignLeft
	table.CenterSeparator = ""
	table.ColumnSeparator = ""
	table.RowSeparator = ""
	table.HeaderLine = false
	table.BorderBottom = false
	table.BorderLeft = false
	table.BorderRight = false
	table.BorderTop = false
	table.Print(data)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
