package anchor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// RegistryABI is the registry contract interface the ledger client binds to.
const RegistryABI = `[
  {"type":"function","name":"register","stateMutability":"nonpayable",
   "inputs":[{"name":"fingerprint","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"revoke","stateMutability":"nonpayable",
   "inputs":[{"name":"fingerprint","type":"bytes32"},{"name":"reasonCode","type":"string"}],"outputs":[]},
  {"type":"function","name":"supersede","stateMutability":"nonpayable",
   "inputs":[{"name":"oldFingerprint","type":"bytes32"},{"name":"newFingerprint","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getCertificate","stateMutability":"view",
   "inputs":[{"name":"fingerprint","type":"bytes32"}],
   "outputs":[{"name":"issuer","type":"address"},{"name":"timestamp","type":"uint64"},
              {"name":"status","type":"uint8"},{"name":"supersededBy","type":"bytes32"}]},
  {"type":"function","name":"isValid","stateMutability":"view",
   "inputs":[{"name":"fingerprint","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Backend is what the ledger needs from an RPC client. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EthereumConfig configures an EVM registry contract client.
type EthereumConfig struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	// TransactorKeyHex is the hex private key that pays for and sends writes.
	TransactorKeyHex string
	// ConfirmTimeout bounds the wait for a transaction to be mined.
	// Default: 2 minutes
	ConfirmTimeout time.Duration
	// ReadOnly binds without a transactor; every write fails.
	ReadOnly bool
}

// Validate reports missing settings as configuration errors.
func (c *EthereumConfig) Validate() error {
	var missing []string
	if c.RPCURL == "" {
		missing = append(missing, "rpc url")
	}
	if !common.IsHexAddress(c.ContractAddress) {
		missing = append(missing, "contract address")
	}
	if c.ChainID <= 0 {
		missing = append(missing, "chain id")
	}
	if !c.ReadOnly && strings.TrimPrefix(c.TransactorKeyHex, "0x") == "" {
		missing = append(missing, "transactor key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrLedgerNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *EthereumConfig) ApplyDefaults() {
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
}

// EthereumLedger talks to the registry contract over JSON-RPC.
type EthereumLedger struct {
	backend        Backend
	contract       *bind.BoundContract
	address        common.Address
	auth           *bind.TransactOpts
	confirmTimeout time.Duration
}

var _ Ledger = (*EthereumLedger)(nil)

// NewEthereumLedger dials the RPC endpoint and binds the contract.
func NewEthereumLedger(ctx context.Context, cfg EthereumConfig) (*EthereumLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}

	l, err := NewEthereumLedgerWithBackend(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

// NewEthereumLedgerWithBackend binds the contract on an existing backend. It
// checks the chain id and that code is deployed at the contract address.
func NewEthereumLedgerWithBackend(ctx context.Context, backend Backend, cfg EthereumConfig) (*EthereumLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry abi: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cr, ok := backend.(interface {
		ChainID(context.Context) (*big.Int, error)
	}); ok {
		remote, err := cr.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read chain id: %w", err)
		}
		if remote.Cmp(chainID) != 0 {
			return nil, fmt.Errorf("%w: rpc chain id %s does not match configured %d", ErrLedgerNotConfigured, remote, cfg.ChainID)
		}
	}

	address := common.HexToAddress(cfg.ContractAddress)
	code, err := backend.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read contract code: %w", err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: no contract deployed at %s", ErrLedgerNotConfigured, address.Hex())
	}

	var auth *bind.TransactOpts
	if !cfg.ReadOnly {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.TransactorKeyHex), "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: transactor key: %v", ErrLedgerNotConfigured, err)
		}
		auth, err = transactor(key, chainID)
		if err != nil {
			return nil, err
		}
	}

	ev := log.Info().
		Str("contract", address.Hex()).
		Int64("chain_id", cfg.ChainID).
		Bool("read_only", cfg.ReadOnly)
	if auth != nil {
		ev = ev.Str("transactor", auth.From.Hex())
	}
	ev.Msg("Ethereum ledger ready")

	return &EthereumLedger{
		backend:        backend,
		contract:       bind.NewBoundContract(address, parsed, backend, backend, backend),
		address:        address,
		auth:           auth,
		confirmTimeout: cfg.ConfirmTimeout,
	}, nil
}

// Issuer is the address that sends registry writes. It is the zero address
// for a read-only ledger.
func (l *EthereumLedger) Issuer() common.Address {
	if l.auth == nil {
		return common.Address{}
	}
	return l.auth.From
}

func (l *EthereumLedger) Register(ctx context.Context, fp [32]byte) (*Receipt, error) {
	return l.transact(ctx, "register", fp)
}

func (l *EthereumLedger) Revoke(ctx context.Context, fp [32]byte, reasonCode string) (*Receipt, error) {
	return l.transact(ctx, "revoke", fp, reasonCode)
}

func (l *EthereumLedger) Supersede(ctx context.Context, oldFP, newFP [32]byte) (*Receipt, error) {
	return l.transact(ctx, "supersede", oldFP, newFP)
}

func (l *EthereumLedger) GetCertificate(ctx context.Context, fp [32]byte) (*LedgerRecord, error) {
	var out []any
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getCertificate", fp); err != nil {
		return nil, fmt.Errorf("getCertificate: %w", err)
	}
	return decodeCertificate(out)
}

func (l *EthereumLedger) IsValid(ctx context.Context, fp [32]byte) (bool, error) {
	var out []any
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isValid", fp); err != nil {
		return false, fmt.Errorf("isValid: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("isValid: unexpected %d outputs", len(out))
	}
	valid, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("isValid: unexpected output type %T", out[0])
	}
	return valid, nil
}

// transact sends a write and waits for it to be mined. A reverted receipt is
// an error.
func (l *EthereumLedger) transact(ctx context.Context, method string, params ...any) (*Receipt, error) {
	if l.auth == nil {
		return nil, fmt.Errorf("%w: %s on a read-only ledger", ErrLedgerNotConfigured, method)
	}
	opts := *l.auth
	opts.Context = ctx

	tx, err := l.contract.Transact(&opts, method, params...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	log.Debug().Str("method", method).Str("tx_hash", tx.Hash().Hex()).Msg("Submitted ledger transaction")

	waitCtx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, l.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("%s: waiting for %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s reverted in tx %s", ErrTransactionFailed, method, tx.Hash().Hex())
	}

	return &Receipt{
		TxHash:      tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

func transactor(key *ecdsa.PrivateKey, chainID *big.Int) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	return auth, nil
}

// decodeCertificate converts the getCertificate outputs into a LedgerRecord.
func decodeCertificate(out []any) (*LedgerRecord, error) {
	if len(out) != 4 {
		return nil, fmt.Errorf("getCertificate: unexpected %d outputs", len(out))
	}

	issuer, ok := out[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("getCertificate: issuer is %T", out[0])
	}
	ts, ok := out[1].(uint64)
	if !ok {
		return nil, fmt.Errorf("getCertificate: timestamp is %T", out[1])
	}
	status, ok := out[2].(uint8)
	if !ok {
		return nil, fmt.Errorf("getCertificate: status is %T", out[2])
	}
	if ChainStatus(status) > ChainStatusSuperseded {
		return nil, fmt.Errorf("getCertificate: unknown status %d", status)
	}
	superseded, ok := out[3].([32]byte)
	if !ok {
		return nil, fmt.Errorf("getCertificate: supersededBy is %T", out[3])
	}

	return &LedgerRecord{
		Issuer:       issuer,
		Timestamp:    ts,
		Status:       ChainStatus(status),
		SupersededBy: superseded,
	}, nil
}
