package anchor

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestDecodeCertificate(t *testing.T) {
	issuer := common.HexToAddress("0x02")

	rec, err := decodeCertificate([]any{issuer, uint64(5), uint8(2), fpOf(0)})
	require.NoError(t, err)
	require.Equal(t, issuer, rec.Issuer)
	require.Equal(t, StatusRevoked, rec.Status.Status())

	_, err = decodeCertificate([]any{issuer, uint64(5), uint8(7), fpOf(0)})
	require.ErrorContains(t, err, "unknown status")

	_, err = decodeCertificate([]any{issuer})
	require.Error(t, err)

	_, err = decodeCertificate([]any{"nope", uint64(5), uint8(1), fpOf(0)})
	require.Error(t, err)
}

func TestEthereumConfig_Validate(t *testing.T) {
	cfg := EthereumConfig{}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrLedgerNotConfigured)
	require.ErrorContains(t, err, "rpc url")
	require.ErrorContains(t, err, "contract address")
	require.ErrorContains(t, err, "transactor key")

	cfg = EthereumConfig{
		RPCURL:           "http://127.0.0.1:8545",
		ContractAddress:  "0x5fbdb2315678afecb367f032d93f642f64180aa3",
		ChainID:          31337,
		TransactorKeyHex: "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	}
	require.NoError(t, cfg.Validate())

	readOnly := EthereumConfig{RPCURL: cfg.RPCURL, ContractAddress: cfg.ContractAddress, ChainID: cfg.ChainID, ReadOnly: true}
	require.NoError(t, readOnly.Validate())

	cfg.ApplyDefaults()
	require.NotZero(t, cfg.ConfirmTimeout)

	_, err = NewEthereumLedger(context.Background(), EthereumConfig{RPCURL: "http://127.0.0.1:8545"})
	require.ErrorIs(t, err, ErrLedgerNotConfigured)
}

// fakeBackend answers only the calls made while binding.
type fakeBackend struct {
	Backend
	code    []byte
	chainID int64
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return f.code, nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func TestNewEthereumLedgerWithBackend(t *testing.T) {
	ctx := context.Background()
	cfg := EthereumConfig{
		RPCURL:          "http://127.0.0.1:8545",
		ContractAddress: "0x5fbdb2315678afecb367f032d93f642f64180aa3",
		ChainID:         31337,
		ReadOnly:        true,
	}

	t.Run("no contract code", func(t *testing.T) {
		_, err := NewEthereumLedgerWithBackend(ctx, &fakeBackend{chainID: 31337}, cfg)
		require.ErrorIs(t, err, ErrLedgerNotConfigured)
		require.ErrorContains(t, err, "no contract deployed")
	})

	t.Run("chain id mismatch", func(t *testing.T) {
		_, err := NewEthereumLedgerWithBackend(ctx, &fakeBackend{chainID: 1, code: []byte{0x60}}, cfg)
		require.ErrorIs(t, err, ErrLedgerNotConfigured)
		require.ErrorContains(t, err, "does not match")
	})

	t.Run("read-only ledger refuses writes", func(t *testing.T) {
		l, err := NewEthereumLedgerWithBackend(ctx, &fakeBackend{chainID: 31337, code: []byte{0x60}}, cfg)
		require.NoError(t, err)
		require.Equal(t, common.Address{}, l.Issuer())

		_, err = l.Register(ctx, fpOf(1))
		require.ErrorIs(t, err, ErrLedgerNotConfigured)
	})

	t.Run("transactor key", func(t *testing.T) {
		withKey := cfg
		withKey.ReadOnly = false
		withKey.TransactorKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

		l, err := NewEthereumLedgerWithBackend(ctx, &fakeBackend{chainID: 31337, code: []byte{0x60}}, withKey)
		require.NoError(t, err)
		require.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), l.Issuer())

		withKey.TransactorKeyHex = "0xzz"
		_, err = NewEthereumLedgerWithBackend(ctx, &fakeBackend{chainID: 31337, code: []byte{0x60}}, withKey)
		require.ErrorIs(t, err, ErrLedgerNotConfigured)
	})
}
