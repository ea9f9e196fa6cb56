package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner implements Signer with an in-process secp256k1 private key.
// Suitable for auditors signing on their own machine and for local
// development of the platform signer.
type KeySigner struct {
	key       *ecdsa.PrivateKey
	publicHex string
	address   string
}

// NewKeySigner wraps an existing private key.
func NewKeySigner(key *ecdsa.PrivateKey) (*KeySigner, error) {
	if key == nil {
		return nil, ErrSigningKeyMissing
	}
	return &KeySigner{
		key:       key,
		publicHex: hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey)),
		address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// NewKeySignerFromHex parses a hex-encoded private key (with or without 0x).
// An empty value returns ErrSigningKeyMissing.
func NewKeySignerFromHex(privateKeyHex string) (*KeySigner, error) {
	s := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if s == "" {
		return nil, ErrSigningKeyMissing
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return NewKeySigner(key)
}

// NewKeySignerFromFile reads a hex-encoded private key from a file.
func NewKeySignerFromFile(path string) (*KeySigner, error) {
	if path == "" {
		return nil, ErrSigningKeyMissing
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key file: %w", err)
	}
	return NewKeySignerFromHex(string(data))
}

// GenerateKey creates a fresh secp256k1 key pair.
func GenerateKey() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKeySigner(key)
}

func (s *KeySigner) Sign(_ context.Context, fingerprintHex string) (string, error) {
	sig, err := crypto.Sign(Digest(fingerprintHex), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func (s *KeySigner) PublicKeyHex() string { return s.publicHex }

func (s *KeySigner) Address() string { return s.address }

// PrivateKeyHex exports the key for the keygen command.
func (s *KeySigner) PrivateKeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(s.key))
}

// PrivateKey exposes the key for ledger transactors that sign with the same
// identity.
func (s *KeySigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}
