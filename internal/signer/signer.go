package signer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/wolfeidau/certlane/internal/models"
)

var (
	// ErrSigningKeyMissing is a configuration error: the process must not
	// start without a signing key.
	ErrSigningKeyMissing = errors.New("signing key not configured")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// Signer signs fingerprint strings as personal (prefixed) messages over
// secp256k1. Implementations include KeySigner (in-process key) and KMSSigner
// (AWS KMS).
type Signer interface {
	// Sign returns the 0x-prefixed 65-byte r||s||v signature over the
	// personal-sign digest of fingerprintHex.
	Sign(ctx context.Context, fingerprintHex string) (string, error)

	// PublicKeyHex returns the normalized uncompressed public key.
	PublicKeyHex() string

	// Address returns the checksummed address derived from the public key.
	Address() string
}

// Digest returns the domain-separated digest that is actually signed.
func Digest(fingerprintHex string) []byte {
	return accounts.TextHash([]byte(fingerprintHex))
}

// RecoverSigner recovers the signer's address from a signature.
func RecoverSigner(fingerprintHex, signatureHex string) (string, error) {
	sig, err := hexutil.Decode(ensure0x(strings.TrimSpace(signatureHex)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}

	// Accept both the 27/28 personal_sign convention and raw 0/1.
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return "", fmt.Errorf("%w: bad recovery id", ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(Digest(fingerprintHex), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// VerifySignature recovers the signer and compares it case-insensitively to
// expectedIdentity. Malformed input yields false.
func VerifySignature(fingerprintHex, signatureHex, expectedIdentity string) bool {
	recovered, err := RecoverSigner(fingerprintHex, signatureHex)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered, strings.TrimSpace(expectedIdentity))
}

// VerifyBlock checks a signature block against its own declared key.
func VerifyBlock(fingerprintHex string, block models.SignatureBlock) bool {
	if block.IsEmpty() {
		return false
	}
	addr, err := AddressFromPublicKeyHex(*block.PublicKeyHex)
	if err != nil {
		return false
	}
	return VerifySignature(fingerprintHex, *block.SignatureHex, addr)
}

// AddressFromPublicKeyHex derives the checksummed address of an uncompressed
// public key.
func AddressFromPublicKeyHex(pub string) (string, error) {
	norm, err := models.NormalizePublicKeyHex(pub)
	if err != nil {
		return "", err
	}
	raw, err := hexutil.Decode(norm)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidPublicKey, err)
	}
	key, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidPublicKey, err)
	}
	return crypto.PubkeyToAddress(*key).Hex(), nil
}

// IsAddress reports whether s is a 20-byte hex address.
func IsAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NewBlock builds a signature block for signer s over fingerprintHex.
func NewBlock(ctx context.Context, s Signer, fingerprintHex string) (models.SignatureBlock, error) {
	sig, err := s.Sign(ctx, fingerprintHex)
	if err != nil {
		return models.SignatureBlock{}, err
	}
	return models.SignatureBlock{
		Algorithm:    models.SignatureAlgorithm,
		PublicKeyHex: models.Ptr(s.PublicKeyHex()),
		SignatureHex: models.Ptr(sig),
	}, nil
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
