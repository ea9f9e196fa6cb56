package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

// KMSAPI is the subset of the AWS KMS client used by KMSSigner.
type KMSAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// KMSSigner implements Signer using an AWS KMS ECC_SECG_P256K1 key.
// The private key never leaves KMS - only digests are sent for signing.
type KMSSigner struct {
	client    KMSAPI
	keyID     string
	publicKey *ecdsa.PublicKey
	publicHex string
	address   string
}

// NewKMSSigner resolves the public key of kmsKeyID and verifies it is a
// secp256k1 key. kmsKeyID can be a key ID, key ARN, alias name, or alias ARN.
func NewKMSSigner(ctx context.Context, client KMSAPI, kmsKeyID string) (*KMSSigner, error) {
	if kmsKeyID == "" {
		return nil, ErrSigningKeyMissing
	}

	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(kmsKeyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from KMS: %w", err)
	}

	if out.KeySpec != types.KeySpecEccSecgP256k1 {
		return nil, fmt.Errorf("KMS key is not secp256k1 (got %s)", out.KeySpec)
	}

	// x509.ParsePKIXPublicKey does not know secp256k1, so unwrap the
	// SubjectPublicKeyInfo by hand.
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(out.PublicKey, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse KMS public key: %w", err)
	}

	pub, err := crypto.UnmarshalPubkey(spki.PublicKey.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to decode KMS public key point: %w", err)
	}

	s := &KMSSigner{
		client:    client,
		keyID:     kmsKeyID,
		publicKey: pub,
		publicHex: hexutil.Encode(crypto.FromECDSAPub(pub)),
		address:   crypto.PubkeyToAddress(*pub).Hex(),
	}

	log.Info().Str("kms_key_id", kmsKeyID).Str("address", s.address).Msg("KMS signer ready")

	return s, nil
}

func (s *KMSSigner) Sign(ctx context.Context, fingerprintHex string) (string, error) {
	digest := Digest(fingerprintHex)

	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return "", fmt.Errorf("KMS sign operation failed: %w", err)
	}

	// KMS returns an ASN.1 SEQUENCE of two INTEGERs.
	var der struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(out.Signature, &der); err != nil {
		return "", fmt.Errorf("failed to parse KMS signature: %w", err)
	}

	// Ethereum recovery requires the low-S form.
	if der.S.Cmp(secp256k1HalfN) > 0 {
		der.S = new(big.Int).Sub(secp256k1N, der.S)
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig[0:32], math.PaddedBigBytes(der.R, 32))
	copy(sig[32:64], math.PaddedBigBytes(der.S, 32))

	want := crypto.FromECDSAPub(s.publicKey)
	for v := byte(0); v <= 1; v++ {
		sig[crypto.RecoveryIDOffset] = v
		recovered, err := crypto.Ecrecover(digest, sig)
		if err == nil && bytes.Equal(recovered, want) {
			sig[crypto.RecoveryIDOffset] = v + 27
			return hexutil.Encode(sig), nil
		}
	}

	return "", fmt.Errorf("failed to derive recovery id for KMS signature")
}

func (s *KMSSigner) PublicKeyHex() string { return s.publicHex }

func (s *KMSSigner) Address() string { return s.address }
