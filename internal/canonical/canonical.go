// Package canonical produces the byte-stable serialization and SHA-256
// fingerprints that every signature in the system is made over.
//
// The canonical form is RFC 8785 (JSON Canonicalization Scheme). Signing and
// verification must both go through Canonicalize; any other encoder breaks
// every signature ever issued.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/wolfeidau/certlane/internal/models"
)

// Scheme names the pinned canonical form.
const Scheme = "jcs-rfc8785"

// Top-level package fields excluded from the fingerprint.
var excludedFields = []string{"signatures", "anchor"}

var (
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
	ErrNotAnObject        = errors.New("document is not a JSON object")
)

// Canonicalize serializes v to its RFC 8785 canonical JSON form.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON transforms an existing JSON document to canonical form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize: %w", err)
	}
	return out, nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashData hashes a string. Salting is the caller's concern.
func HashData(s string) string {
	return SHA256Hex([]byte(s))
}

// HashCanonical canonicalizes v and hashes the result.
func HashCanonical(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// ComputeFingerprint returns SHA256(canonicalize(pkg minus signatures and
// anchor)).
func ComputeFingerprint(pkg *models.CertificationPackage) (string, error) {
	if pkg == nil {
		return "", errors.New("package is nil")
	}
	raw, err := json.Marshal(pkg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal package: %w", err)
	}
	return ComputeFingerprintJSON(raw)
}

// ComputeFingerprintJSON computes the fingerprint of a raw package document,
// for holders that only have the portable JSON.
func ComputeFingerprintJSON(raw []byte) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAnObject, err)
	}
	for _, f := range excludedFields {
		delete(doc, f)
	}

	stripped, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stripped package: %w", err)
	}

	canon, err := CanonicalizeJSON(stripped)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}

// ValidateFingerprint checks that fp is 64 lowercase hex characters. An
// optional 0x prefix is accepted and stripped.
func ValidateFingerprint(fp string) (string, error) {
	s := strings.TrimPrefix(strings.TrimSpace(fp), "0x")
	if len(s) != 64 {
		return "", fmt.Errorf("%w: want 64 hex chars, got %d", ErrInvalidFingerprint, len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: non-lowercase-hex character at %d", ErrInvalidFingerprint, i)
		}
	}
	return s, nil
}

// FingerprintBytes decodes a validated fingerprint into the 32-byte key used
// on-chain.
func FingerprintBytes(fp string) ([32]byte, error) {
	var out [32]byte
	s, err := ValidateFingerprint(fp)
	if err != nil {
		return out, err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	copy(out[:], b)
	return out, nil
}
