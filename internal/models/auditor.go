package models

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key hex")
	ErrInvalidAuditor   = errors.New("invalid auditor")
	ErrInvalidKey       = errors.New("invalid auditor key")
	ErrInvalidPolicy    = errors.New("invalid quorum policy")
)

// AuditorRole is the tier an auditor signs at.
type AuditorRole string

const (
	RoleL1 AuditorRole = "L1"
	RoleL2 AuditorRole = "L2"
)

// AuditorStatus represents the administrative status of an auditor.
type AuditorStatus string

const (
	AuditorStatusActive    AuditorStatus = "active"
	AuditorStatusSuspended AuditorStatus = "suspended"
	AuditorStatusRevoked   AuditorStatus = "revoked"
)

func (s AuditorStatus) Valid() bool {
	switch s {
	case AuditorStatusActive, AuditorStatusSuspended, AuditorStatusRevoked:
		return true
	}
	return false
}

// KeyStatus represents the status of an auditor key row.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
)

// Auditor is a registered signing identity. Auditors are created by an
// administrative action, never by the certification flow.
type Auditor struct {
	ID           uuid.UUID     // UUIDv7
	UserRef      string        // external user reference (unique)
	Role         AuditorRole   // "L1" or "L2"
	Status       AuditorStatus // "active", "suspended", "revoked"
	DisplayAlias string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks a row read from or written to storage.
func (a *Auditor) Validate() error {
	if a.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidAuditor)
	}
	switch a.Role {
	case RoleL1, RoleL2:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidAuditor, a.Role)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAuditor, a.Status)
	}
	return nil
}

// AuditorKey is one entry in an auditor's key history. A key whose
// ValidUntil is set is closed and its window never changes again.
type AuditorKey struct {
	ID             uuid.UUID
	AuditorID      uuid.UUID
	PublicKeyHex   string // normalized, 0x-prefixed uncompressed secp256k1 point
	KeyFingerprint string // SHA-256 hex of PublicKeyHex
	Status         KeyStatus
	ValidFrom      time.Time
	ValidUntil     *time.Time
	Reason         string // rotation or revocation reason, off-chain only
}

// IsOpen reports whether the key has an open-ended validity window.
func (k *AuditorKey) IsOpen() bool {
	return k.ValidUntil == nil
}

// Covers reports whether t falls inside the key's validity window, inclusive
// at both ends.
func (k *AuditorKey) Covers(t time.Time) bool {
	if t.Before(k.ValidFrom) {
		return false
	}
	return k.ValidUntil == nil || !t.After(*k.ValidUntil)
}

// Validate checks a row read from or written to storage.
func (k *AuditorKey) Validate() error {
	if k.ID == uuid.Nil || k.AuditorID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidKey)
	}
	if _, err := NormalizePublicKeyHex(k.PublicKeyHex); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(k.KeyFingerprint) != 64 {
		return fmt.Errorf("%w: bad fingerprint length", ErrInvalidKey)
	}
	switch k.Status {
	case KeyStatusActive, KeyStatusRevoked:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidKey, k.Status)
	}
	if k.ValidUntil != nil && k.ValidUntil.Before(k.ValidFrom) {
		return fmt.Errorf("%w: window closes before it opens", ErrInvalidKey)
	}
	return nil
}

// QuorumPolicy is a versioned signature requirement. Packages pin the version
// in effect at issuance.
type QuorumPolicy struct {
	PolicyVersion      string `yaml:"policy_version"`
	MinL1Signatures    int    `yaml:"min_l1_signatures"`
	RequireL2Signature bool   `yaml:"require_l2_signature"`
	Active             bool   `yaml:"active"`
}

func (p *QuorumPolicy) Validate() error {
	if strings.TrimSpace(p.PolicyVersion) == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidPolicy)
	}
	if p.MinL1Signatures < 0 {
		return fmt.Errorf("%w: negative min_l1_signatures", ErrInvalidPolicy)
	}
	return nil
}

// NormalizePublicKeyHex returns the lowercase, 0x-prefixed form of an
// uncompressed secp256k1 public key (65 bytes, leading 0x04).
func NormalizePublicKeyHex(pub string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(pub))
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: not hex", ErrInvalidPublicKey)
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		return "", fmt.Errorf("%w: want 65-byte uncompressed point, got %d bytes", ErrInvalidPublicKey, len(raw))
	}
	return "0x" + s, nil
}
