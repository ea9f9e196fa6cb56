// Package sealer encrypts stored package JSON at rest.
package sealer

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// AlgorithmXChaCha20Poly1305 is the envelope algorithm label.
const AlgorithmXChaCha20Poly1305 = "xchacha20poly1305"

var (
	ErrInvalidKey  = errors.New("invalid sealer key")
	ErrWrongKey    = errors.New("sealed with a different key")
	ErrNotJSON     = errors.New("stored data is neither an envelope nor plain JSON")
	ErrUnsupported = errors.New("unsupported envelope algorithm")
	ErrOpenFailed  = errors.New("failed to open envelope")
)

// Sealer wraps package JSON before it is written to storage. Open must accept
// both its own envelopes and plain JSON written while sealing was disabled.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(stored []byte) ([]byte, error)
}

// Noop stores JSON as-is.
type Noop struct{}

func (Noop) Seal(plain []byte) ([]byte, error) { return plain, nil }

func (Noop) Open(stored []byte) ([]byte, error) {
	if isEnvelope(stored) {
		return nil, fmt.Errorf("%w: sealing is disabled", ErrUnsupported)
	}
	return stored, nil
}

var _ Sealer = Noop{}

// envelope is the stored form of sealed data.
type envelope struct {
	Sealed string `json:"sealed"`
	KeyID  string `json:"kid"`
	Nonce  []byte `json:"nonce"`
	Data   []byte `json:"data"`
}

// AEAD seals with XChaCha20-Poly1305 under a 32-byte key.
type AEAD struct {
	key   []byte
	keyID string
}

var _ Sealer = (*AEAD)(nil)

func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}
	sum := sha256.Sum256(key)
	return &AEAD{
		key:   bytes.Clone(key),
		keyID: hex.EncodeToString(sum[:4]),
	}, nil
}

// NewAEADFromHex parses a hex encoded key, with or without 0x.
func NewAEADFromHex(keyHex string) (*AEAD, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidKey)
	}
	return NewAEAD(raw)
}

// KeyID is a short checksum of the key recorded in each envelope.
func (a *AEAD) KeyID() string {
	return a.keyID
}

func (a *AEAD) Seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	env := envelope{
		Sealed: AlgorithmXChaCha20Poly1305,
		KeyID:  a.keyID,
		Nonce:  nonce,
	}
	env.Data = aead.Seal(nil, nonce, plain, []byte(env.KeyID))

	return json.Marshal(&env)
}

func (a *AEAD) Open(stored []byte) ([]byte, error) {
	if !isEnvelope(stored) {
		if !json.Valid(stored) {
			return nil, ErrNotJSON
		}
		return stored, nil
	}

	var env envelope
	if err := json.Unmarshal(stored, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if env.Sealed != AlgorithmXChaCha20Poly1305 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, env.Sealed)
	}
	if env.KeyID != a.keyID {
		return nil, fmt.Errorf("%w: envelope key %s, have %s", ErrWrongKey, env.KeyID, a.keyID)
	}

	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce size %d", ErrOpenFailed, len(env.Nonce))
	}

	plain, err := aead.Open(nil, env.Nonce, env.Data, []byte(env.KeyID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	return plain, nil
}

// GenerateKey returns a random 32-byte key as hex.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("crypto/rand read: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// isEnvelope reports whether stored is a JSON object carrying a "sealed" marker.
func isEnvelope(stored []byte) bool {
	var probe struct {
		Sealed *string `json:"sealed"`
	}
	if err := json.Unmarshal(stored, &probe); err != nil {
		return false
	}
	return probe.Sealed != nil
}
