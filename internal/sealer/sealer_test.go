package sealer

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAEAD(t *testing.T) *AEAD {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	a, err := NewAEADFromHex(key)
	require.NoError(t, err)
	return a
}

func TestNewAEAD(t *testing.T) {
	_, err := NewAEAD(make([]byte, 16))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewAEADFromHex("not-hex")
	require.ErrorIs(t, err, ErrInvalidKey)

	a, err := NewAEADFromHex("0x" + string(bytes.Repeat([]byte("ab"), 32)))
	require.NoError(t, err)
	require.Len(t, a.KeyID(), 8)
}

func TestAEAD_SealOpen(t *testing.T) {
	a := newTestAEAD(t)
	plain := []byte(`{"certificate":{"id":"x"}}`)

	sealed, err := a.Seal(plain)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "certificate")

	var env map[string]any
	require.NoError(t, json.Unmarshal(sealed, &env))
	require.Equal(t, AlgorithmXChaCha20Poly1305, env["sealed"])

	opened, err := a.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plain, opened)

	t.Run("nonces differ per seal", func(t *testing.T) {
		again, err := a.Seal(plain)
		require.NoError(t, err)
		require.NotEqual(t, sealed, again)
	})

	t.Run("plain JSON passes through", func(t *testing.T) {
		out, err := a.Open(plain)
		require.NoError(t, err)
		require.Equal(t, plain, out)

		_, err = a.Open([]byte("garbage"))
		require.ErrorIs(t, err, ErrNotJSON)
	})

	t.Run("other key is rejected", func(t *testing.T) {
		_, err := newTestAEAD(t).Open(sealed)
		require.ErrorIs(t, err, ErrWrongKey)
	})

	t.Run("tampered ciphertext is rejected", func(t *testing.T) {
		var e envelope
		require.NoError(t, json.Unmarshal(sealed, &e))
		e.Data[0] ^= 0xff
		tampered, err := json.Marshal(&e)
		require.NoError(t, err)

		_, err = a.Open(tampered)
		require.ErrorIs(t, err, ErrOpenFailed)
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := a.Open([]byte(`{"sealed":"rot13","data":""}`))
		require.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestNoop(t *testing.T) {
	plain := []byte(`{"a":1}`)

	out, err := Noop{}.Seal(plain)
	require.NoError(t, err)
	require.Equal(t, plain, out)

	out, err = Noop{}.Open(plain)
	require.NoError(t, err)
	require.Equal(t, plain, out)

	sealed, err := newTestAEAD(t).Seal(plain)
	require.NoError(t, err)
	_, err = Noop{}.Open(sealed)
	require.ErrorIs(t, err, ErrUnsupported)
}
