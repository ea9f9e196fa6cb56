package anchor

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func fpOf(b byte) [32]byte {
	var fp [32]byte
	fp[31] = b
	return fp
}

func TestMemoryLedger_StateMachine(t *testing.T) {
	ctx := context.Background()
	issuer := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	l := NewMemoryLedger(issuer)

	a, b := fpOf(1), fpOf(2)

	rec, err := l.GetCertificate(ctx, a)
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, rec.Status.Status())

	r1, err := l.Register(ctx, a)
	require.NoError(t, err)
	require.Equal(t, uint64(1), r1.BlockNumber)
	require.Len(t, r1.TxHash, 66)

	_, err = l.Register(ctx, a)
	require.ErrorIs(t, err, ErrAlreadyAnchored)

	rec, err = l.GetCertificate(ctx, a)
	require.NoError(t, err)
	require.Equal(t, StatusValid, rec.Status.Status())
	require.Equal(t, issuer, rec.Issuer)

	t.Run("supersede requires a valid replacement", func(t *testing.T) {
		_, err := l.Supersede(ctx, a, b)
		require.ErrorIs(t, err, ErrInvalidTransition)
		_, err = l.Supersede(ctx, a, a)
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	_, err = l.Register(ctx, b)
	require.NoError(t, err)
	_, err = l.Supersede(ctx, a, b)
	require.NoError(t, err)

	rec, err = l.GetCertificate(ctx, a)
	require.NoError(t, err)
	require.Equal(t, StatusSuperseded, rec.Status.Status())
	require.Equal(t, b, rec.SupersededBy)

	t.Run("terminal states stay terminal", func(t *testing.T) {
		_, err := l.Revoke(ctx, a, string(ReasonOther))
		require.ErrorIs(t, err, ErrInvalidTransition)
		_, err = l.Register(ctx, a)
		require.ErrorIs(t, err, ErrInvalidTransition)

		valid, err := l.IsValid(ctx, a)
		require.NoError(t, err)
		require.False(t, valid)
	})

	_, err = l.Revoke(ctx, b, string(ReasonKeyCompromise))
	require.NoError(t, err)
	reason, ok := l.RevocationReason(b)
	require.True(t, ok)
	require.Equal(t, "key_compromise", reason)
}

func TestToRecord(t *testing.T) {
	r := toRecord(&LedgerRecord{})
	require.Equal(t, StatusNotFound, r.Status)
	require.Empty(t, r.Issuer)
	require.Nil(t, r.Timestamp)

	r = toRecord(&LedgerRecord{
		Issuer:       common.HexToAddress("0x01"),
		Timestamp:    1700000000,
		Status:       ChainStatusSuperseded,
		SupersededBy: fpOf(9),
	})
	require.Equal(t, StatusSuperseded, r.Status)
	require.Equal(t, int64(1700000000), r.Timestamp.Unix())
	require.Equal(t, "0000000000000000000000000000000000000000000000000000000000000009", *r.SupersededBy)
}

func TestParseReasonCode(t *testing.T) {
	for _, c := range ReasonCodes {
		got, err := ParseReasonCode(string(c))
		require.NoError(t, err)
		require.Equal(t, c, got)
	}

	_, err := ParseReasonCode("the auditor said so")
	require.ErrorIs(t, err, ErrUnknownReason)
}
