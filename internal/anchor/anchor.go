// Package anchor registers, revokes and supersedes package fingerprints on an
// external append-only registry contract and reads their status back.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrLedgerNotConfigured = errors.New("ledger not configured")
	ErrInvalidTransition   = errors.New("invalid on-chain status transition")
	ErrAlreadyAnchored     = fmt.Errorf("%w: fingerprint already registered", ErrInvalidTransition)
	ErrTransactionFailed   = errors.New("ledger transaction failed")
	ErrUnknownReason       = errors.New("unknown revocation reason code")
)

// Status is the on-chain state of a fingerprint. Transitions only go
// not_found -> valid -> revoked|superseded.
type Status string

const (
	StatusNotFound   Status = "not_found"
	StatusValid      Status = "valid"
	StatusRevoked    Status = "revoked"
	StatusSuperseded Status = "superseded"
)

// ChainStatus is the uint8 status stored by the registry contract.
type ChainStatus uint8

const (
	ChainStatusNotFound ChainStatus = iota
	ChainStatusValid
	ChainStatusRevoked
	ChainStatusSuperseded
)

func (s ChainStatus) Status() Status {
	switch s {
	case ChainStatusValid:
		return StatusValid
	case ChainStatusRevoked:
		return StatusRevoked
	case ChainStatusSuperseded:
		return StatusSuperseded
	default:
		return StatusNotFound
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusRevoked || s == StatusSuperseded
}

// ReasonCode is the closed set of revocation reasons written on-chain.
// Free-text detail stays off-chain.
type ReasonCode string

const (
	ReasonKeyCompromise    ReasonCode = "key_compromise"
	ReasonPolicyViolation  ReasonCode = "policy_violation"
	ReasonIssuedInError    ReasonCode = "issued_in_error"
	ReasonSuperseded       ReasonCode = "superseded"
	ReasonSubjectWithdrawn ReasonCode = "subject_withdrawn"
	ReasonOther            ReasonCode = "other"
)

// ReasonCodes lists every accepted code.
var ReasonCodes = []ReasonCode{
	ReasonKeyCompromise,
	ReasonPolicyViolation,
	ReasonIssuedInError,
	ReasonSuperseded,
	ReasonSubjectWithdrawn,
	ReasonOther,
}

func ParseReasonCode(s string) (ReasonCode, error) {
	for _, c := range ReasonCodes {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownReason, s)
}

// Receipt identifies a confirmed ledger write.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// LedgerRecord is the raw getCertificate tuple.
type LedgerRecord struct {
	Issuer       common.Address
	Timestamp    uint64
	Status       ChainStatus
	SupersededBy [32]byte
}

// Ledger is the registry contract surface. Writes return only after the
// transaction is confirmed.
type Ledger interface {
	Register(ctx context.Context, fingerprint [32]byte) (*Receipt, error)
	Revoke(ctx context.Context, fingerprint [32]byte, reasonCode string) (*Receipt, error)
	Supersede(ctx context.Context, oldFingerprint, newFingerprint [32]byte) (*Receipt, error)
	GetCertificate(ctx context.Context, fingerprint [32]byte) (*LedgerRecord, error)
	IsValid(ctx context.Context, fingerprint [32]byte) (bool, error)
}

// Record is the decoded status of a fingerprint.
type Record struct {
	Issuer       string     `json:"issuer"`
	Timestamp    *time.Time `json:"timestamp"`
	Status       Status     `json:"status"`
	SupersededBy *string    `json:"supersededBy"`
}

func toRecord(r *LedgerRecord) *Record {
	out := &Record{Status: r.Status.Status()}
	if out.Status == StatusNotFound {
		return out
	}
	out.Issuer = r.Issuer.Hex()
	if r.Timestamp > 0 {
		ts := time.Unix(int64(r.Timestamp), 0).UTC()
		out.Timestamp = &ts
	}
	if r.SupersededBy != ([32]byte{}) {
		s := common.Bytes2Hex(r.SupersededBy[:])
		out.SupersededBy = &s
	}
	return out
}
