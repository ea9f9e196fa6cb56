package anchor

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MemoryLedger is an in-process Ledger enforcing the registry contract's
// state machine. For development and tests.
type MemoryLedger struct {
	mu      sync.Mutex
	issuer  common.Address
	now     func() time.Time
	block   uint64
	records map[[32]byte]*LedgerRecord
	reasons map[[32]byte]string
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger(issuer common.Address) *MemoryLedger {
	return &MemoryLedger{
		issuer:  issuer,
		now:     time.Now,
		records: make(map[[32]byte]*LedgerRecord),
		reasons: make(map[[32]byte]string),
	}
}

func (l *MemoryLedger) Register(_ context.Context, fp [32]byte) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[fp]; exists {
		return nil, ErrAlreadyAnchored
	}
	l.records[fp] = &LedgerRecord{
		Issuer:    l.issuer,
		Timestamp: uint64(l.now().Unix()),
		Status:    ChainStatusValid,
	}
	return l.receipt("register", fp), nil
}

func (l *MemoryLedger) Revoke(_ context.Context, fp [32]byte, reasonCode string) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.requireValid(fp)
	if err != nil {
		return nil, err
	}
	rec.Status = ChainStatusRevoked
	l.reasons[fp] = reasonCode
	return l.receipt("revoke", fp), nil
}

func (l *MemoryLedger) Supersede(_ context.Context, oldFP, newFP [32]byte) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if oldFP == newFP {
		return nil, fmt.Errorf("%w: cannot supersede with itself", ErrInvalidTransition)
	}
	rec, err := l.requireValid(oldFP)
	if err != nil {
		return nil, err
	}
	if _, err := l.requireValid(newFP); err != nil {
		return nil, fmt.Errorf("replacement: %w", err)
	}
	rec.Status = ChainStatusSuperseded
	rec.SupersededBy = newFP
	return l.receipt("supersede", oldFP), nil
}

func (l *MemoryLedger) GetCertificate(_ context.Context, fp [32]byte) (*LedgerRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, exists := l.records[fp]
	if !exists {
		return &LedgerRecord{}, nil
	}
	clone := *rec
	return &clone, nil
}

func (l *MemoryLedger) IsValid(_ context.Context, fp [32]byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, exists := l.records[fp]
	return exists && rec.Status == ChainStatusValid, nil
}

// RevocationReason returns the reason code stored for fp, if any.
func (l *MemoryLedger) RevocationReason(fp [32]byte) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reasons[fp]
	return r, ok
}

// requireValid returns the record if it is in the valid state. Caller holds mu.
func (l *MemoryLedger) requireValid(fp [32]byte) (*LedgerRecord, error) {
	rec, exists := l.records[fp]
	if !exists {
		return nil, fmt.Errorf("%w: fingerprint not registered", ErrInvalidTransition)
	}
	if rec.Status != ChainStatusValid {
		return nil, fmt.Errorf("%w: fingerprint is %s", ErrInvalidTransition, rec.Status.Status())
	}
	return rec, nil
}

// receipt mints a deterministic pseudo transaction hash. Caller holds mu.
func (l *MemoryLedger) receipt(op string, fp [32]byte) *Receipt {
	l.block++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], l.block)
	return &Receipt{
		TxHash:      crypto.Keccak256Hash([]byte(op), fp[:], n[:]).Hex(),
		BlockNumber: l.block,
	}
}
