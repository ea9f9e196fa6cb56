package anchor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/telemetry"
)

// ClientConfig tunes read retries.
type ClientConfig struct {
	// ReadMaxTries bounds attempts per read. Default: 5
	ReadMaxTries uint
	// ReadMaxElapsed bounds total time spent retrying a read. Default: 30s
	ReadMaxElapsed time.Duration
	// ReadInitialInterval is the first backoff delay. Default: 200ms
	ReadInitialInterval time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *ClientConfig) ApplyDefaults() {
	if c.ReadMaxTries == 0 {
		c.ReadMaxTries = 5
	}
	if c.ReadMaxElapsed == 0 {
		c.ReadMaxElapsed = 30 * time.Second
	}
	if c.ReadInitialInterval == 0 {
		c.ReadInitialInterval = 200 * time.Millisecond
	}
}

// Client is the anchoring client. It validates inputs, serializes writes per
// fingerprint, checks on-chain state before every write and retries reads.
// Writes themselves are never retried.
type Client struct {
	ledger Ledger
	cfg    ClientConfig
	locks  *keyedMutex
}

func NewClient(ledger Ledger, cfg ClientConfig) (*Client, error) {
	if ledger == nil {
		return nil, ErrLedgerNotConfigured
	}
	cfg.ApplyDefaults()
	return &Client{
		ledger: ledger,
		cfg:    cfg,
		locks:  newKeyedMutex(),
	}, nil
}

// Anchor registers fingerprintHex and waits for confirmation. It fails with
// ErrAlreadyAnchored if the fingerprint is already on-chain.
func (c *Client) Anchor(ctx context.Context, fingerprintHex string) (*Receipt, error) {
	fp, key, err := decode(fingerprintHex)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(key)
	defer unlock()

	rec, err := c.read(ctx, fp)
	if err != nil {
		return nil, err
	}
	if rec.Status.Status() != StatusNotFound {
		return nil, fmt.Errorf("%w (status %s)", ErrAlreadyAnchored, rec.Status.Status())
	}

	return c.write(ctx, "register", key, func(ctx context.Context) (*Receipt, error) {
		return c.ledger.Register(ctx, fp)
	})
}

// Revoke marks a valid fingerprint revoked with a closed reason code.
func (c *Client) Revoke(ctx context.Context, fingerprintHex string, reason ReasonCode) (*Receipt, error) {
	fp, key, err := decode(fingerprintHex)
	if err != nil {
		return nil, err
	}
	if _, err := ParseReasonCode(string(reason)); err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(key)
	defer unlock()

	if err := c.requireValid(ctx, fp); err != nil {
		return nil, err
	}

	return c.write(ctx, "revoke", key, func(ctx context.Context) (*Receipt, error) {
		return c.ledger.Revoke(ctx, fp, string(reason))
	})
}

// Supersede marks oldHex superseded by newHex. Both must be valid on-chain.
func (c *Client) Supersede(ctx context.Context, oldHex, newHex string) (*Receipt, error) {
	oldFP, oldKey, err := decode(oldHex)
	if err != nil {
		return nil, fmt.Errorf("old: %w", err)
	}
	newFP, newKey, err := decode(newHex)
	if err != nil {
		return nil, fmt.Errorf("new: %w", err)
	}
	if oldFP == newFP {
		return nil, fmt.Errorf("%w: cannot supersede with itself", ErrInvalidTransition)
	}

	unlock := c.locks.Lock(oldKey, newKey)
	defer unlock()

	if err := c.requireValid(ctx, oldFP); err != nil {
		return nil, fmt.Errorf("old: %w", err)
	}
	if err := c.requireValid(ctx, newFP); err != nil {
		return nil, fmt.Errorf("new: %w", err)
	}

	return c.write(ctx, "supersede", oldKey, func(ctx context.Context) (*Receipt, error) {
		return c.ledger.Supersede(ctx, oldFP, newFP)
	})
}

// Read returns the on-chain status of fingerprintHex.
func (c *Client) Read(ctx context.Context, fingerprintHex string) (*Record, error) {
	fp, _, err := decode(fingerprintHex)
	if err != nil {
		return nil, err
	}
	rec, err := c.read(ctx, fp)
	if err != nil {
		return nil, err
	}
	return toRecord(rec), nil
}

// IsValid is the contract's cheap validity check.
func (c *Client) IsValid(ctx context.Context, fingerprintHex string) (bool, error) {
	fp, _, err := decode(fingerprintHex)
	if err != nil {
		return false, err
	}
	return retryRead(ctx, c.cfg, "isValid", func() (bool, error) {
		return c.ledger.IsValid(ctx, fp)
	})
}

func (c *Client) requireValid(ctx context.Context, fp [32]byte) error {
	rec, err := c.read(ctx, fp)
	if err != nil {
		return err
	}
	if s := rec.Status.Status(); s != StatusValid {
		return fmt.Errorf("%w: fingerprint is %s", ErrInvalidTransition, s)
	}
	return nil
}

func (c *Client) read(ctx context.Context, fp [32]byte) (*LedgerRecord, error) {
	return retryRead(ctx, c.cfg, "getCertificate", func() (*LedgerRecord, error) {
		return c.ledger.GetCertificate(ctx, fp)
	})
}

func (c *Client) write(ctx context.Context, op, key string, fn func(context.Context) (*Receipt, error)) (*Receipt, error) {
	m := telemetry.GetMetrics()
	started := time.Now()

	receipt, err := fn(ctx)
	if err != nil {
		m.LedgerWriteErrorsTotal.Add(ctx, 1, telemetry.Operation(op))
		log.Error().Err(err).Str("operation", op).Str("fingerprint", key).Msg("Ledger write failed")
		return nil, err
	}

	m.LedgerWritesTotal.Add(ctx, 1, telemetry.Operation(op))
	m.LedgerWriteDuration.Record(ctx, float64(time.Since(started).Milliseconds()), telemetry.Operation(op))

	log.Info().
		Str("operation", op).
		Str("fingerprint", key).
		Str("tx_hash", receipt.TxHash).
		Uint64("block_number", receipt.BlockNumber).
		Msg("Ledger write confirmed")

	return receipt, nil
}

// retryRead retries idempotent reads with exponential backoff. Context
// cancellation stops retrying immediately.
func retryRead[T any](ctx context.Context, cfg ClientConfig, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReadInitialInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.ReadMaxTries),
		backoff.WithMaxElapsedTime(cfg.ReadMaxElapsed),
		backoff.WithNotify(func(err error, d time.Duration) {
			telemetry.GetMetrics().LedgerReadRetriesTotal.Add(ctx, 1, telemetry.Operation(op))
			log.Warn().Err(err).Str("operation", op).Dur("retry_in", d).Msg("Ledger read failed, retrying")
		}),
	)
}

func decode(fingerprintHex string) ([32]byte, string, error) {
	fp, err := canonical.FingerprintBytes(fingerprintHex)
	if err != nil {
		return fp, "", err
	}
	key, _ := canonical.ValidateFingerprint(fingerprintHex)
	return fp, key, nil
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires every key in sorted order and returns the release func.
func (k *keyedMutex) Lock(keys ...string) func() {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]*refMutex, 0, len(keys))
	for _, key := range keys {
		k.mu.Lock()
		m, ok := k.locks[key]
		if !ok {
			m = &refMutex{}
			k.locks[key] = m
		}
		m.refs++
		k.mu.Unlock()

		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
			k.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.locks, keys[i])
			}
			k.mu.Unlock()
		}
	}
}
