// Package registry manages auditor identities, their key history and the
// versioned quorum policies packages are checked against.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/store"
	"github.com/wolfeidau/certlane/internal/telemetry"
)

// DefaultPolicyVersion is used when a package names a policy that is missing
// or inactive.
const DefaultPolicyVersion = "1.0"

// ErrRegistryIntegrity means more than one key row covers the same instant
// for a public key. The registry refuses to pick one.
var ErrRegistryIntegrity = errors.New("registry integrity violation")

// KeyValidity is the answer to "was this key active at t".
type KeyValidity struct {
	Valid     bool
	AuditorID uuid.UUID
	Role      models.AuditorRole
	KeyID     uuid.UUID
}

// NewAuditor is the administrative input for registering an auditor.
type NewAuditor struct {
	UserRef      string
	Role         models.AuditorRole
	DisplayAlias string
	PublicKeyHex string
}

// Registry is the auditor registry service.
type Registry struct {
	store         store.RegistryStore
	now           func() time.Time
	defaultPolicy string
}

type Option func(*Registry)

// WithClock overrides the time source used for key windows.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithDefaultPolicyVersion overrides DefaultPolicyVersion.
func WithDefaultPolicyVersion(version string) Option {
	return func(r *Registry) {
		r.defaultPolicy = version
	}
}

func New(st store.RegistryStore, opts ...Option) *Registry {
	r := &Registry{
		store:         st,
		now:           time.Now,
		defaultPolicy: DefaultPolicyVersion,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// KeyFingerprint returns SHA256 of the normalized public key hex.
func KeyFingerprint(publicKeyHex string) (string, error) {
	pub, err := models.NormalizePublicKeyHex(publicKeyHex)
	if err != nil {
		return "", err
	}
	return canonical.HashData(pub), nil
}

// RegisterAuditor creates an auditor with its first key, valid from now.
func (r *Registry) RegisterAuditor(ctx context.Context, in NewAuditor) (*models.Auditor, *models.AuditorKey, error) {
	now := r.clock()

	auditorID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate auditor id: %w", err)
	}

	auditor := &models.Auditor{
		ID:           auditorID,
		UserRef:      strings.TrimSpace(in.UserRef),
		Role:         in.Role,
		Status:       models.AuditorStatusActive,
		DisplayAlias: in.DisplayAlias,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := auditor.Validate(); err != nil {
		return nil, nil, err
	}

	key, err := r.newKey(auditorID, in.PublicKeyHex, now, "")
	if err != nil {
		return nil, nil, err
	}

	if err := r.store.CreateAuditor(ctx, auditor, key); err != nil {
		return nil, nil, err
	}

	telemetry.GetMetrics().AuditorsRegisteredTotal.Add(ctx, 1)

	log.Info().
		Str("auditor_id", auditor.ID.String()).
		Str("role", string(auditor.Role)).
		Str("key_fingerprint", key.KeyFingerprint).
		Msg("Registered auditor")

	return auditor, key, nil
}

// FindAuditor looks an auditor up by id, falling back to user ref.
func (r *Registry) FindAuditor(ctx context.Context, idOrUserRef string) (*models.Auditor, error) {
	if id, err := uuid.Parse(idOrUserRef); err == nil {
		a, err := r.store.GetAuditor(ctx, id)
		if !errors.Is(err, store.ErrAuditorNotFound) {
			return a, err
		}
	}
	return r.store.GetAuditorByUserRef(ctx, idOrUserRef)
}

func (r *Registry) ListAuditors(ctx context.Context, opts store.ListAuditorsOptions) ([]*models.Auditor, error) {
	return r.store.ListAuditors(ctx, opts)
}

// ActiveKey returns the auditor's open-ended key.
func (r *Registry) ActiveKey(ctx context.Context, auditorID uuid.UUID) (*models.AuditorKey, error) {
	keys, err := r.store.ListKeys(ctx, auditorID)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.IsOpen() {
			return k, nil
		}
	}
	return nil, store.ErrNoActiveKey
}

// KeyHistory returns all keys of an auditor, newest first.
func (r *Registry) KeyHistory(ctx context.Context, auditorID uuid.UUID) ([]*models.AuditorKey, error) {
	return r.store.ListKeys(ctx, auditorID)
}

// RotateKey closes the current key now and opens newPublicKeyHex from the same
// instant. The old key's window is never touched again.
func (r *Registry) RotateKey(ctx context.Context, auditorID uuid.UUID, newPublicKeyHex, reason string) (*models.AuditorKey, error) {
	now := r.clock()

	key, err := r.newKey(auditorID, newPublicKeyHex, now, reason)
	if err != nil {
		return nil, err
	}

	closed, err := r.store.RotateKey(ctx, auditorID, key, now)
	if err != nil {
		return nil, err
	}

	telemetry.GetMetrics().KeyRotationsTotal.Add(ctx, 1)

	log.Info().
		Str("auditor_id", auditorID.String()).
		Str("closed_key_id", closed.ID.String()).
		Str("key_id", key.ID.String()).
		Str("reason", reason).
		Msg("Rotated auditor key")

	return key, nil
}

// RevokeKey closes a key's window now and marks it revoked. No replacement is
// created. Returns false if the key was already closed.
func (r *Registry) RevokeKey(ctx context.Context, keyID uuid.UUID, reason string) (bool, error) {
	err := r.store.CloseKey(ctx, keyID, models.KeyStatusRevoked, reason, r.clock())
	if errors.Is(err, store.ErrKeyAlreadyClosed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	telemetry.GetMetrics().KeyRevocationsTotal.Add(ctx, 1)

	log.Info().Str("key_id", keyID.String()).Str("reason", reason).Msg("Revoked auditor key")
	return true, nil
}

// SetAuditorStatus changes an auditor's status. Status is recorded in the
// key history so WasKeyActiveAt answers correctly for any past instant:
//
//   - suspending closes the open key now, leaving it valid for earlier packages
//   - reactivating reopens the most recent key from now
//   - revoking revokes the open key; revoked auditors cannot be reinstated
func (r *Registry) SetAuditorStatus(ctx context.Context, auditorID uuid.UUID, status models.AuditorStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", models.ErrInvalidAuditor, status)
	}

	current, err := r.store.GetAuditor(ctx, auditorID)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	if current.Status == models.AuditorStatusRevoked {
		return fmt.Errorf("%w: auditor %s is revoked", store.ErrAuditorNotActive, auditorID)
	}

	switch status {
	case models.AuditorStatusRevoked:
		key, err := r.ActiveKey(ctx, auditorID)
		switch {
		case err == nil:
			if _, err := r.RevokeKey(ctx, key.ID, reason); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNoActiveKey):
			return err
		}
	case models.AuditorStatusSuspended:
		if err := r.suspendKey(ctx, auditorID, reason); err != nil {
			return err
		}
	case models.AuditorStatusActive:
		if err := r.reopenKey(ctx, auditorID, reason); err != nil {
			return err
		}
	}

	if err := r.store.UpdateAuditorStatus(ctx, auditorID, status); err != nil {
		return err
	}

	log.Info().
		Str("auditor_id", auditorID.String()).
		Str("from", string(current.Status)).
		Str("to", string(status)).
		Str("reason", reason).
		Msg("Changed auditor status")

	return nil
}

func (r *Registry) suspendKey(ctx context.Context, auditorID uuid.UUID, reason string) error {
	key, err := r.ActiveKey(ctx, auditorID)
	if errors.Is(err, store.ErrNoActiveKey) {
		return nil
	}
	if err != nil {
		return err
	}
	err = r.store.CloseKey(ctx, key.ID, models.KeyStatusActive, suspendedReason(reason), r.clock())
	if errors.Is(err, store.ErrKeyAlreadyClosed) {
		return nil
	}
	return err
}

// reopenKey opens a new window for the auditor's latest public key. The
// window starts after the previous one ends so the two never overlap.
func (r *Registry) reopenKey(ctx context.Context, auditorID uuid.UUID, reason string) error {
	keys, err := r.store.ListKeys(ctx, auditorID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return store.ErrNoActiveKey
	}
	latest := keys[0]
	if latest.IsOpen() {
		return nil
	}
	if latest.Status == models.KeyStatusRevoked {
		return fmt.Errorf("%w: latest key %s is revoked", store.ErrNoActiveKey, latest.ID)
	}

	from := r.clock()
	if !from.After(*latest.ValidUntil) {
		from = latest.ValidUntil.Add(time.Microsecond)
	}

	key, err := r.newKey(auditorID, latest.PublicKeyHex, from, reason)
	if err != nil {
		return err
	}
	return r.store.OpenKey(ctx, key)
}

func suspendedReason(reason string) string {
	if reason == "" {
		return "auditor suspended"
	}
	return "auditor suspended: " + reason
}

// WasKeyActiveAt reports whether publicKeyHex belonged to an auditor with a
// validity window covering t. Historical checks must pass the package's
// issuance time, never now.
func (r *Registry) WasKeyActiveAt(ctx context.Context, publicKeyHex string, t time.Time) (KeyValidity, error) {
	fp, err := KeyFingerprint(publicKeyHex)
	if err != nil {
		return KeyValidity{}, err
	}

	rows, err := r.store.ListKeysByFingerprint(ctx, fp, t)
	if err != nil {
		return KeyValidity{}, err
	}

	var match *store.KeyWithAuditor
	for _, row := range rows {
		if !row.Key.Covers(t) {
			continue
		}
		if match != nil {
			telemetry.GetMetrics().RegistryIntegrityErrors.Add(ctx, 1)
			log.Error().
				Str("key_fingerprint", fp).
				Str("key_id", match.Key.ID.String()).
				Str("other_key_id", row.Key.ID.String()).
				Time("at", t).
				Msg("Overlapping key windows")
			return KeyValidity{}, fmt.Errorf("%w: key %s has overlapping windows at %s", ErrRegistryIntegrity, fp, t.Format(time.RFC3339Nano))
		}
		match = row
	}

	if match == nil {
		return KeyValidity{Valid: false}, nil
	}

	return KeyValidity{
		Valid:     true,
		AuditorID: match.Auditor.ID,
		Role:      match.Auditor.Role,
		KeyID:     match.Key.ID,
	}, nil
}

// QuorumPolicy returns the requested policy version, or the default version
// when the requested one is missing or inactive.
func (r *Registry) QuorumPolicy(ctx context.Context, version string) (*models.QuorumPolicy, error) {
	if version != "" {
		p, err := r.store.GetPolicy(ctx, version)
		switch {
		case err == nil && p.Active:
			return p, nil
		case err != nil && !errors.Is(err, store.ErrPolicyNotFound):
			return nil, err
		}
		log.Warn().
			Str("policy_version", version).
			Str("default_version", r.defaultPolicy).
			Msg("Quorum policy missing or inactive, using default")
	}

	p, err := r.store.GetPolicy(ctx, r.defaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("default policy %s: %w", r.defaultPolicy, err)
	}
	return p, nil
}

// SetQuorumPolicy creates or replaces a policy version.
func (r *Registry) SetQuorumPolicy(ctx context.Context, policy *models.QuorumPolicy) error {
	return r.store.UpsertPolicy(ctx, policy)
}

func (r *Registry) ListPolicies(ctx context.Context) ([]*models.QuorumPolicy, error) {
	return r.store.ListPolicies(ctx)
}

func (r *Registry) newKey(auditorID uuid.UUID, publicKeyHex string, at time.Time, reason string) (*models.AuditorKey, error) {
	pub, err := models.NormalizePublicKeyHex(publicKeyHex)
	if err != nil {
		return nil, err
	}

	keyID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key id: %w", err)
	}

	return &models.AuditorKey{
		ID:             keyID,
		AuditorID:      auditorID,
		PublicKeyHex:   pub,
		KeyFingerprint: canonical.HashData(pub),
		Status:         models.KeyStatusActive,
		ValidFrom:      at,
		Reason:         reason,
	}, nil
}

// clock returns now in UTC at the microsecond precision postgres stores.
func (r *Registry) clock() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}
