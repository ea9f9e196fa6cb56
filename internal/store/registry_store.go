package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/certlane/internal/models"
)

// RegistryStore is the row store behind the auditor registry. It covers the
// auditors, auditor_keys and quorum_policies tables.
type RegistryStore interface {
	// CreateAuditor creates an auditor together with its first key. The key
	// must be open-ended.
	CreateAuditor(ctx context.Context, auditor *models.Auditor, key *models.AuditorKey) error

	// GetAuditor retrieves an auditor by ID
	GetAuditor(ctx context.Context, auditorID uuid.UUID) (*models.Auditor, error)

	// GetAuditorByUserRef retrieves an auditor by its external user reference
	GetAuditorByUserRef(ctx context.Context, userRef string) (*models.Auditor, error)

	// UpdateAuditorStatus changes an auditor's administrative status
	UpdateAuditorStatus(ctx context.Context, auditorID uuid.UUID, status models.AuditorStatus) error

	// ListAuditors returns auditors matching the filters
	ListAuditors(ctx context.Context, opts ListAuditorsOptions) ([]*models.Auditor, error)

	// RotateKey closes the auditor's open key at `at` and inserts newKey as the
	// new open key, as one unit. Concurrent rotations for the same auditor are
	// serialized. Returns the closed key.
	RotateKey(ctx context.Context, auditorID uuid.UUID, newKey *models.AuditorKey, at time.Time) (*models.AuditorKey, error)

	// OpenKey inserts key as the auditor's open key. Returns ErrOpenKeyExists
	// if the auditor already has one. The auditor's status is not checked.
	OpenKey(ctx context.Context, key *models.AuditorKey) error

	// CloseKey closes a key's window at `at` and sets its status.
	// Returns ErrKeyAlreadyClosed if the window was already closed.
	CloseKey(ctx context.Context, keyID uuid.UUID, status models.KeyStatus, reason string, at time.Time) error

	// GetKey retrieves a key by ID
	GetKey(ctx context.Context, keyID uuid.UUID) (*models.AuditorKey, error)

	// ListKeys returns all keys of an auditor, newest ValidFrom first
	ListKeys(ctx context.Context, auditorID uuid.UUID) ([]*models.AuditorKey, error)

	// ListKeysByFingerprint returns every key row whose fingerprint matches,
	// with its owning auditor, limited to rows with ValidFrom <= at.
	ListKeysByFingerprint(ctx context.Context, keyFingerprint string, at time.Time) ([]*KeyWithAuditor, error)

	// UpsertPolicy creates or replaces a quorum policy version
	UpsertPolicy(ctx context.Context, policy *models.QuorumPolicy) error

	// GetPolicy retrieves a quorum policy by version
	GetPolicy(ctx context.Context, version string) (*models.QuorumPolicy, error)

	// ListPolicies returns all quorum policies ordered by version
	ListPolicies(ctx context.Context) ([]*models.QuorumPolicy, error)
}

// KeyWithAuditor is the "auditor_keys join auditors" row used for role lookup.
type KeyWithAuditor struct {
	Key     *models.AuditorKey
	Auditor *models.Auditor
}

// ListAuditorsOptions specifies filters for listing auditors
type ListAuditorsOptions struct {
	Role   models.AuditorRole   // Filter by role (empty = all)
	Status models.AuditorStatus // Filter by status (empty = all)
	Limit  int                  // Max results (0 = no limit)
}
