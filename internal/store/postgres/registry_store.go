package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/store"
)

// RegistryStore implements store.RegistryStore using PostgreSQL.
type RegistryStore struct {
	pool *pgxpool.Pool
}

var _ store.RegistryStore = (*RegistryStore)(nil)

// NewRegistryStore creates a new PostgreSQL-backed registry store.
// It shares the connection pool with other stores.
func NewRegistryStore(pool *pgxpool.Pool) *RegistryStore {
	return &RegistryStore{
		pool: pool,
	}
}

const auditorColumns = `auditor_id, user_ref, role, status, display_alias, created_at, updated_at`

const keyColumns = `key_id, auditor_id, public_key_hex, key_fingerprint, status, valid_from, valid_until, reason`

// CreateAuditor inserts the auditor and its first key in one transaction.
func (s *RegistryStore) CreateAuditor(ctx context.Context, auditor *models.Auditor, key *models.AuditorKey) error {
	if err := auditor.Validate(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	if !key.IsOpen() {
		return models.ErrInvalidKey
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	// Store empty user refs as NULL so the unique constraint only covers real refs
	var userRef any
	if auditor.UserRef != "" {
		userRef = auditor.UserRef
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO auditors (`+auditorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		auditor.ID,
		userRef,
		auditor.Role,
		auditor.Status,
		auditor.DisplayAlias,
		auditor.CreatedAt,
		auditor.UpdatedAt,
	)
	if err != nil {
		return mapPostgresError(err)
	}

	if err := insertKey(ctx, tx, key); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit auditor: %w", err)
	}

	log.Debug().
		Str("auditor_id", auditor.ID.String()).
		Str("role", string(auditor.Role)).
		Str("key_fingerprint", key.KeyFingerprint).
		Msg("Created auditor")

	return nil
}

// GetAuditor retrieves an auditor by ID.
func (s *RegistryStore) GetAuditor(ctx context.Context, auditorID uuid.UUID) (*models.Auditor, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auditorColumns+` FROM auditors WHERE auditor_id = $1`, auditorID)
	a, err := scanAuditor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrAuditorNotFound
		}
		return nil, fmt.Errorf("failed to get auditor: %w", err)
	}
	return a, nil
}

// GetAuditorByUserRef retrieves an auditor by external user reference.
func (s *RegistryStore) GetAuditorByUserRef(ctx context.Context, userRef string) (*models.Auditor, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auditorColumns+` FROM auditors WHERE user_ref = $1`, userRef)
	a, err := scanAuditor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrAuditorNotFound
		}
		return nil, fmt.Errorf("failed to get auditor by user ref: %w", err)
	}
	return a, nil
}

// UpdateAuditorStatus changes an auditor's status.
func (s *RegistryStore) UpdateAuditorStatus(ctx context.Context, auditorID uuid.UUID, status models.AuditorStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE auditors SET status = $2, updated_at = NOW()
		WHERE auditor_id = $1
	`, auditorID, status)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAuditorNotFound
	}

	log.Debug().
		Str("auditor_id", auditorID.String()).
		Str("status", string(status)).
		Msg("Updated auditor status")

	return nil
}

// ListAuditors returns auditors matching the filters, oldest first.
func (s *RegistryStore) ListAuditors(ctx context.Context, opts store.ListAuditorsOptions) ([]*models.Auditor, error) {
	var (
		where []string
		args  []any
	)
	if opts.Role != "" {
		args = append(args, opts.Role)
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if opts.Status != "" {
		args = append(args, opts.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + auditorColumns + ` FROM auditors`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, auditor_id ASC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list auditors: %w", err)
	}
	defer rows.Close()

	var result []*models.Auditor
	for rows.Next() {
		a, err := scanAuditor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auditor: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate auditors: %w", err)
	}
	return result, nil
}

// RotateKey locks the auditor row, closes its open key at `at` and inserts
// newKey, all in one transaction. The partial unique index on open keys
// backs this up if two writers ever raced past the row lock.
func (s *RegistryStore) RotateKey(ctx context.Context, auditorID uuid.UUID, newKey *models.AuditorKey, at time.Time) (*models.AuditorKey, error) {
	if err := newKey.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var status models.AuditorStatus
	err = tx.QueryRow(ctx, `SELECT status FROM auditors WHERE auditor_id = $1 FOR UPDATE`, auditorID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrAuditorNotFound
		}
		return nil, fmt.Errorf("failed to lock auditor: %w", err)
	}
	if status != models.AuditorStatusActive {
		return nil, store.ErrAuditorNotActive
	}

	// The open-fingerprint index only sees the new row after the old one is
	// closed, so rotating to the current key has to be caught here.
	var openFingerprint string
	err = tx.QueryRow(ctx, `
		SELECT key_fingerprint FROM auditor_keys
		WHERE auditor_id = $1 AND valid_until IS NULL
		FOR UPDATE
	`, auditorID).Scan(&openFingerprint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNoActiveKey
		}
		return nil, fmt.Errorf("failed to lock open key: %w", err)
	}
	if openFingerprint == newKey.KeyFingerprint {
		return nil, store.ErrKeyAlreadyExists
	}

	row := tx.QueryRow(ctx, `
		UPDATE auditor_keys
		SET valid_until = $2,
		    reason = CASE WHEN $3::text = '' THEN reason ELSE $3::text END
		WHERE auditor_id = $1 AND valid_until IS NULL
		RETURNING `+keyColumns,
		auditorID, at, newKey.Reason)
	closed, err := scanKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNoActiveKey
		}
		return nil, mapPostgresError(err)
	}

	if err := insertKey(ctx, tx, newKey); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit key rotation: %w", err)
	}

	log.Debug().
		Str("auditor_id", auditorID.String()).
		Str("closed_key_id", closed.ID.String()).
		Str("new_key_id", newKey.ID.String()).
		Msg("Rotated auditor key")

	return closed, nil
}

// OpenKey inserts an open key for an existing auditor. The partial unique
// indexes reject a second open key for the auditor or the fingerprint.
func (s *RegistryStore) OpenKey(ctx context.Context, key *models.AuditorKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if !key.IsOpen() {
		return models.ErrInvalidKey
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	if err := insertKey(ctx, tx, key); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit key: %w", err)
	}

	log.Debug().
		Str("auditor_id", key.AuditorID.String()).
		Str("key_id", key.ID.String()).
		Msg("Opened auditor key")

	return nil
}

// CloseKey closes a key's validity window.
func (s *RegistryStore) CloseKey(ctx context.Context, keyID uuid.UUID, status models.KeyStatus, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE auditor_keys
		SET valid_until = $2, status = $3, reason = $4
		WHERE key_id = $1 AND valid_until IS NULL
	`, keyID, at, status, reason)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 1 {
		log.Debug().
			Str("key_id", keyID.String()).
			Str("status", string(status)).
			Msg("Closed auditor key")
		return nil
	}

	// Distinguish a missing key from one that is already closed
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM auditor_keys WHERE key_id = $1)`, keyID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check key: %w", err)
	}
	if !exists {
		return store.ErrKeyNotFound
	}
	return store.ErrKeyAlreadyClosed
}

// GetKey retrieves a key by ID.
func (s *RegistryStore) GetKey(ctx context.Context, keyID uuid.UUID) (*models.AuditorKey, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM auditor_keys WHERE key_id = $1`, keyID)
	k, err := scanKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return k, nil
}

// ListKeys returns an auditor's keys, newest first.
func (s *RegistryStore) ListKeys(ctx context.Context, auditorID uuid.UUID) ([]*models.AuditorKey, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM auditors WHERE auditor_id = $1)`, auditorID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check auditor: %w", err)
	}
	if !exists {
		return nil, store.ErrAuditorNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+keyColumns+` FROM auditor_keys
		WHERE auditor_id = $1
		ORDER BY valid_from DESC, key_id DESC
	`, auditorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var result []*models.AuditorKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		result = append(result, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}
	return result, nil
}

// ListKeysByFingerprint joins keys to their auditors for role lookup.
func (s *RegistryStore) ListKeysByFingerprint(ctx context.Context, keyFingerprint string, at time.Time) ([]*store.KeyWithAuditor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			k.key_id, k.auditor_id, k.public_key_hex, k.key_fingerprint, k.status,
			k.valid_from, k.valid_until, k.reason,
			a.auditor_id, a.user_ref, a.role, a.status, a.display_alias, a.created_at, a.updated_at
		FROM auditor_keys k
		JOIN auditors a ON a.auditor_id = k.auditor_id
		WHERE k.key_fingerprint = $1 AND k.valid_from <= $2
		ORDER BY k.valid_from DESC
	`, keyFingerprint, at)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys by fingerprint: %w", err)
	}
	defer rows.Close()

	var result []*store.KeyWithAuditor
	for rows.Next() {
		var (
			k       models.AuditorKey
			a       models.Auditor
			userRef *string
		)
		err := rows.Scan(
			&k.ID, &k.AuditorID, &k.PublicKeyHex, &k.KeyFingerprint, &k.Status,
			&k.ValidFrom, &k.ValidUntil, &k.Reason,
			&a.ID, &userRef, &a.Role, &a.Status, &a.DisplayAlias, &a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		if userRef != nil {
			a.UserRef = *userRef
		}
		if err := k.Validate(); err != nil {
			return nil, err
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
		result = append(result, &store.KeyWithAuditor{Key: &k, Auditor: &a})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}
	return result, nil
}

// UpsertPolicy creates or replaces a policy version.
func (s *RegistryStore) UpsertPolicy(ctx context.Context, policy *models.QuorumPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO quorum_policies (policy_version, min_l1_signatures, require_l2_signature, active, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (policy_version) DO UPDATE SET
			min_l1_signatures = EXCLUDED.min_l1_signatures,
			require_l2_signature = EXCLUDED.require_l2_signature,
			active = EXCLUDED.active,
			updated_at = NOW()
	`, policy.PolicyVersion, policy.MinL1Signatures, policy.RequireL2Signature, policy.Active)
	if err != nil {
		return mapPostgresError(err)
	}

	log.Debug().
		Str("policy_version", policy.PolicyVersion).
		Int("min_l1", policy.MinL1Signatures).
		Bool("require_l2", policy.RequireL2Signature).
		Msg("Upserted quorum policy")

	return nil
}

// GetPolicy retrieves a policy by version.
func (s *RegistryStore) GetPolicy(ctx context.Context, version string) (*models.QuorumPolicy, error) {
	var p models.QuorumPolicy
	err := s.pool.QueryRow(ctx, `
		SELECT policy_version, min_l1_signatures, require_l2_signature, active
		FROM quorum_policies WHERE policy_version = $1
	`, version).Scan(&p.PolicyVersion, &p.MinL1Signatures, &p.RequireL2Signature, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return &p, nil
}

// ListPolicies returns all policies ordered by version.
func (s *RegistryStore) ListPolicies(ctx context.Context) ([]*models.QuorumPolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT policy_version, min_l1_signatures, require_l2_signature, active
		FROM quorum_policies ORDER BY policy_version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var result []*models.QuorumPolicy
	for rows.Next() {
		var p models.QuorumPolicy
		if err := rows.Scan(&p.PolicyVersion, &p.MinL1Signatures, &p.RequireL2Signature, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		result = append(result, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policies: %w", err)
	}
	return result, nil
}

func insertKey(ctx context.Context, tx pgx.Tx, key *models.AuditorKey) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO auditor_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		key.ID,
		key.AuditorID,
		key.PublicKeyHex,
		key.KeyFingerprint,
		key.Status,
		key.ValidFrom,
		key.ValidUntil,
		key.Reason,
	)
	return mapPostgresError(err)
}

func scanAuditor(row pgx.Row) (*models.Auditor, error) {
	var (
		a       models.Auditor
		userRef *string
	)
	err := row.Scan(&a.ID, &userRef, &a.Role, &a.Status, &a.DisplayAlias, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if userRef != nil {
		a.UserRef = *userRef
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanKey(row pgx.Row) (*models.AuditorKey, error) {
	var k models.AuditorKey
	err := row.Scan(&k.ID, &k.AuditorID, &k.PublicKeyHex, &k.KeyFingerprint, &k.Status, &k.ValidFrom, &k.ValidUntil, &k.Reason)
	if err != nil {
		return nil, err
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return &k, nil
}
