package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/store"
)

// CertificationStore implements store.CertificationStore using PostgreSQL.
type CertificationStore struct {
	pool *pgxpool.Pool
}

var _ store.CertificationStore = (*CertificationStore)(nil)

// NewCertificationStore creates a new PostgreSQL-backed certification store.
func NewCertificationStore(pool *pgxpool.Pool) *CertificationStore {
	return &CertificationStore{
		pool: pool,
	}
}

const certificationColumns = `fingerprint, certificate_id, subject_id, status, package_json,
	superseded_by, revocation_reason, revocation_detail, created_at, updated_at`

// Create stores a newly issued certification.
func (s *CertificationStore) Create(ctx context.Context, cert *models.Certification) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	createdAt := cert.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO certifications (`+certificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		cert.Fingerprint,
		cert.CertificateID,
		cert.SubjectID,
		cert.Status,
		cert.PackageData,
		cert.SupersededBy,
		cert.RevocationReason,
		cert.RevocationDetail,
		createdAt,
		now,
	)
	if err != nil {
		return mapPostgresError(err)
	}
	cert.CreatedAt = createdAt
	cert.UpdatedAt = now

	log.Debug().
		Str("fingerprint", cert.Fingerprint).
		Str("certificate_id", cert.CertificateID.String()).
		Str("status", string(cert.Status)).
		Msg("Created certification")

	return nil
}

// Get retrieves a certification by fingerprint.
func (s *CertificationStore) Get(ctx context.Context, fingerprint string) (*models.Certification, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+certificationColumns+` FROM certifications WHERE fingerprint = $1`, fingerprint)
	c, err := scanCertification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrCertificationNotFound
		}
		return nil, fmt.Errorf("failed to get certification: %w", err)
	}
	return c, nil
}

// Update replaces the mutable fields of a certification if updated_at still
// matches the value cert was read with. updated_at strictly increases so two
// writes never leave the same version behind.
func (s *CertificationStore) Update(ctx context.Context, cert *models.Certification) error {
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE certifications SET
			status = $2,
			package_json = $3,
			superseded_by = $4,
			revocation_reason = $5,
			revocation_detail = $6,
			updated_at = GREATEST(clock_timestamp(), updated_at + INTERVAL '1 microsecond')
		WHERE fingerprint = $1 AND updated_at = $7
		RETURNING updated_at
	`,
		cert.Fingerprint,
		cert.Status,
		cert.PackageData,
		cert.SupersededBy,
		cert.RevocationReason,
		cert.RevocationDetail,
		cert.UpdatedAt,
	).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM certifications WHERE fingerprint = $1)`, cert.Fingerprint).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check certification: %w", err)
		}
		if !exists {
			return store.ErrCertificationNotFound
		}
		return store.ErrConcurrentUpdate
	}
	if err != nil {
		return mapPostgresError(err)
	}
	cert.UpdatedAt = updatedAt

	log.Debug().
		Str("fingerprint", cert.Fingerprint).
		Str("status", string(cert.Status)).
		Msg("Updated certification")

	return nil
}

// List returns certifications matching the filters, newest first.
func (s *CertificationStore) List(ctx context.Context, opts store.ListCertificationsOptions) ([]*models.Certification, error) {
	var (
		where []string
		args  []any
	)
	if opts.SubjectID != "" {
		args = append(args, opts.SubjectID)
		where = append(where, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if opts.Status != "" {
		args = append(args, opts.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + certificationColumns + ` FROM certifications`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list certifications: %w", err)
	}
	defer rows.Close()

	var result []*models.Certification
	for rows.Next() {
		c, err := scanCertification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certification: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate certifications: %w", err)
	}
	return result, nil
}

func scanCertification(row pgx.Row) (*models.Certification, error) {
	var c models.Certification
	err := row.Scan(
		&c.Fingerprint,
		&c.CertificateID,
		&c.SubjectID,
		&c.Status,
		&c.PackageData,
		&c.SupersededBy,
		&c.RevocationReason,
		&c.RevocationDetail,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
