package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/store"
)

// uniqueConstraints maps unique constraint and index names from the schema to
// store sentinels.
var uniqueConstraints = map[string]error{
	"auditors_pkey":                     store.ErrAuditorAlreadyExists,
	"auditors_user_ref_key":             store.ErrAuditorAlreadyExists,
	"idx_auditor_keys_one_open":         store.ErrOpenKeyExists,
	"auditor_keys_pkey":                 store.ErrKeyAlreadyExists,
	"idx_auditor_keys_open_fingerprint": store.ErrKeyAlreadyExists,
	"certifications_pkey":               store.ErrCertificationAlreadyExists,
	"certifications_certificate_id_key": store.ErrCertificationAlreadyExists,
}

// mapPostgresError maps PostgreSQL errors to store sentinels. Errors that are
// not from the server pass through unchanged.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		if sentinel, ok := uniqueConstraints[pgErr.ConstraintName]; ok {
			return sentinel
		}
		return fmt.Errorf("unique constraint violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.ForeignKeyViolation:
		// auditor_keys.auditor_id is the only foreign key.
		return fmt.Errorf("%w: %s", store.ErrAuditorNotFound, pgErr.Detail)

	case pgerrcode.CheckViolation:
		switch pgErr.ConstraintName {
		case "auditor_keys_window_check":
			return fmt.Errorf("%w: window closes before it opens", models.ErrInvalidKey)
		case "auditors_role_check", "auditors_status_check":
			return fmt.Errorf("%w: %s", models.ErrInvalidAuditor, pgErr.ConstraintName)
		case "auditor_keys_status_check":
			return fmt.Errorf("%w: %s", models.ErrInvalidKey, pgErr.ConstraintName)
		case "quorum_policies_min_l1_signatures_check":
			return fmt.Errorf("%w: %s", models.ErrInvalidPolicy, pgErr.ConstraintName)
		}
		return fmt.Errorf("check constraint violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("transaction conflict (retryable): %w", err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown:
		return fmt.Errorf("database unavailable: %w", err)

	case pgerrcode.QueryCanceled:
		return fmt.Errorf("query canceled: %w", err)

	default:
		return fmt.Errorf("postgres error [%s]: %s (detail: %s): %w",
			pgErr.Code, pgErr.Message, pgErr.Detail, err)
	}
}
