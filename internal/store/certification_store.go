package store

import (
	"context"

	"github.com/wolfeidau/certlane/internal/models"
)

// CertificationStore manages stored certification packages.
type CertificationStore interface {
	// Create stores a newly issued certification and sets its timestamps
	Create(ctx context.Context, cert *models.Certification) error

	// Get retrieves a certification by fingerprint
	Get(ctx context.Context, fingerprint string) (*models.Certification, error)

	// Update replaces the mutable fields of a certification: package data,
	// status, superseded_by and revocation fields. It only applies if the row
	// is unchanged since cert was read, matched on UpdatedAt, and returns
	// ErrConcurrentUpdate otherwise. On success cert.UpdatedAt is advanced.
	Update(ctx context.Context, cert *models.Certification) error

	// List returns certifications matching the filters, newest first
	List(ctx context.Context, opts ListCertificationsOptions) ([]*models.Certification, error)
}

// ListCertificationsOptions specifies filters for listing certifications
type ListCertificationsOptions struct {
	SubjectID string                     // Filter by subject (empty = all)
	Status    models.CertificationStatus // Filter by status (empty = all)
	Limit     int                        // Max results (0 = no limit)
}
