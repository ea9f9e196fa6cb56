package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/store"
)

// CertificationStore is an in-memory implementation of store.CertificationStore
// for development and testing.
type CertificationStore struct {
	mu    sync.RWMutex
	certs map[string]*models.Certification // indexed by fingerprint
}

var _ store.CertificationStore = (*CertificationStore)(nil)

// NewCertificationStore creates a new in-memory certification store.
func NewCertificationStore() *CertificationStore {
	return &CertificationStore{
		certs: make(map[string]*models.Certification),
	}
}

// Create stores a new certification.
func (s *CertificationStore) Create(ctx context.Context, cert *models.Certification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.certs[cert.Fingerprint]; exists {
		return store.ErrCertificationAlreadyExists
	}

	now := time.Now()
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = now
	}
	cert.UpdatedAt = now
	s.certs[cert.Fingerprint] = copyCertification(cert)
	return nil
}

// Get retrieves a certification by fingerprint.
func (s *CertificationStore) Get(ctx context.Context, fingerprint string) (*models.Certification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, exists := s.certs[fingerprint]
	if !exists {
		return nil, store.ErrCertificationNotFound
	}

	// Return a copy to avoid external modifications
	return copyCertification(cert), nil
}

// Update replaces the mutable fields of a certification.
func (s *CertificationStore) Update(ctx context.Context, cert *models.Certification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.certs[cert.Fingerprint]
	if !exists {
		return store.ErrCertificationNotFound
	}
	if !existing.UpdatedAt.Equal(cert.UpdatedAt) {
		return store.ErrConcurrentUpdate
	}

	next := time.Now()
	if !next.After(existing.UpdatedAt) {
		next = existing.UpdatedAt.Add(time.Nanosecond)
	}

	clone := copyCertification(cert)
	clone.CertificateID = existing.CertificateID
	clone.SubjectID = existing.SubjectID
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = next
	s.certs[cert.Fingerprint] = clone
	cert.UpdatedAt = next
	return nil
}

// List returns certifications matching the filters, newest first.
func (s *CertificationStore) List(ctx context.Context, opts store.ListCertificationsOptions) ([]*models.Certification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Certification
	for _, cert := range s.certs {
		if opts.SubjectID != "" && cert.SubjectID != opts.SubjectID {
			continue
		}
		if opts.Status != "" && cert.Status != opts.Status {
			continue
		}
		result = append(result, copyCertification(cert))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// copyCertification creates a deep copy of a certification row.
func copyCertification(cert *models.Certification) *models.Certification {
	c := *cert
	c.PackageData = append([]byte(nil), cert.PackageData...)
	if cert.SupersededBy != nil {
		c.SupersededBy = models.Ptr(*cert.SupersededBy)
	}
	if cert.RevocationReason != nil {
		c.RevocationReason = models.Ptr(*cert.RevocationReason)
	}
	if cert.RevocationDetail != nil {
		c.RevocationDetail = models.Ptr(*cert.RevocationDetail)
	}
	return &c
}
