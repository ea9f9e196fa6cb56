package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/store"
)

// RegistryStore implements store.RegistryStore using in-memory storage.
// This implementation is for testing and development - data is lost on restart.
type RegistryStore struct {
	mu sync.RWMutex

	auditors          map[uuid.UUID]*models.Auditor      // auditor_id -> Auditor
	auditorsByUserRef map[string]*models.Auditor         // user_ref -> Auditor
	keys              map[uuid.UUID]*models.AuditorKey   // key_id -> AuditorKey
	keysByAuditor     map[uuid.UUID][]*models.AuditorKey // auditor_id -> keys
	policies          map[string]*models.QuorumPolicy    // policy_version -> QuorumPolicy
}

var _ store.RegistryStore = (*RegistryStore)(nil)

// NewRegistryStore creates a new in-memory registry store.
func NewRegistryStore() *RegistryStore {
	return &RegistryStore{
		auditors:          make(map[uuid.UUID]*models.Auditor),
		auditorsByUserRef: make(map[string]*models.Auditor),
		keys:              make(map[uuid.UUID]*models.AuditorKey),
		keysByAuditor:     make(map[uuid.UUID][]*models.AuditorKey),
		policies:          make(map[string]*models.QuorumPolicy),
	}
}

// CreateAuditor creates an auditor and its first key.
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auditors[auditor.ID]; exists {
		return store.ErrAuditorAlreadyExists
	}
	if auditor.UserRef != "" {
		if _, exists := s.auditorsByUserRef[auditor.UserRef]; exists {
			return store.ErrAuditorAlreadyExists
		}
	}
	if s.hasOpenKeyWithFingerprint(key.KeyFingerprint) {
		return store.ErrKeyAlreadyExists
	}

	// Clone to avoid external modifications
	a := *auditor
	s.auditors[a.ID] = &a
	if a.UserRef != "" {
		s.auditorsByUserRef[a.UserRef] = &a
	}
	s.putKey(key)

	return nil
}

// GetAuditor retrieves an auditor by ID.
func (s *RegistryStore) GetAuditor(ctx context.Context, auditorID uuid.UUID) (*models.Auditor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.auditors[auditorID]
	if !exists {
		return nil, store.ErrAuditorNotFound
	}

	clone := *a
	return &clone, nil
}

// GetAuditorByUserRef retrieves an auditor by user reference.
func (s *RegistryStore) GetAuditorByUserRef(ctx context.Context, userRef string) (*models.Auditor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.auditorsByUserRef[userRef]
	if !exists {
		return nil, store.ErrAuditorNotFound
	}

	clone := *a
	return &clone, nil
}

// UpdateAuditorStatus changes an auditor's status.
func (s *RegistryStore) UpdateAuditorStatus(ctx context.Context, auditorID uuid.UUID, status models.AuditorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.auditors[auditorID]
	if !exists {
		return store.ErrAuditorNotFound
	}

	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

// ListAuditors returns auditors matching the filters, oldest first.
func (s *RegistryStore) ListAuditors(ctx context.Context, opts store.ListAuditorsOptions) ([]*models.Auditor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Auditor
	for _, a := range s.auditors {
		if opts.Role != "" && a.Role != opts.Role {
			continue
		}
		if opts.Status != "" && a.Status != opts.Status {
			continue
		}
		clone := *a
		result = append(result, &clone)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// RotateKey closes the open key and inserts newKey under a single lock.
func (s *RegistryStore) RotateKey(ctx context.Context, auditorID uuid.UUID, newKey *models.AuditorKey, at time.Time) (*models.AuditorKey, error) {
	if err := newKey.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.auditors[auditorID]
	if !exists {
		return nil, store.ErrAuditorNotFound
	}
	if a.Status != models.AuditorStatusActive {
		return nil, store.ErrAuditorNotActive
	}

	var open *models.AuditorKey
	for _, k := range s.keysByAuditor[auditorID] {
		if k.IsOpen() {
			open = k
			break
		}
	}
	if open == nil {
		return nil, store.ErrNoActiveKey
	}
	if s.hasOpenKeyWithFingerprint(newKey.KeyFingerprint) {
		return nil, store.ErrKeyAlreadyExists
	}

	closedAt := at
	open.ValidUntil = &closedAt
	if newKey.Reason != "" {
		open.Reason = newKey.Reason
	}

	s.putKey(newKey)

	clone := *open
	return &clone, nil
}

// OpenKey inserts an open key for an existing auditor.
func (s *RegistryStore) OpenKey(ctx context.Context, key *models.AuditorKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if !key.IsOpen() {
		return models.ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auditors[key.AuditorID]; !exists {
		return store.ErrAuditorNotFound
	}
	if _, exists := s.keys[key.ID]; exists {
		return store.ErrKeyAlreadyExists
	}
	for _, k := range s.keysByAuditor[key.AuditorID] {
		if k.IsOpen() {
			return store.ErrOpenKeyExists
		}
	}
	if s.hasOpenKeyWithFingerprint(key.KeyFingerprint) {
		return store.ErrKeyAlreadyExists
	}

	s.putKey(key)
	return nil
}

// CloseKey closes a key's validity window.
func (s *RegistryStore) CloseKey(ctx context.Context, keyID uuid.UUID, status models.KeyStatus, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, exists := s.keys[keyID]
	if !exists {
		return store.ErrKeyNotFound
	}
	if !k.IsOpen() {
		return store.ErrKeyAlreadyClosed
	}

	closedAt := at
	k.ValidUntil = &closedAt
	k.Status = status
	k.Reason = reason
	return nil
}

// GetKey retrieves a key by ID.
func (s *RegistryStore) GetKey(ctx context.Context, keyID uuid.UUID) (*models.AuditorKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, exists := s.keys[keyID]
	if !exists {
		return nil, store.ErrKeyNotFound
	}
	return cloneKey(k), nil
}

// ListKeys returns an auditor's keys, newest first.
func (s *RegistryStore) ListKeys(ctx context.Context, auditorID uuid.UUID) ([]*models.AuditorKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.auditors[auditorID]; !exists {
		return nil, store.ErrAuditorNotFound
	}

	keys := s.keysByAuditor[auditorID]
	result := make([]*models.AuditorKey, 0, len(keys))
	for _, k := range keys {
		result = append(result, cloneKey(k))
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ValidFrom.After(result[j].ValidFrom)
	})
	return result, nil
}

// ListKeysByFingerprint returns matching keys with ValidFrom <= at.
func (s *RegistryStore) ListKeysByFingerprint(ctx context.Context, keyFingerprint string, at time.Time) ([]*store.KeyWithAuditor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.KeyWithAuditor
	for _, k := range s.keys {
		if k.KeyFingerprint != keyFingerprint || k.ValidFrom.After(at) {
			continue
		}
		a, exists := s.auditors[k.AuditorID]
		if !exists {
			continue
		}
		auditor := *a
		result = append(result, &store.KeyWithAuditor{Key: cloneKey(k), Auditor: &auditor})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key.ValidFrom.After(result[j].Key.ValidFrom)
	})
	return result, nil
}

// UpsertPolicy creates or replaces a policy version.
func (s *RegistryStore) UpsertPolicy(ctx context.Context, policy *models.QuorumPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *policy
	s.policies[policy.PolicyVersion] = &clone
	return nil
}

// GetPolicy retrieves a policy by version.
func (s *RegistryStore) GetPolicy(ctx context.Context, version string) (*models.QuorumPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.policies[version]
	if !exists {
		return nil, store.ErrPolicyNotFound
	}
	clone := *p
	return &clone, nil
}

// ListPolicies returns all policies ordered by version.
func (s *RegistryStore) ListPolicies(ctx context.Context) ([]*models.QuorumPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.QuorumPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		clone := *p
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PolicyVersion < result[j].PolicyVersion
	})
	return result, nil
}

// putKey stores a clone of k and updates the auditor index. Caller holds mu.
func (s *RegistryStore) putKey(k *models.AuditorKey) {
	clone := cloneKey(k)
	s.keys[clone.ID] = clone
	s.keysByAuditor[clone.AuditorID] = append(s.keysByAuditor[clone.AuditorID], clone)
}

// hasOpenKeyWithFingerprint reports whether an open key already uses the
// fingerprint. Caller holds mu.
func (s *RegistryStore) hasOpenKeyWithFingerprint(fp string) bool {
	for _, k := range s.keys {
		if k.KeyFingerprint == fp && k.IsOpen() {
			return true
		}
	}
	return false
}

func cloneKey(k *models.AuditorKey) *models.AuditorKey {
	clone := *k
	if k.ValidUntil != nil {
		until := *k.ValidUntil
		clone.ValidUntil = &until
	}
	return &clone
}
