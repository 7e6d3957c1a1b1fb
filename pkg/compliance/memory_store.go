package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

type consentKey struct {
	tenantID    int64
	userID      int64
	consentType string
}

// MemoryStore is an in-process Store for tests and single-node tools
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	consents  map[consentKey]ConsentRecord
	deletions map[int64]DeletionRequest
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		consents:  make(map[consentKey]ConsentRecord),
		deletions: make(map[int64]DeletionRequest),
	}
}

func (s *MemoryStore) UpsertConsent(_ context.Context, rec *ConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey{rec.TenantID, rec.UserID, rec.ConsentType}
	if existing, ok := s.consents[key]; ok {
		rec.ID = existing.ID
	} else {
		s.nextID++
		rec.ID = s.nextID
	}
	rec.UpdatedAt = rec.GrantedAt
	s.consents[key] = *rec
	return nil
}

func (s *MemoryStore) GetConsent(_ context.Context, tenantID, userID int64, consentType string) (*ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.consents[consentKey{tenantID, userID, consentType}]
	if !ok {
		return nil, fmt.Errorf("consent %q: %w", consentType, tenancy.ErrNotFound)
	}
	return &rec, nil
}

func (s *MemoryStore) CreateDeletionRequest(_ context.Context, req *DeletionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.deletions {
		if existing.VerificationCode == req.VerificationCode {
			return fmt.Errorf("deletion request: %w", tenancy.ErrDuplicate)
		}
	}
	s.nextID++
	req.ID = s.nextID
	s.deletions[req.ID] = *req
	return nil
}

func (s *MemoryStore) FindPendingDeletion(_ context.Context, tenantID, userID int64, code string) (*DeletionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.deletions {
		if req.TenantID == tenantID && req.UserID == userID &&
			req.VerificationCode == code && req.Status == StatusPendingVerification {
			out := req
			return &out, nil
		}
	}
	return nil, tenancy.ErrNotFound
}

func (s *MemoryStore) CompleteDeletion(_ context.Context, id int64, processed, failed []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.deletions[id]
	if !ok || req.Status != StatusPendingVerification {
		return fmt.Errorf("deletion request %d: %w", id, tenancy.ErrNotFound)
	}
	req.Status = StatusCompleted
	req.CompletedAt = &at
	req.ProcessedTables = append([]string(nil), processed...)
	req.FailedTables = append([]string(nil), failed...)
	s.deletions[id] = req
	return nil
}

func (s *MemoryStore) GetDeletionRequest(_ context.Context, tenantID, id int64) (*DeletionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.deletions[id]
	if !ok || req.TenantID != tenantID {
		return nil, fmt.Errorf("deletion request %d: %w", id, tenancy.ErrNotFound)
	}
	return &req, nil
}
