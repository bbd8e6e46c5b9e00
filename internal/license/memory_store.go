package license

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDuplicateKey means a license with the same key already exists.
var ErrDuplicateKey = errors.New("duplicate license key")

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byKey map[string]*License
}

// NewMemoryStore creates an empty in-memory license store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*License)}
}

func (s *MemoryStore) Create(_ context.Context, lic *License) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[lic.Key]; exists {
		return ErrDuplicateKey
	}
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = time.Now().UTC()
	}
	s.byKey[lic.Key] = copyLicense(lic)
	return nil
}

func (s *MemoryStore) GetByKey(_ context.Context, key string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lic, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLicense(lic), nil
}

func (s *MemoryStore) GetByProviderTxnID(_ context.Context, providerTxnID string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, lic := range s.byKey {
		if lic.ProviderTxnID == providerTxnID {
			return copyLicense(lic), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByIdentity(_ context.Context, identityID string) ([]*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*License
	for _, lic := range s.byKey {
		if lic.IdentityID == identityID {
			out = append(out, copyLicense(lic))
		}
	}
	return out, nil
}

func (s *MemoryStore) Revoke(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.byKey[key]
	if !ok {
		return ErrNotFound
	}
	if lic.RevokedAt == nil {
		now := time.Now().UTC()
		lic.RevokedAt = &now
	}
	return nil
}

func copyLicense(l *License) *License {
	c := *l
	if l.RevokedAt != nil {
		t := *l.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
