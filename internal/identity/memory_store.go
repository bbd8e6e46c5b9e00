package identity

import (
	"context"
	"sync"
	"time"

	"github.com/meterbase/meterbase/internal/idgen"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Identity
	byEmail map[string]string
}

// NewMemoryStore creates an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Identity),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, email string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEmail[email]; ok {
		return copyIdentity(s.byID[id]), nil
	}

	now := time.Now().UTC()
	ident := &Identity{
		ID:            idgen.WithPrefix("idn_"),
		Email:         email,
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.byID[ident.ID] = ident
	s.byEmail[email] = ident.ID
	return copyIdentity(ident), nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIdentity(ident), nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIdentity(s.byID[id]), nil
}

func (s *MemoryStore) UpdateCachedBalance(_ context.Context, id string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	ident.CachedBalance = balance
	ident.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CachedBalance(_ context.Context, id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.byID[id]
	if !ok {
		return 0, ErrNotFound
	}
	return ident.CachedBalance, nil
}

func (s *MemoryStore) SetSchemaVersion(_ context.Context, id string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if version < ident.SchemaVersion {
		return ErrStaleSchemaVersion
	}
	ident.SchemaVersion = version
	ident.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListCachedBalances(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(s.byID))
	for id, ident := range s.byID {
		out[id] = ident.CachedBalance
	}
	return out, nil
}

func copyIdentity(i *Identity) *Identity {
	c := *i
	return &c
}

var _ Store = (*MemoryStore)(nil)
