package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/meterbase/meterbase/internal/idgen"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // keyed by identityID + "\x00" + product
}

// NewMemoryStore creates an empty in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func key(identityID, product string) string {
	return identityID + "\x00" + product
}

func (s *MemoryStore) Upsert(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	k := key(record.IdentityID, record.Product)

	if existing, ok := s.records[k]; ok {
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	} else {
		if record.ID == "" {
			record.ID = idgen.WithPrefix("sub_")
		}
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	s.records[k] = copyRecord(record)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, identityID, product string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key(identityID, product)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

func (s *MemoryStore) GetByProviderSubID(_ context.Context, providerSubID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.ProviderSubID == providerSubID {
			return copyRecord(r), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByIdentity(_ context.Context, identityID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if r.IdentityID == identityID {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

func copyRecord(r *Record) *Record {
	c := *r
	if r.RenewsAt != nil {
		t := *r.RenewsAt
		c.RenewsAt = &t
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
