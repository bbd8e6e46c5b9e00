package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. A single
// mutex serializes appends, which makes the conditional append trivially
// atomic.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, copyEvent(event))
	return nil
}

func (s *MemoryStore) AppendIfBalanceAtLeast(_ context.Context, event *Event, minBalance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balanceLocked(event.IdentityID)
	if balance < minBalance {
		return &InsufficientCreditsError{Balance: balance, Requested: minBalance}
	}
	s.events = append(s.events, copyEvent(event))
	return nil
}

func (s *MemoryStore) Balance(_ context.Context, identityID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(identityID), nil
}

func (s *MemoryStore) HasTransaction(_ context.Context, providerTxnID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.events {
		if e.Metadata[MetaProviderTxnID] == providerTxnID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) List(_ context.Context, identityID string, before time.Time, beforeID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Event
	for _, e := range s.events {
		if e.IdentityID == identityID {
			matched = append(matched, e)
		}
	}

	// Newest first, ID as tiebreaker for stable cursor paging.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	var out []*Event
	for _, e := range matched {
		if !before.IsZero() {
			if e.CreatedAt.After(before) {
				continue
			}
			if e.CreatedAt.Equal(before) && e.ID >= beforeID {
				continue
			}
		}
		out = append(out, copyEvent(e))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) balanceLocked(identityID string) int64 {
	var sum int64
	for _, e := range s.events {
		if e.IdentityID == identityID {
			sum += e.Delta
		}
	}
	return sum
}

func copyEvent(e *Event) *Event {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
