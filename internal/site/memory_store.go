package site

import (
	"context"
	"sync"
	"time"

	"github.com/meterbase/meterbase/internal/idgen"
)

type usageEntry struct {
	units int64
	at    time.Time
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	freeLimit int64
	byID      map[string]*Site
	byHash    map[string]string
	usage     map[string][]usageEntry
}

// NewMemoryStore creates an empty in-memory site store. New sites get
// defaultFreeLimit as their monthly allowance.
func NewMemoryStore(defaultFreeLimit int64) *MemoryStore {
	return &MemoryStore{
		freeLimit: defaultFreeLimit,
		byID:      make(map[string]*Site),
		byHash:    make(map[string]string),
		usage:     make(map[string][]usageEntry),
	}
}

func (s *MemoryStore) GetOrCreateByHash(_ context.Context, hash string) (*Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[hash]; ok {
		return copySite(s.byID[id]), nil
	}

	now := time.Now().UTC()
	site := &Site{
		ID:        idgen.WithPrefix("site_"),
		Hash:      hash,
		FreeLimit: s.freeLimit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byID[site.ID] = site
	s.byHash[hash] = site.ID
	return copySite(site), nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return copySite(s.byID[id]), nil
}

func (s *MemoryStore) AttachLicense(_ context.Context, siteID, licenseKey, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, ok := s.byID[siteID]
	if !ok {
		return ErrNotFound
	}
	site.LicenseKey = licenseKey
	site.IdentityID = identityID
	site.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordUsage(_ context.Context, siteID string, units int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[siteID]; !ok {
		return ErrNotFound
	}
	s.usage[siteID] = append(s.usage[siteID], usageEntry{units: units, at: at.UTC()})
	return nil
}

func (s *MemoryStore) UsedSince(_ context.Context, siteID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, e := range s.usage[siteID] {
		if !e.at.Before(since) {
			total += e.units
		}
	}
	return total, nil
}

func copySite(st *Site) *Site {
	c := *st
	return &c
}

var _ Store = (*MemoryStore)(nil)
