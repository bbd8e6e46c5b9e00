//go:build integration

package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/meterbase/meterbase/internal/testutil"
)

func TestPostgresGetOrCreate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	first, err := s.GetOrCreate(ctx, "pg@example.com")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	second, err := s.GetOrCreate(ctx, "pg@example.com")
	if err != nil {
		t.Fatalf("GetOrCreate() second call error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("GetOrCreate not idempotent: %s vs %s", second.ID, first.ID)
	}

	if _, err := s.GetByID(ctx, "idn_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPostgresGetOrCreateConcurrent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ident, err := s.GetOrCreate(ctx, "pgrace@example.com")
			if err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
				return
			}
			ids[i] = ident.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent GetOrCreate produced multiple identities")
		}
	}
}

func TestPostgresSchemaVersion(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	ident, err := s.GetOrCreate(ctx, "pgschema@example.com")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	if err := s.SetSchemaVersion(ctx, ident.ID, CurrentSchemaVersion+3); err != nil {
		t.Fatalf("SetSchemaVersion(forward) error = %v", err)
	}
	if err := s.SetSchemaVersion(ctx, ident.ID, 1); !errors.Is(err, ErrStaleSchemaVersion) {
		t.Errorf("SetSchemaVersion(backward) error = %v, want ErrStaleSchemaVersion", err)
	}
}
