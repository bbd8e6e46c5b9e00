package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("schema version = %d, want %d", first.SchemaVersion, CurrentSchemaVersion)
	}

	second, err := s.GetOrCreate(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetOrCreate() second call error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second GetOrCreate returned different identity: %s vs %s", second.ID, first.ID)
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ident, err := s.GetOrCreate(ctx, "race@example.com")
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
			t.Fatalf("concurrent GetOrCreate produced multiple identities: %s vs %s", ids[i], ids[0])
		}
	}
}

func TestGetByEmailNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetByEmail(context.Background(), "ghost@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByEmail() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateCachedBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ident, _ := s.GetOrCreate(ctx, "bob@example.com")
	if err := s.UpdateCachedBalance(ctx, ident.ID, 150); err != nil {
		t.Fatalf("UpdateCachedBalance() error = %v", err)
	}

	got, _ := s.GetByID(ctx, ident.ID)
	if got.CachedBalance != 150 {
		t.Errorf("cached balance = %d, want 150", got.CachedBalance)
	}

	if err := s.UpdateCachedBalance(ctx, "idn_missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateCachedBalance(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSetSchemaVersionMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ident, _ := s.GetOrCreate(ctx, "carol@example.com")

	if err := s.SetSchemaVersion(ctx, ident.ID, CurrentSchemaVersion+1); err != nil {
		t.Fatalf("SetSchemaVersion(forward) error = %v", err)
	}
	if err := s.SetSchemaVersion(ctx, ident.ID, CurrentSchemaVersion-1); !errors.Is(err, ErrStaleSchemaVersion) {
		t.Errorf("SetSchemaVersion(backward) error = %v, want ErrStaleSchemaVersion", err)
	}

	got, _ := s.GetByID(ctx, ident.ID)
	if got.SchemaVersion != CurrentSchemaVersion+1 {
		t.Errorf("schema version = %d, want %d", got.SchemaVersion, CurrentSchemaVersion+1)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ident, _ := s.GetOrCreate(ctx, "dave@example.com")
	ident.CachedBalance = 999999

	got, _ := s.GetByID(ctx, ident.ID)
	if got.CachedBalance != 0 {
		t.Error("mutating a returned identity leaked into the store")
	}
}
