package pagination

import (
	"errors"
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 15, 12, 30, 0, 123456789, time.UTC)

	encoded := Encode(at, "evt_abc123")
	cursor, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !cursor.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", cursor.CreatedAt, at)
	}
	if cursor.ID != "evt_abc123" {
		t.Errorf("ID = %q, want %q", cursor.ID, "evt_abc123")
	}
}

func TestDecodeEmpty(t *testing.T) {
	cursor, err := Decode("")
	if err != nil {
		t.Fatalf("Decode(\"\") error = %v", err)
	}
	if cursor != nil {
		t.Errorf("Decode(\"\") = %v, want nil", cursor)
	}
}

func TestDecodeInvalid(t *testing.T) {
	tests := []string{
		"not base64 at all!!!",
		"aGVsbG8=",         // Valid base64, no separator
		"bm90YW51bXxpZA==", // "notanum|id"
	}

	for _, input := range tests {
		if _, err := Decode(input); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("Decode(%q) error = %v, want ErrInvalidCursor", input, err)
		}
	}
}

func TestComputePage(t *testing.T) {
	base := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	type item struct {
		at time.Time
		id string
	}
	key := func(i item) (time.Time, string) { return i.at, i.id }

	// Fewer items than the limit: no next page.
	items := []item{{base, "a"}, {base.Add(time.Second), "b"}}
	page, next, hasMore := ComputePage(items, 5, key)
	if len(page) != 2 || next != "" || hasMore {
		t.Errorf("short page: len=%d next=%q hasMore=%v", len(page), next, hasMore)
	}

	// Overfetched by one: page is trimmed and a cursor points at its tail.
	items = []item{{base.Add(3 * time.Second), "d"}, {base.Add(2 * time.Second), "c"}, {base.Add(time.Second), "b"}}
	page, next, hasMore = ComputePage(items, 2, key)
	if len(page) != 2 || !hasMore {
		t.Fatalf("full page: len=%d hasMore=%v", len(page), hasMore)
	}
	cursor, err := Decode(next)
	if err != nil {
		t.Fatalf("Decode(next) error = %v", err)
	}
	if cursor.ID != "c" {
		t.Errorf("next cursor ID = %q, want %q", cursor.ID, "c")
	}
}
