package validation

import (
	"strings"
	"testing"
)

func TestIsValidSiteHash(t *testing.T) {
	tests := []struct {
		hash  string
		valid bool
	}{
		{strings.Repeat("a1", 16), true}, // 32 hex chars
		{strings.Repeat("b2", 32), true}, // 64 hex chars
		{strings.Repeat("c3", 24), true},

		// Invalid cases
		{strings.Repeat("a", 31), false},      // Too short
		{strings.Repeat("a", 65), false},      // Too long
		{strings.Repeat("A1", 16), false},     // Uppercase not allowed
		{strings.Repeat("g1", 16), false},     // Non-hex chars
		{strings.Repeat("a1", 15) + "-", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidSiteHash(tc.hash); got != tc.valid {
			t.Errorf("IsValidSiteHash(%q) = %v, want %v", tc.hash, got, tc.valid)
		}
	}
}

func TestIsValidLicenseKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"MB-a1b2c3d4e5f6a1b2c3d4e5f6", true},
		{"MB-A1B2C3D4E5F6A1B2C3D4E5F6", true},
		{"legacykey123", true},

		{"", false},
		{"-leading-dash", false},
		{"short", false},
		{strings.Repeat("x", 65), false},
		{"has spaces in it", false},
	}

	for _, tc := range tests {
		if got := IsValidLicenseKey(tc.key); got != tc.valid {
			t.Errorf("IsValidLicenseKey(%q) = %v, want %v", tc.key, got, tc.valid)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"user@example.com", true},
		{"first.last+tag@sub.example.co", true},

		{"", false},
		{"no-at-sign", false},
		{"two@@example.com", false},
		{"user@nodot", false},
		{"spaces in@example.com", false},
		{"user@" + strings.Repeat("a", 250) + ".com", false}, // Over 254 chars
	}

	for _, tc := range tests {
		if got := IsValidEmail(tc.email); got != tc.valid {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tc.email, got, tc.valid)
		}
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"User@Example.COM", "user@example.com"},
		{"  padded@example.com  ", "padded@example.com"},
		{"already@example.com", "already@example.com"},
	}

	for _, tc := range tests {
		if got := NormalizeEmail(tc.input); got != tc.expected {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestNormalizeSiteHash(t *testing.T) {
	if got := NormalizeSiteHash("  ABCDEF  "); got != "abcdef" {
		t.Errorf("NormalizeSiteHash = %q, want %q", got, "abcdef")
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  trimmed  ", 10, "trimmed"},
		{"truncated", 5, "trunc"},
		{"null\x00byte", 20, "nullbyte"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidateCombinators(t *testing.T) {
	errs := Validate(
		Required("email", ""),
		ValidEmail("email", ""),
		PositiveUnits("units", 0),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "email" || errs[1].Field != "units" {
		t.Errorf("unexpected fields: %v", errs)
	}

	errs = Validate(
		Required("email", "user@example.com"),
		ValidEmail("email", "user@example.com"),
		PositiveUnits("units", 3),
	)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestValidationErrorsError(t *testing.T) {
	var empty ValidationErrors
	if empty.Error() != "validation failed" {
		t.Errorf("empty error string = %q", empty.Error())
	}

	errs := ValidationErrors{{Field: "units", Message: "must be a positive integer"}}
	if errs.Error() != "units: must be a positive integer" {
		t.Errorf("error string = %q", errs.Error())
	}
}
