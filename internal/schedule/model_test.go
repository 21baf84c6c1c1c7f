package schedule

import (
	"errors"
	"strings"
	"testing"
)

func TestNewFamilyIDValidation(t *testing.T) {
	if _, err := NewFamilyID("  family-1  "); err != nil {
		t.Fatalf("expected trimmed id accepted, got %v", err)
	}
	if _, err := NewFamilyID("   "); !errors.Is(err, ErrInvalidFamilyID) {
		t.Fatalf("expected invalid family id error, got %v", err)
	}
	if _, err := NewFamilyID(strings.Repeat("x", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidFamilyID) {
		t.Fatalf("expected length rejection, got %v", err)
	}
}

func TestNewDateValidation(t *testing.T) {
	date, err := NewDate("2026-08-30")
	if err != nil {
		t.Fatalf("expected valid date, got %v", err)
	}
	if date.String() != "2026-08-30" {
		t.Fatalf("unexpected date %q", date.String())
	}

	for _, raw := range []string{"", "08/30/2026", "2026-13-01", "tomorrow"} {
		if _, err := NewDate(raw); !errors.Is(err, ErrInvalidDate) {
			t.Fatalf("expected invalid date error for %q, got %v", raw, err)
		}
	}
}
