package category

import (
	"strings"
	"testing"
)

func TestNewValidator_EmptyUsesDefaults(t *testing.T) {
	v := NewValidator(nil)

	names := v.Names()
	if len(names) != 8 {
		t.Fatalf("len(Names()) = %d, want 8", len(names))
	}
	if names[0] != "WORK" {
		t.Errorf("Names()[0] = %q, want %q", names[0], "WORK")
	}
	if names[7] != "HOME" {
		t.Errorf("Names()[7] = %q, want %q", names[7], "HOME")
	}
}

func TestNewValidator_NormalizesAndDeduplicates(t *testing.T) {
	v := NewValidator([]string{" work ", "Personal", "WORK", "", "personal"})

	names := v.Names()
	if len(names) != 2 {
		t.Fatalf("len(Names()) = %d, want 2", len(names))
	}
	if names[0] != "WORK" || names[1] != "PERSONAL" {
		t.Errorf("Names() = %v, want [WORK PERSONAL]", names)
	}
}

func TestIsValid_CaseInsensitive(t *testing.T) {
	v := Default()

	tests := []struct {
		name string
		want bool
	}{
		{"WORK", true},
		{"work", true},
		{"WoRk", true},
		{"GARDENING", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := v.IsValid(tt.name); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCanonical_Uppercases(t *testing.T) {
	v := Default()

	if got := v.Canonical("health"); got != "HEALTH" {
		t.Errorf("Canonical(%q) = %q, want %q", "health", got, "HEALTH")
	}
}

func TestAvailable_ListsInOrder(t *testing.T) {
	v := Default()

	got := v.Available()
	want := "Available Categories: WORK, PERSONAL, SHOPPING, HEALTH, EDUCATION, FINANCE, TRAVEL, HOME"
	if got != want {
		t.Errorf("Available() = %q, want %q", got, want)
	}
}

func TestNames_ReturnsCopy(t *testing.T) {
	v := NewValidator([]string{"WORK", "HOME"})

	names := v.Names()
	names[0] = "TAMPERED"

	if strings.Contains(v.Available(), "TAMPERED") {
		t.Error("mutating Names() result must not affect the validator")
	}
}
