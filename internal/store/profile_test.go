package store_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/waypoint/internal/store"
)

func TestValidateProfile(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "work", false},
		{"with hyphen", "side-project", false},
		{"numeric", "2026", false},
		{"single char", "a", false},
		{"max length", strings.Repeat("a", 64), false},

		{"empty", "", true},
		{"uppercase", "Work", true},
		{"leading hyphen", "-work", true},
		{"trailing hyphen", "work-", true},
		{"consecutive hyphens", "my--work", true},
		{"slash", "org/work", true},
		{"underscore", "my_work", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ValidateProfile(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateProfile(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, store.ErrInvalidProfile) {
				t.Errorf("ValidateProfile(%q) error = %v, want ErrInvalidProfile", tt.id, err)
			}
		})
	}
}

func TestResolveProfile(t *testing.T) {
	t.Run("explicit wins", func(t *testing.T) {
		t.Setenv(store.ProfileEnv, "from-env")
		got, err := store.ResolveProfile("explicit")
		if err != nil {
			t.Fatalf("ResolveProfile() unexpected error: %v", err)
		}
		if got != "explicit" {
			t.Errorf("ResolveProfile() = %q, want %q", got, "explicit")
		}
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv(store.ProfileEnv, "from-env")
		got, err := store.ResolveProfile("")
		if err != nil {
			t.Fatalf("ResolveProfile() unexpected error: %v", err)
		}
		if got != "from-env" {
			t.Errorf("ResolveProfile() = %q, want %q", got, "from-env")
		}
	})

	t.Run("default", func(t *testing.T) {
		t.Setenv(store.ProfileEnv, "")
		got, err := store.ResolveProfile("")
		if err != nil {
			t.Fatalf("ResolveProfile() unexpected error: %v", err)
		}
		if got != store.DefaultProfile {
			t.Errorf("ResolveProfile() = %q, want %q", got, store.DefaultProfile)
		}
	})

	t.Run("invalid env", func(t *testing.T) {
		t.Setenv(store.ProfileEnv, "Bad Profile")
		if _, err := store.ResolveProfile(""); !errors.Is(err, store.ErrInvalidProfile) {
			t.Errorf("ResolveProfile() error = %v, want ErrInvalidProfile", err)
		}
	})
}

func TestProfileDBPath(t *testing.T) {
	got := store.ProfileDBPath("work")
	want := filepath.Join(store.DefaultRoot(), "work", store.DBFileName)
	if got != want {
		t.Errorf("ProfileDBPath() = %q, want %q", got, want)
	}
	if !strings.Contains(got, ".waypoint") {
		t.Errorf("ProfileDBPath() = %q, want it under .waypoint", got)
	}
}
