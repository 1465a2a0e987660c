// Package store resolves local profiles and owns the SQLite schema.
package store

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// DefaultProfile is used when no profile is selected.
const DefaultProfile = "default"

// ProfileEnv selects a profile when none is given explicitly.
const ProfileEnv = "WAYPOINT_PROFILE"

// ErrInvalidProfile indicates the profile ID format is invalid.
var ErrInvalidProfile = errors.New("invalid profile: must be lowercase alphanumeric with hyphens, 1-64 characters")

// profileRegex: lowercase alphanumeric and hyphens, no leading or trailing
// hyphen, 1-64 characters.
var profileRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// ValidateProfile validates a profile ID.
func ValidateProfile(id string) error {
	if id == "" || strings.Contains(id, "--") {
		return ErrInvalidProfile
	}
	if !profileRegex.MatchString(id) {
		return ErrInvalidProfile
	}
	return nil
}

// ResolveProfile determines the profile to use.
// Priority: explicit > WAYPOINT_PROFILE env > "default"
func ResolveProfile(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateProfile(explicit); err != nil {
			return "", fmt.Errorf("invalid profile %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv(ProfileEnv); env != "" {
		if err := ValidateProfile(env); err != nil {
			return "", fmt.Errorf("invalid %s %q: %w", ProfileEnv, env, err)
		}
		return env, nil
	}

	return DefaultProfile, nil
}
