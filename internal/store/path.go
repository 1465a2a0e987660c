package store

import (
	"os"
	"path/filepath"
)

// DBFileName is the database file inside each profile directory.
const DBFileName = "waypoint.db"

// DefaultRoot returns the root directory for all profiles.
// Defaults to ~/.waypoint/profiles, falls back to ./.waypoint/profiles if home dir unavailable.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".waypoint", "profiles")
	}
	return filepath.Join(home, ".waypoint", "profiles")
}

// ProfileDBPath returns the full path to a profile's database file.
// Example: ProfileDBPath("work") -> ~/.waypoint/profiles/work/waypoint.db
func ProfileDBPath(profile string) string {
	return filepath.Join(DefaultRoot(), profile, DBFileName)
}

// LogPath returns the default rotating log file for a profile.
func LogPath(profile string) string {
	return filepath.Join(DefaultRoot(), profile, "waypoint.log")
}
