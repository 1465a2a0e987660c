package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperengineering/waypoint"
	"github.com/hyperengineering/waypoint/internal/store"
	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage local profiles",
	Long: `Manage local profiles. Each profile is a separate local database under
~/.waypoint/profiles, selected with --profile or WAYPOINT_PROFILE.`,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfileList,
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <profile>",
	Short: "Delete a profile and its local data",
	Long: `Delete a local profile and all its data, including unsynced changes.

Requires --confirm flag for safety. Use --force to skip interactive prompt.
Cannot delete the 'default' profile; use 'waypoint reset' instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runProfileDelete,
}

var (
	profileDeleteConfirm bool
	profileDeleteForce   bool
)

func init() {
	profileDeleteCmd.Flags().BoolVar(&profileDeleteConfirm, "confirm", false, "Confirm deletion (required)")
	profileDeleteCmd.Flags().BoolVar(&profileDeleteForce, "force", false, "Skip interactive prompt")

	profileCmd.AddCommand(profileListCmd, profileDeleteCmd)
	rootCmd.AddCommand(profileCmd)
}

// ProfileListEntry represents a profile in list output.
type ProfileListEntry struct {
	Name     string `json:"name"`
	Entities int    `json:"entities"`
	Unsynced int    `json:"unsynced"`
	Queued   int    `json:"queued"`
	Active   bool   `json:"active,omitempty"`
}

// ProfileListResult for JSON output.
type ProfileListResult struct {
	Profiles []ProfileListEntry `json:"profiles"`
	Total    int                `json:"total"`
}

func runProfileList(cmd *cobra.Command, args []string) error {
	root := store.DefaultRoot()
	active, _ := store.ResolveProfile(cfgProfile)

	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read profiles directory: %w", err)
	}

	profiles := []ProfileListEntry{}
	for _, dirEntry := range entries {
		if !dirEntry.IsDir() || store.ValidateProfile(dirEntry.Name()) != nil {
			continue
		}
		dbPath := filepath.Join(root, dirEntry.Name(), store.DBFileName)
		if _, err := os.Stat(dbPath); err != nil {
			continue
		}

		s, err := waypoint.NewStore(dbPath)
		if err != nil {
			continue
		}
		stats, _ := s.Stats()
		_ = s.Close()

		p := ProfileListEntry{Name: dirEntry.Name(), Active: dirEntry.Name() == active}
		if stats != nil {
			for _, n := range stats.Entities {
				p.Entities += n
			}
			p.Unsynced = stats.DirtyCount
			p.Queued = stats.QueueSize
		}
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })

	if outputJSON {
		return outputAsJSON(cmd, ProfileListResult{Profiles: profiles, Total: len(profiles)})
	}

	out := cmd.OutOrStdout()
	if len(profiles) == 0 {
		printWarning(out, "No profiles found.")
		printMuted(out, "A profile is created on first use: waypoint --profile <name> status")
		return nil
	}

	printInfo(out, "Local profiles (%d):", len(profiles))
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %-24s %10s %10s %8s\n", "PROFILE", "ENTITIES", "UNSYNCED", "QUEUED")
	fmt.Fprintf(out, "  %-24s %10s %10s %8s\n", strings.Repeat("-", 24), strings.Repeat("-", 10), strings.Repeat("-", 10), strings.Repeat("-", 8))
	for _, p := range profiles {
		marker := " "
		if p.Active {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %-24s %10d %10d %8d\n", marker, p.Name, p.Entities, p.Unsynced, p.Queued)
	}
	return nil
}

func runProfileDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if err := store.ValidateProfile(name); err != nil {
		return fmt.Errorf("invalid profile %q: %w", name, err)
	}
	if !profileDeleteConfirm {
		return fmt.Errorf("--confirm flag is required for delete\n\nUsage: waypoint profile delete <profile> --confirm [--force]")
	}
	if name == store.DefaultProfile {
		return fmt.Errorf("cannot delete protected profile 'default'\n\nUse 'waypoint reset --confirm' to wipe it")
	}

	dbPath := store.ProfileDBPath(name)
	dir := filepath.Dir(dbPath)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("profile %q not found", name)
	}

	var unsynced int
	if s, err := waypoint.NewStore(dbPath); err == nil {
		if stats, _ := s.Stats(); stats != nil {
			unsynced = stats.DirtyCount
		}
		_ = s.Close()
	}

	out := cmd.OutOrStdout()
	if !profileDeleteForce {
		printWarning(out, "This permanently deletes profile '%s' and %d unsynced change(s).", name, unsynced)
		fmt.Fprintf(out, "Type '%s' to confirm: ", name)
		if !confirm(name) {
			printMuted(out, "Aborted.")
			return nil
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}

	if outputJSON {
		return outputAsJSON(cmd, map[string]any{"profile": name, "unsynced_lost": unsynced})
	}
	printSuccess(out, "Profile deleted: %s", name)
	return nil
}
