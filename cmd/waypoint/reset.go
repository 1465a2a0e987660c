package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe local data for the current profile",
	Long: `Delete every local entity, unsynced change and queued retry for the
current profile. Changes that were not synced are lost.

Requires --confirm. Use --force to skip the interactive prompt.`,
	Example: `  waypoint reset --confirm
  waypoint reset --profile scratch --confirm --force`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

var (
	resetConfirm bool
	resetForce   bool
)

func init() {
	resetCmd.Flags().BoolVar(&resetConfirm, "confirm", false, "Confirm reset (required)")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip interactive prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetConfirm {
		return errors.New("--confirm flag is required for reset\n\nUsage: waypoint reset --confirm [--force]")
	}

	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	stats, err := client.Stats()
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	total := 0
	for _, n := range stats.Entities {
		total += n
	}

	out := cmd.OutOrStdout()
	profile := client.Config().Profile
	if !resetForce {
		printWarning(out, "This deletes %d local entities and %d unsynced change(s) in profile '%s'.", total, stats.DirtyCount, profile)
		fmt.Fprintf(out, "Type '%s' to confirm: ", profile)
		if !confirm(profile) {
			printMuted(out, "Aborted.")
			return nil
		}
	}

	// Drop anything the dispatchers would send on Close.
	client.CancelPendingSyncs()
	if err := client.Reset(context.Background()); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	if outputJSON {
		return outputAsJSON(cmd, map[string]any{"profile": profile, "entities_deleted": total, "unsynced_lost": stats.DirtyCount})
	}
	printSuccess(out, "Reset profile %s (%d entities deleted)", profile, total)
	return nil
}
