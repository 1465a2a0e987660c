package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/waypoint"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync with the remote store now",
	Long: `Drain the retry queue now, or force-sync a single entity.

A forced sync sends the current local state immediately, bypassing the
debounce and throttle policies.`,
	Example: `  waypoint sync
  waypoint sync --entity goal/01JB7Z9`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var (
	syncEntity  string
	syncTimeout time.Duration
)

func init() {
	syncCmd.Flags().StringVar(&syncEntity, "entity", "", "Force-sync one entity (kind/id)")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 60*time.Second, "Give up after this long")
	rootCmd.AddCommand(syncCmd)
}

// SyncResult for JSON output.
type SyncResult struct {
	Attempted  int   `json:"attempted"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	Stalled    int   `json:"stalled"`
	Remaining  int   `json:"remaining"`
	DurationMs int64 `json:"duration_ms"`
}

func runSync(cmd *cobra.Command, args []string) error {
	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	clientCfg := client.Config()
	if clientCfg.IsOffline() {
		return fmt.Errorf("%w: set --remote-url or WAYPOINT_REMOTE_URL to sync", waypoint.ErrOffline)
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	if syncEntity != "" {
		return runForceSync(ctx, cmd, client)
	}

	start := time.Now()
	var res waypoint.DrainResult
	err = runWithSpinner(cmd.ErrOrStderr(), "Syncing", func() error {
		var ferr error
		res, ferr = client.FlushPending(ctx)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	remaining, _ := client.Core().QueueSize(ctx)

	if outputJSON {
		return outputAsJSON(cmd, SyncResult{
			Attempted:  res.Attempted,
			Succeeded:  res.Succeeded,
			Failed:     res.Failed,
			Stalled:    res.Stalled,
			Remaining:  remaining,
			DurationMs: time.Since(start).Milliseconds(),
		})
	}

	out := cmd.OutOrStdout()
	switch {
	case res.Attempted == 0 && remaining == 0:
		printSuccess(out, "Nothing to sync.")
	case res.Failed == 0:
		printSuccess(out, "Synced %d change(s) (took %s)", res.Succeeded, time.Since(start).Round(time.Millisecond))
	default:
		printWarning(out, "Synced %d, failed %d (took %s)", res.Succeeded, res.Failed, time.Since(start).Round(time.Millisecond))
	}
	if res.Stalled > 0 {
		printError(out, "%d change(s) need manual retry: waypoint queue retry", res.Stalled)
	}
	if remaining > 0 {
		printMuted(out, "Remaining in queue: %d", remaining)
	}
	return nil
}

func runForceSync(ctx context.Context, cmd *cobra.Command, client *waypoint.Client) error {
	kindStr, id, ok := strings.Cut(syncEntity, "/")
	if !ok || id == "" {
		return fmt.Errorf("invalid --entity %q: want kind/id", syncEntity)
	}
	kind, err := parseKind(kindStr)
	if err != nil {
		return err
	}

	err = runWithSpinner(cmd.ErrOrStderr(), "Syncing "+syncEntity, func() error {
		return client.ForceSync(ctx, kind, id)
	})
	if errors.Is(err, waypoint.ErrSuperseded) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("sync %s: %w (queued for retry)", syncEntity, err)
	}

	if outputJSON {
		return outputAsJSON(cmd, map[string]string{"kind": string(kind), "id": id, "status": "synced"})
	}
	printSuccess(cmd.OutOrStdout(), "Synced %s", syncEntity)
	return nil
}
