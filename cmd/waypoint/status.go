package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/waypoint"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store and sync status",
	Example: `  waypoint status
  waypoint status --health`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusHealth bool

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List entities with unsynced changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := openClient(false)
		if err != nil {
			return err
		}
		defer client.Close()
		return outputDirty(cmd, client.Dirty())
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run background sync and stream status changes",
	Long: `Run the background sync loop and print every status transition until
interrupted. Queued changes are retried periodically and whenever the
remote becomes reachable again.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	statusCmd.Flags().BoolVar(&statusHealth, "health", false, "Include remote health check")
	rootCmd.AddCommand(statusCmd, pendingCmd, watchCmd)
}

// StatusResult for JSON output.
type StatusResult struct {
	Profile string                 `json:"profile"`
	Path    string                 `json:"path"`
	Mode    string                 `json:"mode"`
	Stats   *waypoint.StoreStats   `json:"stats"`
	Health  *waypoint.HealthStatus `json:"health,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	stats, err := client.Stats()
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	cfg := client.Config()
	res := StatusResult{
		Profile: cfg.Profile,
		Path:    cfg.LocalPath,
		Mode:    "online",
		Stats:   stats,
	}
	if cfg.IsOffline() {
		res.Mode = "offline"
	}
	if statusHealth {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h := client.HealthCheck(ctx)
		res.Health = &h
	}

	if outputJSON {
		return outputAsJSON(cmd, res)
	}

	out := cmd.OutOrStdout()
	printInfo(out, "Profile %s (%s)", res.Profile, res.Mode)
	printLabel(out, "Location:", "%s", res.Path)
	for _, kind := range waypoint.ValidKinds() {
		printLabel(out, fmt.Sprintf("%-12s", string(kind)+":"), "%d", stats.Entities[kind])
	}
	printLabel(out, "Unsynced:   ", "%d", stats.DirtyCount)
	printLabel(out, "Queued:     ", "%d", stats.QueueSize)
	if stats.StalledCount > 0 {
		printLabel(out, "Stalled:    ", "%d (run: waypoint queue retry)", stats.StalledCount)
	}
	if stats.LastSync.IsZero() {
		printLabel(out, "Last sync:  ", "never")
	} else {
		printLabel(out, "Last sync:  ", "%s (%s)", stats.LastSync.Local().Format(time.RFC3339), formatRelativeTime(stats.LastSync))
	}

	if h := res.Health; h != nil {
		fmt.Fprintln(out)
		if h.Healthy {
			printSuccess(out, "Healthy")
		} else {
			printError(out, "Unhealthy")
		}
		printLabel(out, "Store OK:        ", "%v", h.StoreOK)
		printLabel(out, "Remote reachable:", "%v", h.RemoteReachable)
		if h.Error != "" {
			printLabel(out, "Error:           ", "%s", h.Error)
		}
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	client, err := openClient(true)
	if err != nil {
		return err
	}
	defer client.Close()

	clientCfg := client.Config()
	if clientCfg.IsOffline() {
		printWarning(cmd.ErrOrStderr(), "No remote configured: changes stay local.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub := client.Subscribe()
	defer client.Unsubscribe(sub)

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if outputJSON {
				if err := outputAsJSON(cmd, ev); err != nil {
					return err
				}
				continue
			}
			printStatus(out, ev)
		}
	}
}
