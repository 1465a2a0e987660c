package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hyperengineering/waypoint"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the retry queue",
	Long: `Inspect and manage changes whose sync failed.

Entries are retried automatically until they reach the attempts cap. After
that they are stalled and wait for 'waypoint queue retry'.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued changes",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry stalled changes now",
	Args:  cobra.NoArgs,
	RunE:  runQueueRetry,
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <entry-id>",
	Short: "Drop a queued change",
	Long: `Drop one queued change without syncing it. The local copy is kept and
stays marked as unsynced.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueDiscard,
}

var (
	queueStalledOnly  bool
	queueDiscardForce bool
)

func init() {
	queueListCmd.Flags().BoolVar(&queueStalledOnly, "stalled", false, "Only list stalled entries")
	queueDiscardCmd.Flags().BoolVar(&queueDiscardForce, "force", false, "Skip interactive prompt")
	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	var entries []waypoint.QueueEntry
	if queueStalledOnly {
		entries, err = client.Stalled(ctx)
	} else {
		entries, err = client.Queue(ctx)
	}
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	return outputQueue(cmd, entries)
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	n, err := client.RetryStalled(ctx)
	if err != nil {
		return fmt.Errorf("retry stalled: %w", err)
	}

	var res waypoint.DrainResult
	clientCfg := client.Config()
	if n > 0 && !clientCfg.IsOffline() {
		res, err = client.FlushPending(ctx)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}

	if outputJSON {
		return outputAsJSON(cmd, map[string]int{"retried": n, "succeeded": res.Succeeded, "failed": res.Failed})
	}
	out := cmd.OutOrStdout()
	if n == 0 {
		printSuccess(out, "No stalled changes.")
		return nil
	}
	printInfo(out, "Retried %d stalled change(s): %d synced, %d failed", n, res.Succeeded, res.Failed)
	return nil
}

func runQueueDiscard(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid entry id %q", args[0])
	}

	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	if !queueDiscardForce {
		printWarning(out, "The queued change will not be synced. Type 'yes' to confirm: ")
		if !confirm("yes") {
			printMuted(out, "Aborted.")
			return nil
		}
	}

	err = client.Discard(context.Background(), id)
	if errors.Is(err, waypoint.ErrEntryNotFound) {
		return fmt.Errorf("queue entry %d not found", id)
	}
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, map[string]any{"id": id, "status": "discarded"})
	}
	printSuccess(out, "Discarded queue entry %d", id)
	return nil
}

// confirm reads one line from stdin and reports whether it equals want.
func confirm(want string) bool {
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(response) == want
}
