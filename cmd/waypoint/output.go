package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperengineering/waypoint"
	"github.com/spf13/cobra"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to stderr, ensuring no API keys are leaked.
func outputError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %s\n", scrubSensitiveData(err.Error()))
}

// scrubSensitiveData removes the configured API key from messages.
func scrubSensitiveData(msg string) string {
	for _, key := range []string{cfgAPIKey, envAPIKey()} {
		if key != "" && strings.Contains(msg, key) {
			msg = strings.ReplaceAll(msg, key, "[REDACTED]")
		}
	}
	return msg
}

func envAPIKey() string {
	return waypoint.ConfigFromEnv().APIKey
}

// outputSaved reports a local write.
func outputSaved(cmd *cobra.Command, e waypoint.Entity) error {
	if outputJSON {
		return outputAsJSON(cmd, e)
	}
	printSuccess(cmd.OutOrStdout(), "Saved %s %s", e.EntityKind(), e.EntityID())
	return nil
}

// outputRaw prints a stored entity.
func outputRaw(cmd *cobra.Command, kind waypoint.EntityKind, id string, raw []byte) error {
	out := cmd.OutOrStdout()
	if outputJSON {
		_, err := out.Write(append(raw, '\n'))
		return err
	}

	if kind == waypoint.KindBrainDump {
		var entry waypoint.BrainDumpEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			printInfo(out, "Brain dump %s (%s)", entry.ID, formatRelativeTime(entry.CreatedAt))
			fmt.Fprintln(out, renderMarkdown(entry.Text))
			return nil
		}
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	printInfo(out, "%s %s", kind, id)
	fmt.Fprintln(out, buf.String())
	return nil
}

// outputVersion prints build and sync information.
func outputVersion(cmd *cobra.Command, info versionInfo) error {
	if outputJSON {
		return outputAsJSON(cmd, info)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "waypoint %s\n", info.Version)
	printLabel(out, "commit:", "%s", info.Commit)
	printLabel(out, "built: ", "%s", info.Date)
	printLabel(out, "go:    ", "%s/%s %s", info.OS, info.Arch, info.Go)
	printLabel(out, "schema:", "v%s", info.Schema)
	printLabel(out, "agent: ", "%s", info.UserAgent)
	if len(info.Sync) > 0 {
		fmt.Fprintln(out)
		printMuted(out, "Sync windows:")
		for _, w := range info.Sync {
			printLabel(out, fmt.Sprintf("%-12s", w.Kind+":"), "%s %s", w.Mode, w.Delay)
		}
	}
	return nil
}

// outputQueue prints retry queue entries.
func outputQueue(cmd *cobra.Command, entries []waypoint.QueueEntry) error {
	if outputJSON {
		if entries == nil {
			entries = []waypoint.QueueEntry{}
		}
		return outputAsJSON(cmd, entries)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		printSuccess(out, "Retry queue is empty.")
		return nil
	}

	printInfo(out, "Retry queue (%d):", len(entries))
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%-6s %-12s %-28s %-7s %8s %-8s %s\n", "ID", "KIND", "ENTITY", "OP", "ATTEMPTS", "STATE", "LAST ERROR")
	for _, e := range entries {
		state := "pending"
		if e.Stalled {
			state = "stalled"
		}
		lastErr := e.LastError
		if len(lastErr) > 40 {
			lastErr = lastErr[:37] + "..."
		}
		fmt.Fprintf(out, "%-6d %-12s %-28s %-7s %8d %-8s %s\n", e.ID, e.Kind, e.EntityID, e.Op, e.Attempts, state, lastErr)
	}
	return nil
}

// outputDirty prints entities with unconfirmed changes.
func outputDirty(cmd *cobra.Command, recs []waypoint.DirtyRecord) error {
	if outputJSON {
		if recs == nil {
			recs = []waypoint.DirtyRecord{}
		}
		return outputAsJSON(cmd, recs)
	}

	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		printSuccess(out, "Everything is synced.")
		return nil
	}
	printWarning(out, "Unsynced changes (%d):", len(recs))
	for _, r := range recs {
		fmt.Fprintf(out, "  %-12s %-28s since %s\n", r.Kind, r.EntityID, formatRelativeTime(r.DirtySince))
	}
	return nil
}

// formatRelativeTime formats a time as a relative string (e.g., "2h ago")
func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	d := time.Since(t)

	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return fmt.Sprintf("%dw ago", int(d.Hours()/24/7))
	}
}

func jsonRaw(b []byte) json.RawMessage {
	return json.RawMessage(b)
}

// summarize picks a one-line description out of a stored entity.
func summarize(raw []byte) string {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"title", "text", "theme"} {
		if s, ok := fields[key].(string); ok && s != "" {
			if len(s) > 60 {
				s = s[:57] + "..."
			}
			return strings.ReplaceAll(s, "\n", " ")
		}
	}
	if n, ok := fields["current"].(float64); ok {
		return fmt.Sprintf("%d day(s)", int(n))
	}
	return ""
}
