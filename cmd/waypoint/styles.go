package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/hyperengineering/waypoint"
	"github.com/mattn/go-isatty"
)

// Palette
var (
	colorPrimary      = lipgloss.Color("#3B82F6") // Trail blue
	colorPrimaryLight = lipgloss.Color("#60A5FA")
	colorPrimaryDark  = lipgloss.Color("#1D4ED8")

	colorText  = lipgloss.Color("#F8FAFC")
	colorMuted = lipgloss.Color("240")

	colorSuccess = lipgloss.Color("#22C55E")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(colorPrimary)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	labelStyle   = lipgloss.NewStyle().Foreground(colorPrimaryLight).Bold(true)
)

const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconWarning = "⚠"
	iconInfo    = "●"
	iconSyncing = "↻"
	iconIdle    = "○"
)

// isTTY returns true if stdout is a terminal
func isTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// printStyled prints a message with an icon, applying style only in TTY mode
func printStyled(w io.Writer, icon string, style lipgloss.Style, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if isTTY() {
		fmt.Fprintf(w, "%s %s\n", style.Render(icon), msg)
	} else {
		fmt.Fprintf(w, "%s %s\n", icon, msg)
	}
}

func printSuccess(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconSuccess, successStyle, format, args...)
}

func printError(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconError, errorStyle, format, args...)
}

func printWarning(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconWarning, warningStyle, format, args...)
}

func printInfo(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconInfo, infoStyle, format, args...)
}

// printMuted prints muted/secondary text
func printMuted(w io.Writer, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if isTTY() {
		fmt.Fprintln(w, mutedStyle.Render(msg))
	} else {
		fmt.Fprintln(w, msg)
	}
}

// printLabel prints "label: value" with the label styled.
func printLabel(w io.Writer, label, format string, args ...interface{}) {
	if isTTY() {
		label = labelStyle.Render(label)
	}
	fmt.Fprintf(w, "  %s %s\n", label, fmt.Sprintf(format, args...))
}

// printStatus prints one sync status transition.
func printStatus(w io.Writer, ev waypoint.StatusEvent) {
	subject := ""
	if ev.Kind != "" {
		subject = " " + ev.Kind + "/" + ev.EntityID
	}
	at := ev.At.Local().Format("15:04:05")

	switch ev.State {
	case waypoint.StatusSyncing:
		printStyled(w, iconSyncing, infoStyle, "%s syncing%s", at, subject)
	case waypoint.StatusSynced:
		printStyled(w, iconSuccess, successStyle, "%s synced%s", at, subject)
	case waypoint.StatusError:
		msg := ev.Err
		if ev.Stalled {
			printStyled(w, iconError, errorStyle, "%s stalled%s: %s", at, subject, msg)
			return
		}
		printStyled(w, iconWarning, warningStyle, "%s error%s: %s", at, subject, msg)
	default:
		printStyled(w, iconIdle, mutedStyle, "%s idle", at)
	}
}

// renderMarkdown renders brain dump text with glamour on a terminal.
func renderMarkdown(content string) string {
	if !isTTY() || !hasMarkdown(content) {
		return content
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return content
	}

	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}

	return strings.TrimSpace(rendered)
}

// hasMarkdown checks if content contains markdown-like syntax.
// Ordered from most specific to least to reduce false positives.
func hasMarkdown(content string) bool {
	markers := []string{
		"```",
		"## ",
		"# ",
		"**",
		"1. ",
		"- [ ]",
		"- ",
		"* ",
		"](http",
		"`",
	}
	for _, marker := range markers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}
