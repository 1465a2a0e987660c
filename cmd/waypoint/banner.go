package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerTrailStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	bannerPinStyle     = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	bannerTitleStyle   = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	bannerTaglineStyle = lipgloss.NewStyle().Foreground(colorPrimaryDark).Italic(true)
	bannerVersionStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

func renderBanner() string {
	dot := bannerTrailStyle.Render("·")
	pin := bannerPinStyle.Render("◆")
	title := bannerTitleStyle.Render("WAYPOINT")

	trail := strings.Repeat(dot+" ", 4)
	lines := []string{
		"  " + pin + " " + trail + pin + " " + trail + pin,
		"      " + title,
	}
	return strings.Join(lines, "\n")
}

func renderBannerWithTagline() string {
	tagline := bannerTaglineStyle.Render("  offline first, synced after")
	ver := bannerVersionStyle.Render("      " + version)
	return strings.Join([]string{renderBanner(), tagline, ver}, "\n")
}
