package main

import (
	"runtime"

	"github.com/hyperengineering/waypoint"
	"github.com/spf13/cobra"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// versionInfo describes the binary and the sync behaviour compiled into it.
type versionInfo struct {
	Version   string       `json:"version"`
	Commit    string       `json:"commit"`
	Date      string       `json:"date"`
	Go        string       `json:"go"`
	OS        string       `json:"os"`
	Arch      string       `json:"arch"`
	Schema    string       `json:"schema_version"`
	UserAgent string       `json:"user_agent"`
	Sync      []syncWindow `json:"sync_windows"`
}

// syncWindow is the stock rate-limit policy for one entity kind.
type syncWindow struct {
	Kind  string `json:"kind"`
	Mode  string `json:"mode"`
	Delay string `json:"delay"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Display the build, the local schema version and the default sync windows.`,
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	return outputVersion(cmd, currentVersion())
}

func currentVersion() versionInfo {
	info := versionInfo{
		Version:   version,
		Commit:    commit,
		Date:      date,
		Go:        runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Schema:    waypoint.SchemaVersion,
		UserAgent: waypoint.UserAgent,
	}
	policies := waypoint.DefaultPolicies()
	for _, kind := range waypoint.ValidKinds() {
		p := policies[kind]
		info.Sync = append(info.Sync, syncWindow{
			Kind:  string(kind),
			Mode:  string(p.Mode),
			Delay: p.Delay.String(),
		})
	}
	return info
}
