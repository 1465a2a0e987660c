package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/hyperengineering/waypoint"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	cfgDBPath    string
	cfgProfile   string
	cfgRemoteURL string
	cfgAPIKey    string
	cfgDebug     bool
	outputJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "waypoint",
	Short: "Waypoint - local-first planner sync",
	Long: `Waypoint keeps goals, calendar events, brain dumps, preferences and
streaks in a local SQLite store and syncs them to the remote store in the
background.

Writes never wait for the network. Failed syncs are kept in a durable retry
queue and drained when connectivity returns.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal; a malformed one is not.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to a TOML config file (default: $WAYPOINT_CONFIG)")
	pf.StringVar(&cfgDBPath, "db-path", "", "Path to local database (default: ~/.waypoint/profiles/<profile>/waypoint.db)")
	pf.StringVar(&cfgProfile, "profile", "", "Local profile (default: $WAYPOINT_PROFILE or \"default\")")
	pf.StringVar(&cfgRemoteURL, "remote-url", "", "Remote store URL (empty: offline only)")
	pf.StringVar(&cfgAPIKey, "api-key", "", "API key for the remote store")
	pf.BoolVar(&cfgDebug, "debug", false, "Enable debug logging")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")
}

// loadConfig layers config file, environment and flags, later sources
// winning.
func loadConfig() (waypoint.Config, error) {
	var cfg waypoint.Config
	path := cfgFile
	if path == "" {
		path = os.Getenv("WAYPOINT_CONFIG")
	}
	if path != "" {
		fileCfg, err := waypoint.LoadConfigFile(path)
		if err != nil {
			return waypoint.Config{}, err
		}
		cfg = fileCfg
	}
	cfg = cfg.Merge(waypoint.ConfigFromEnv())
	cfg = cfg.Merge(waypoint.Config{
		LocalPath: cfgDBPath,
		Profile:   cfgProfile,
		RemoteURL: cfgRemoteURL,
		APIKey:    cfgAPIKey,
		Debug:     cfgDebug,
	})
	return cfg, nil
}

// openClient opens a client for a one-shot command. The background drain
// loop only runs for long-lived commands; Close still sends pending syncs.
func openClient(longLived bool) (*waypoint.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !longLived {
		cfg.ManualSyncOnly = true
	}
	return newClient(cfg)
}

func newClient(cfg waypoint.Config) (*waypoint.Client, error) {
	client, err := waypoint.New(cfg)
	if err != nil {
		var ve *waypoint.ValidationError
		if errors.As(err, &ve) {
			return nil, fmt.Errorf("%w\n\nSet it with a flag, a WAYPOINT_* environment variable or --config", err)
		}
		return nil, fmt.Errorf("initialize client: %w", err)
	}
	return client, nil
}
