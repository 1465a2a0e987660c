package waypoint_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/waypoint"
)

func TestDefaultConfig_Policies(t *testing.T) {
	cfg := waypoint.DefaultConfig()

	if cfg.GoalDebounce != 2*time.Second {
		t.Errorf("GoalDebounce = %v, want 2s", cfg.GoalDebounce)
	}
	if cfg.EventDebounce != time.Second || cfg.BrainDumpDebounce != time.Second {
		t.Errorf("EventDebounce/BrainDumpDebounce = %v/%v, want 1s", cfg.EventDebounce, cfg.BrainDumpDebounce)
	}
	if cfg.PreferencesThrottle != 5*time.Second || cfg.StreakThrottle != 5*time.Second {
		t.Errorf("PreferencesThrottle/StreakThrottle = %v/%v, want 5s", cfg.PreferencesThrottle, cfg.StreakThrottle)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() waypoint.Config {
		return waypoint.Config{LocalPath: "/tmp/w.db"}.WithDefaults()
	}

	tests := []struct {
		name      string
		mutate    func(*waypoint.Config)
		wantField string
	}{
		{"valid offline", func(c *waypoint.Config) {}, ""},
		{"valid online", func(c *waypoint.Config) { c.RemoteURL = "https://sync.example.com"; c.APIKey = "k" }, ""},
		{"missing local path", func(c *waypoint.Config) { c.LocalPath = "" }, "LocalPath"},
		{"bad url", func(c *waypoint.Config) { c.RemoteURL = "not a url"; c.APIKey = "k" }, "RemoteURL"},
		{"url without key", func(c *waypoint.Config) { c.RemoteURL = "https://sync.example.com" }, "APIKey"},
		{"negative debounce", func(c *waypoint.Config) { c.GoalDebounce = -time.Second }, "GoalDebounce"},
		{"negative attempts", func(c *waypoint.Config) { c.MaxAttempts = -1 }, "MaxAttempts"},
		{"bad log level", func(c *waypoint.Config) { c.LogLevel = "loud" }, "LogLevel"},
		{"bad profile", func(c *waypoint.Config) { c.Profile = "Not Valid" }, "Profile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var ve *waypoint.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("ValidationError.Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("WAYPOINT_DB_PATH", "/data/w.db")
	t.Setenv("WAYPOINT_REMOTE_URL", "https://sync.example.com")
	t.Setenv("WAYPOINT_API_KEY", "secret")
	t.Setenv("WAYPOINT_MAX_ATTEMPTS", "9")
	t.Setenv("WAYPOINT_DRAIN_INTERVAL", "45s")
	t.Setenv("WAYPOINT_DEBUG", "1")

	cfg := waypoint.ConfigFromEnv()
	if cfg.LocalPath != "/data/w.db" {
		t.Errorf("LocalPath = %q", cfg.LocalPath)
	}
	if cfg.RemoteURL != "https://sync.example.com" || cfg.APIKey != "secret" {
		t.Errorf("RemoteURL/APIKey = %q/%q", cfg.RemoteURL, cfg.APIKey)
	}
	if cfg.MaxAttempts != 9 {
		t.Errorf("MaxAttempts = %d, want 9", cfg.MaxAttempts)
	}
	if cfg.DrainInterval != 45*time.Second {
		t.Errorf("DrainInterval = %v, want 45s", cfg.DrainInterval)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waypoint.toml")
	content := `
remote_url = "https://sync.example.com"
api_key = "from-file"
goal_debounce = "500ms"
streak_throttle = "10s"
max_attempts = 3
manual_sync_only = true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fileCfg, err := waypoint.LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile() returned error: %v", err)
	}
	if fileCfg.GoalDebounce != 500*time.Millisecond {
		t.Errorf("GoalDebounce = %v, want 500ms", fileCfg.GoalDebounce)
	}

	cfg := waypoint.DefaultConfig().Merge(fileCfg).Merge(waypoint.Config{APIKey: "from-env"})
	if cfg.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want env to override file", cfg.APIKey)
	}
	if cfg.StreakThrottle != 10*time.Second {
		t.Errorf("StreakThrottle = %v, want 10s", cfg.StreakThrottle)
	}
	if cfg.EventDebounce != waypoint.DefaultEventDebounce {
		t.Errorf("EventDebounce = %v, want default kept", cfg.EventDebounce)
	}
	if cfg.MaxAttempts != 3 || !cfg.ManualSyncOnly {
		t.Errorf("MaxAttempts/ManualSyncOnly = %d/%v, want 3/true", cfg.MaxAttempts, cfg.ManualSyncOnly)
	}

	policies := waypoint.PoliciesFromConfig(cfg)
	if p := policies[waypoint.KindGoal]; p.Mode != waypoint.LimitDebounce || p.Delay != 500*time.Millisecond {
		t.Errorf("goal policy = %+v", p)
	}
	if p := policies[waypoint.KindStreak]; p.Mode != waypoint.LimitThrottle || p.Delay != 10*time.Second {
		t.Errorf("streak policy = %+v", p)
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	if _, err := waypoint.LoadConfigFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("LoadConfigFile(missing) returned nil error")
	}
}

func TestWithDefaults_ProfilePath(t *testing.T) {
	t.Setenv("WAYPOINT_PROFILE", "")
	cfg := waypoint.Config{Profile: "work"}.WithDefaults()

	if filepath.Base(filepath.Dir(cfg.LocalPath)) != "work" {
		t.Errorf("LocalPath = %q, want it under the work profile", cfg.LocalPath)
	}
	if cfg.QuietPeriod == 0 || cfg.DrainInterval == 0 || cfg.RemoteTimeout == 0 {
		t.Errorf("durations not defaulted: %+v", cfg)
	}
}

func TestIsOffline(t *testing.T) {
	cfg := waypoint.Config{}
	if !cfg.IsOffline() {
		t.Error("IsOffline() = false with no RemoteURL")
	}
	cfg.RemoteURL = "https://sync.example.com"
	if cfg.IsOffline() {
		t.Error("IsOffline() = true with RemoteURL set")
	}
}
