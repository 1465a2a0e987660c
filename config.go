package waypoint

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/hyperengineering/waypoint/internal/store"
)

// Default rate-limit policies.
const (
	DefaultGoalDebounce        = 2 * time.Second
	DefaultEventDebounce       = 1 * time.Second
	DefaultBrainDumpDebounce   = 1 * time.Second
	DefaultPreferencesThrottle = 5 * time.Second
	DefaultStreakThrottle      = 5 * time.Second
)

// Config configures the waypoint client.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	// If empty, derived from Profile.
	LocalPath string `toml:"local_path"`

	// Profile selects a local database under ~/.waypoint/profiles.
	// If empty, resolved as explicit > WAYPOINT_PROFILE env > "default".
	Profile string `toml:"profile"`

	// RemoteURL is the base URL of the remote store.
	// If empty, operates in offline-only mode: changes stay dirty locally.
	RemoteURL string `toml:"remote_url" validate:"omitempty,url"`

	// APIKey authenticates with the remote store.
	APIKey string `toml:"api_key" validate:"required_with=RemoteURL"`

	// DeviceID identifies this installation in remote requests.
	// Generated and persisted on first run if empty.
	DeviceID string `toml:"device_id"`

	// Per-kind rate-limit policies.
	GoalDebounce        time.Duration `toml:"goal_debounce" validate:"gte=0"`
	EventDebounce       time.Duration `toml:"event_debounce" validate:"gte=0"`
	BrainDumpDebounce   time.Duration `toml:"brain_dump_debounce" validate:"gte=0"`
	PreferencesThrottle time.Duration `toml:"preferences_throttle" validate:"gte=0"`
	StreakThrottle      time.Duration `toml:"streak_throttle" validate:"gte=0"`

	// QuietPeriod is how long synced/error is held before status reverts to idle.
	QuietPeriod time.Duration `toml:"quiet_period" validate:"gte=0"`

	// DrainInterval is how often the retry queue is drained in the background.
	DrainInterval time.Duration `toml:"drain_interval" validate:"gte=0"`

	// ProbeInterval is how often connectivity is probed while offline.
	ProbeInterval time.Duration `toml:"probe_interval" validate:"gte=0"`

	// RemoteTimeout bounds each remote call.
	RemoteTimeout time.Duration `toml:"remote_timeout" validate:"gte=0"`

	// MaxAttempts is the retry cap after which a queued entry needs manual retry.
	MaxAttempts int `toml:"max_attempts" validate:"gte=0"`

	// ManualSyncOnly disables the background drain loop. Queued entries are
	// then drained only by FlushPending or a connectivity notification.
	ManualSyncOnly bool `toml:"manual_sync_only"`

	// LogPath enables a rotating log file. Logs go to stderr if empty.
	LogPath string `toml:"log_path"`

	// LogLevel is one of trace, debug, info, warn, error. Defaults to warn.
	LogLevel string `toml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	// Debug enables debug logging including remote request and response bodies.
	Debug bool `toml:"debug"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Profile:             store.DefaultProfile,
		LocalPath:           store.ProfileDBPath(store.DefaultProfile),
		GoalDebounce:        DefaultGoalDebounce,
		EventDebounce:       DefaultEventDebounce,
		BrainDumpDebounce:   DefaultBrainDumpDebounce,
		PreferencesThrottle: DefaultPreferencesThrottle,
		StreakThrottle:      DefaultStreakThrottle,
		QuietPeriod:         3 * time.Second,
		DrainInterval:       30 * time.Second,
		ProbeInterval:       10 * time.Second,
		RemoteTimeout:       15 * time.Second,
		MaxAttempts:         5,
	}
}

// ConfigFromEnv reads configuration from environment variables.
// Unparseable numeric values are ignored.
//
//	WAYPOINT_DB_PATH        → LocalPath
//	WAYPOINT_PROFILE        → Profile
//	WAYPOINT_REMOTE_URL     → RemoteURL
//	WAYPOINT_API_KEY        → APIKey
//	WAYPOINT_DEVICE_ID      → DeviceID
//	WAYPOINT_MAX_ATTEMPTS   → MaxAttempts
//	WAYPOINT_DRAIN_INTERVAL → DrainInterval (Go duration, e.g. "30s")
//	WAYPOINT_LOG_PATH       → LogPath
//	WAYPOINT_LOG_LEVEL      → LogLevel
//	WAYPOINT_DEBUG          → Debug (any non-empty value enables)
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath: os.Getenv("WAYPOINT_DB_PATH"),
		Profile:   os.Getenv("WAYPOINT_PROFILE"),
		RemoteURL: os.Getenv("WAYPOINT_REMOTE_URL"),
		APIKey:    os.Getenv("WAYPOINT_API_KEY"),
		DeviceID:  os.Getenv("WAYPOINT_DEVICE_ID"),
		LogPath:   os.Getenv("WAYPOINT_LOG_PATH"),
		LogLevel:  os.Getenv("WAYPOINT_LOG_LEVEL"),
		Debug:     os.Getenv("WAYPOINT_DEBUG") != "",
	}
	if v, err := strconv.Atoi(os.Getenv("WAYPOINT_MAX_ATTEMPTS")); err == nil {
		cfg.MaxAttempts = v
	}
	if v, err := time.ParseDuration(os.Getenv("WAYPOINT_DRAIN_INTERVAL")); err == nil {
		cfg.DrainInterval = v
	}
	return cfg
}

// LoadConfigFile reads a TOML config file. Durations are Go duration
// strings ("2s", "500ms"). Fields absent from the file stay zero so the
// result can be merged onto defaults.
func LoadConfigFile(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return cfg, nil
}

// Merge returns c with every non-zero field of o applied on top.
// Booleans only ever switch on.
func (c Config) Merge(o Config) Config {
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	dur := func(dst *time.Duration, v time.Duration) {
		if v != 0 {
			*dst = v
		}
	}

	str(&c.LocalPath, o.LocalPath)
	str(&c.Profile, o.Profile)
	str(&c.RemoteURL, o.RemoteURL)
	str(&c.APIKey, o.APIKey)
	str(&c.DeviceID, o.DeviceID)
	str(&c.LogPath, o.LogPath)
	str(&c.LogLevel, o.LogLevel)
	dur(&c.GoalDebounce, o.GoalDebounce)
	dur(&c.EventDebounce, o.EventDebounce)
	dur(&c.BrainDumpDebounce, o.BrainDumpDebounce)
	dur(&c.PreferencesThrottle, o.PreferencesThrottle)
	dur(&c.StreakThrottle, o.StreakThrottle)
	dur(&c.QuietPeriod, o.QuietPeriod)
	dur(&c.DrainInterval, o.DrainInterval)
	dur(&c.ProbeInterval, o.ProbeInterval)
	dur(&c.RemoteTimeout, o.RemoteTimeout)
	if o.MaxAttempts != 0 {
		c.MaxAttempts = o.MaxAttempts
	}
	c.Debug = c.Debug || o.Debug
	c.ManualSyncOnly = c.ManualSyncOnly || o.ManualSyncOnly
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Profile != "" {
		if err := store.ValidateProfile(c.Profile); err != nil {
			return &ValidationError{Field: "Profile", Message: err.Error()}
		}
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return &ValidationError{Field: "Config", Message: err.Error()}
	}

	return nil
}

func fieldError(fe validator.FieldError) *ValidationError {
	var msg string
	switch fe.Tag() {
	case "url":
		msg = "must be a valid URL"
	case "required_with":
		msg = "required when " + fe.Param() + " is set"
	case "gte":
		msg = "must be non-negative"
	case "oneof":
		msg = "must be one of: " + fe.Param()
	default:
		msg = "failed " + fe.Tag() + " validation"
	}
	return &ValidationError{Field: fe.Field(), Message: msg}
}

// IsOffline returns true if the client operates in offline-only mode.
// Offline mode is determined by RemoteURL being empty.
func (c *Config) IsOffline() bool {
	return c.RemoteURL == ""
}

// WithDefaults fills in default values for unset fields.
// Profile resolution: explicit Profile field > WAYPOINT_PROFILE env > "default".
// LocalPath is derived from the resolved profile if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Profile == "" {
		resolved, err := store.ResolveProfile("")
		if err == nil {
			c.Profile = resolved
		} else {
			c.Profile = store.DefaultProfile
		}
	}

	if c.LocalPath == "" {
		c.LocalPath = store.ProfileDBPath(c.Profile)
	}

	durations := []struct {
		v *time.Duration
		d time.Duration
	}{
		{&c.GoalDebounce, defaults.GoalDebounce},
		{&c.EventDebounce, defaults.EventDebounce},
		{&c.BrainDumpDebounce, defaults.BrainDumpDebounce},
		{&c.PreferencesThrottle, defaults.PreferencesThrottle},
		{&c.StreakThrottle, defaults.StreakThrottle},
		{&c.QuietPeriod, defaults.QuietPeriod},
		{&c.DrainInterval, defaults.DrainInterval},
		{&c.ProbeInterval, defaults.ProbeInterval},
		{&c.RemoteTimeout, defaults.RemoteTimeout},
	}
	for _, d := range durations {
		if *d.v == 0 {
			*d.v = d.d
		}
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}

	return c
}
