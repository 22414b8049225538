package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config defines runtime configuration for session persistence and recovery.
type Config struct {
	// MaxSessionAge bounds how long a record stays valid without activity.
	MaxSessionAge time.Duration

	// ActivityInterval is the tracker's periodic liveness refresh.
	ActivityInterval time.Duration

	// RemoteTimeout bounds each backend call made during recovery. Zero disables it.
	RemoteTimeout time.Duration

	// Profile is the in-flight guard key; one coordinator serves one profile.
	Profile string

	// UserAgent is recorded into DeviceInfo on every full write.
	UserAgent string

	// ProfileSync enables the best-effort profile upsert after a successful restore.
	ProfileSync bool
}

// DefaultConfig returns the defaults used when no environment overrides are set.
func DefaultConfig() Config {
	return Config{
		MaxSessionAge:    MaxSessionAge,
		ActivityInterval: 5 * time.Minute,
		RemoteTimeout:    15 * time.Second,
		Profile:          "default",
		UserAgent:        "kbsession/1.0",
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - KB_SESSION_MAX_AGE
//   - KB_ACTIVITY_INTERVAL
//   - KB_REMOTE_TIMEOUT ("0" disables the timeout)
//   - KB_PROFILE
//   - KB_USER_AGENT
//   - KB_PROFILE_SYNC
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("KB_SESSION_MAX_AGE")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.MaxSessionAge = d
	}

	if v := strings.TrimSpace(os.Getenv("KB_ACTIVITY_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.ActivityInterval = d
	}

	if v := strings.TrimSpace(os.Getenv("KB_REMOTE_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.RemoteTimeout = d
	}

	if v := strings.TrimSpace(os.Getenv("KB_PROFILE")); v != "" {
		cfg.Profile = v
	}

	if v := strings.TrimSpace(os.Getenv("KB_USER_AGENT")); v != "" {
		cfg.UserAgent = v
	}

	if v := strings.TrimSpace(os.Getenv("KB_PROFILE_SYNC")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.ProfileSync = b
	}

	// The tracker must refresh well inside the validity window.
	if cfg.ActivityInterval >= cfg.MaxSessionAge {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
