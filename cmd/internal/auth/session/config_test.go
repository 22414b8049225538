package session

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"KB_SESSION_MAX_AGE", "KB_ACTIVITY_INTERVAL", "KB_REMOTE_TIMEOUT", "KB_PROFILE", "KB_USER_AGENT", "KB_PROFILE_SYNC"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.MaxSessionAge != 30*24*time.Hour {
		t.Fatalf("expected 30 day max age, got %s", cfg.MaxSessionAge)
	}
	if cfg.ProfileSync {
		t.Fatalf("profile sync must be off by default")
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	cases := map[string]string{
		"KB_SESSION_MAX_AGE":   "-5m",
		"KB_ACTIVITY_INTERVAL": "soon",
		"KB_REMOTE_TIMEOUT":    "-1s",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			_, err := LoadConfigFromEnv()
			if err != ErrConfig {
				t.Fatalf("expected ErrConfig for %s=%q, got %v", k, v, err)
			}
		})
	}
}

func TestLoadConfigFromEnv_InvalidProfileSync(t *testing.T) {
	t.Setenv("KB_PROFILE_SYNC", "maybe")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for invalid bool, got %v", err)
	}
}

func TestLoadConfigFromEnv_IntervalMustBeInsideMaxAge(t *testing.T) {
	t.Setenv("KB_SESSION_MAX_AGE", "1h")
	t.Setenv("KB_ACTIVITY_INTERVAL", "2h")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for interval >= max age, got %v", err)
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	t.Setenv("KB_SESSION_MAX_AGE", "168h")
	t.Setenv("KB_ACTIVITY_INTERVAL", "1m")
	t.Setenv("KB_REMOTE_TIMEOUT", "0")
	t.Setenv("KB_PROFILE", "tab-1")
	t.Setenv("KB_USER_AGENT", "kb-test/2")
	t.Setenv("KB_PROFILE_SYNC", "true")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.MaxSessionAge != 168*time.Hour {
		t.Fatalf("max age mismatch: %s", cfg.MaxSessionAge)
	}
	if cfg.ActivityInterval != time.Minute {
		t.Fatalf("interval mismatch: %s", cfg.ActivityInterval)
	}
	if cfg.RemoteTimeout != 0 {
		t.Fatalf("expected disabled remote timeout, got %s", cfg.RemoteTimeout)
	}
	if cfg.Profile != "tab-1" || cfg.UserAgent != "kb-test/2" || !cfg.ProfileSync {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
