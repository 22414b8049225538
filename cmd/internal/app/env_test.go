package app

import (
	"reflect"
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("KB_TEST_STR", "  value ")
	t.Setenv("KB_TEST_BOOL", "nope")
	t.Setenv("KB_TEST_INT", "-3")
	t.Setenv("KB_TEST_DUR", "90s")
	t.Setenv("KB_TEST_FLOAT", "2.5")
	t.Setenv("KB_TEST_LIST", "courses, ,orders:id=eq.1,")

	if got := EnvString("KB_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString=%q", got)
	}
	if got := EnvBool("KB_TEST_BOOL", true); !got {
		t.Fatalf("EnvBool should fall back on parse error")
	}
	if got := EnvInt("KB_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt=%d want default for negative", got)
	}
	if got := EnvDuration("KB_TEST_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("EnvDuration=%v", got)
	}
	if got := EnvFloat("KB_TEST_FLOAT", 1); got != 2.5 {
		t.Fatalf("EnvFloat=%v", got)
	}
	if got := EnvList("KB_TEST_LIST"); !reflect.DeepEqual(got, []string{"courses", "orders:id=eq.1"}) {
		t.Fatalf("EnvList=%v", got)
	}
	if got := EnvList("KB_TEST_MISSING"); got != nil {
		t.Fatalf("EnvList missing=%v", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"KB_HTTP_ADDR", "KB_LOG_FORMAT", "KB_STORAGE_KEY", "KB_ACTIVITY_BURST", "KB_REALTIME_SCOPES"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:8787" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.StorageKey != "kb-session" || cfg.LastUserKey != "kb-last-user" {
		t.Fatalf("unexpected storage keys: %q %q", cfg.StorageKey, cfg.LastUserKey)
	}
	if cfg.ActivityBurst != 5 || cfg.ActivityRate != 1 || cfg.RealtimeScopes != nil {
		t.Fatalf("unexpected activity/realtime defaults: %+v", cfg)
	}
}
