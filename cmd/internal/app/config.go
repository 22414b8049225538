package app

import (
	"strings"
	"time"
)

// Config contains the host's runtime configuration loaded from environment variables.
// Session behavior (max age, activity interval, remote timeout) lives in session.Config.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Postgres is only used for the profile upsert.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Empty RedisURL leaves the fast tier unavailable.
	RedisURL string

	// Empty BadgerPath keeps the durable tier in memory.
	BadgerPath string

	StorageKey  string
	LastUserKey string

	BackendURL     string
	BackendAnonKey string

	// Empty RealtimeURL disables the realtime socket.
	RealtimeURL string

	// RealtimeScopes are subscribed after a successful restore ("table" or "table:filter").
	RealtimeScopes []string

	// Host-side limit for POST /session/activity.
	ActivityRate  float64
	ActivityBurst int

	// If true, /readyz returns 503 while the fast tier's breaker is open.
	ReadinessRequireRedis bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("KB_HTTP_ADDR", "127.0.0.1:8787"),
		LogLevel:  EnvString("KB_LOG_LEVEL", "info"),
		LogFormat: EnvString("KB_LOG_FORMAT", "json"),
		LogColor:  EnvBool("KB_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("KB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("KB_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("KB_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("KB_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("KB_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("KB_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("KB_DB_MAX_CONNS", 4),
		DBMinConns:  EnvInt32("KB_DB_MIN_CONNS", 0),

		RedisURL:   EnvString("KB_REDIS_URL", ""),
		BadgerPath: EnvString("KB_BADGER_PATH", ""),

		StorageKey:  EnvString("KB_STORAGE_KEY", "kb-session"),
		LastUserKey: EnvString("KB_LAST_USER_KEY", "kb-last-user"),

		BackendURL:     EnvString("KB_BACKEND_URL", ""),
		BackendAnonKey: EnvString("KB_BACKEND_ANON_KEY", ""),

		RealtimeURL:    EnvString("KB_REALTIME_URL", ""),
		RealtimeScopes: EnvList("KB_REALTIME_SCOPES"),

		ActivityRate:  EnvFloat("KB_ACTIVITY_RATE", 1),
		ActivityBurst: EnvInt("KB_ACTIVITY_BURST", 5),

		ReadinessRequireRedis: EnvBool("KB_READINESS_REQUIRE_REDIS", false),
	}
}

// scopeKey splits "table:filter" into its parts.
func scopeKey(s string) (scope, filter string) {
	scope, filter, _ = strings.Cut(strings.TrimSpace(s), ":")
	return strings.TrimSpace(scope), strings.TrimSpace(filter)
}
