package app

import (
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Fallback snapshot backend: memory, postgres, sqlite or redis.
	FallbackBackend string
	DatabaseURL     string
	DBMaxConns      int32
	DBMinConns      int32
	DBSchema        string
	SQLitePath      string
	RedisAddr       string

	// If true, /readyz returns 503 unless the Postgres backend is configured and reachable.
	ReadinessRequireDB bool

	PresenceOnlineWindow  time.Duration
	PresenceAwayWindow    time.Duration
	PresenceSweepInterval time.Duration
	PresenceReaper        bool

	WSOriginRequired     bool
	WSAllowedOrigins     []string
	WSInsecureSkipVerify bool
	WSSendQueue          int
	WSWriteTimeout       time.Duration
	WSReadIdleTimeout    time.Duration
	WSPingInterval       time.Duration
	WSRateEvents         int
	WSRateWindow         time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("MURMUR_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("MURMUR_LOG_LEVEL", "info"),
		LogFormat: EnvString("MURMUR_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("MURMUR_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("MURMUR_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("MURMUR_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("MURMUR_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("MURMUR_HTTP_MAX_HEADER_BYTES", 1<<20),

		FallbackBackend: EnvString("MURMUR_FALLBACK_BACKEND", "memory"),
		DatabaseURL:     EnvString("MURMUR_DATABASE_URL", ""),
		DBMaxConns:      EnvInt32("MURMUR_DB_MAX_CONNS", 10),
		DBMinConns:      EnvInt32("MURMUR_DB_MIN_CONNS", 0),
		DBSchema:        EnvString("MURMUR_DB_SCHEMA", "murmur"),
		SQLitePath:      EnvString("MURMUR_SQLITE_PATH", "murmur-fallback.db"),
		RedisAddr:       EnvString("MURMUR_REDIS_ADDR", ""),

		ReadinessRequireDB: EnvBool("MURMUR_READINESS_REQUIRE_DB", false),

		PresenceOnlineWindow:  EnvDuration("MURMUR_PRESENCE_ONLINE_WINDOW", 10*time.Second),
		PresenceAwayWindow:    EnvDuration("MURMUR_PRESENCE_AWAY_WINDOW", 0),
		PresenceSweepInterval: EnvDuration("MURMUR_PRESENCE_SWEEP_INTERVAL", 0),
		PresenceReaper:        EnvBool("MURMUR_PRESENCE_REAPER", true),

		WSOriginRequired:     EnvBool("MURMUR_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:     EnvList("MURMUR_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSInsecureSkipVerify: EnvBool("MURMUR_WS_DEV_INSECURE", false),
		WSSendQueue:          EnvInt("MURMUR_WS_SEND_QUEUE", 256),
		WSWriteTimeout:       EnvDuration("MURMUR_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:    EnvDuration("MURMUR_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSPingInterval:       EnvDuration("MURMUR_WS_PING_INTERVAL", 25*time.Second),
		WSRateEvents:         EnvInt("MURMUR_WS_RATE_EVENTS", 120),
		WSRateWindow:         EnvDuration("MURMUR_WS_RATE_WINDOW", 10*time.Second),

		CORSAllowedOrigins:   EnvList("MURMUR_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("MURMUR_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("MURMUR_CORS_MAX_AGE", 600),

		MetricsEnabled: EnvBool("MURMUR_METRICS", true),
	}
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
