package app

import (
	"errors"
	"fmt"
	"strings"

	"murmur/cmd/internal/fallback"
	"murmur/cmd/security/password"
)

// ValidateConfig enforces murmur's startup policy. It fails fast instead of
// silently running with a backend or origin policy other than the one configured.
func ValidateConfig(cfg Config) error {
	if cfg.WSOriginRequired && len(cfg.WSAllowedOrigins) == 0 {
		return errors.New("config: MURMUR_WS_ORIGIN_REQUIRED=true but MURMUR_WS_ALLOWED_ORIGINS is empty")
	}
	for _, o := range cfg.WSAllowedOrigins {
		if strings.TrimSpace(o) == "*" && !cfg.WSInsecureSkipVerify {
			return errors.New("config: wildcard websocket origin requires MURMUR_WS_DEV_INSECURE=true")
		}
	}

	backend, err := fallback.ParseBackend(cfg.FallbackBackend)
	if err != nil {
		return fmt.Errorf("config: MURMUR_FALLBACK_BACKEND: %w", err)
	}
	switch backend {
	case fallback.BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: postgres fallback requires MURMUR_DATABASE_URL")
		}
	case fallback.BackendRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redis fallback requires MURMUR_REDIS_ADDR")
		}
	case fallback.BackendSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return errors.New("config: sqlite fallback requires MURMUR_SQLITE_PATH")
		}
	}
	if cfg.ReadinessRequireDB && backend != fallback.BackendPostgres {
		return errors.New("config: MURMUR_READINESS_REQUIRE_DB=true needs the postgres fallback backend")
	}

	if cfg.PresenceAwayWindow > 0 && cfg.PresenceAwayWindow <= cfg.PresenceOnlineWindow {
		return errors.New("config: MURMUR_PRESENCE_AWAY_WINDOW must exceed MURMUR_PRESENCE_ONLINE_WINDOW")
	}

	if _, err := password.FromEnv(); err != nil {
		return fmt.Errorf("config: lock secret hashing: %w", err)
	}
	return nil
}
