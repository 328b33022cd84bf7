// Package fallback mirrors per-user state into a key-value store for clients that
// cannot hold a realtime connection.
package fallback

import (
	"context"
	"fmt"
	"strings"
)

// Store is the narrow key-value contract. Get returns the last value written by
// this process, or ok=false when the key is absent. Writes are visible to the
// next Get immediately.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Key builds a user-scoped key, e.g. "murmur:<userId>:state".
func Key(userID, kind string) string {
	return fmt.Sprintf("murmur:%s:%s", userID, kind)
}

// ParseBackend normalizes a backend name.
func ParseBackend(s string) (string, error) {
	switch b := strings.ToLower(strings.TrimSpace(s)); b {
	case "", BackendMemory:
		return BackendMemory, nil
	case BackendPostgres, BackendSQLite, BackendRedis:
		return b, nil
	default:
		return "", fmt.Errorf("fallback: unknown backend %q", s)
	}
}
