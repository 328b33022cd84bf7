package fallback

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// Enabled when MURMUR_REDIS_ADDR is set.
func TestRedisStore_RoundTrip(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("MURMUR_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: MURMUR_REDIS_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := DialRedis(ctx, addr)
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	defer func() { _ = st.Close() }()

	exerciseStore(t, st)
}

func TestDialRedis_Unreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Port 1 is reserved and never has a listener in CI.
	if _, err := DialRedis(ctx, "127.0.0.1:1"); err == nil {
		t.Fatalf("expected dial error")
	}
}
