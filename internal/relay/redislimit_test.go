package relay

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisConnectLimiterCapsPerKey(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := newRedisConnectLimiter(mr.Addr(), 6)
	if err != nil {
		t.Fatalf("newRedisConnectLimiter: %v", err)
	}

	key := "1.2.3.4|user-1|sess-1"
	for i := 0; i < 6; i++ {
		if !limiter.allow(key) {
			t.Fatalf("attempt %d denied, want first 6 allowed", i+1)
		}
	}
	if limiter.allow(key) {
		t.Error("attempt 7 allowed, want denied")
	}

	// Another key has its own budget.
	if !limiter.allow("5.6.7.8|user-2|sess-2") {
		t.Error("independent key denied")
	}

	// The window resets after a minute.
	mr.FastForward(time.Minute + time.Second)
	if !limiter.allow(key) {
		t.Error("attempt after window reset denied")
	}
}

func TestRedisConnectLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := newRedisConnectLimiter(mr.Addr(), 1)
	if err != nil {
		t.Fatalf("newRedisConnectLimiter: %v", err)
	}
	mr.Close()

	if !limiter.allow("any") {
		t.Error("unreachable redis must not deny handshakes")
	}
}
