package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisConnectLimiter is a Redis-backed connectGate, used when the relay
// runs behind a load balancer that cannot pin handshakes to one
// instance: the per-(ip,user,session) attempt counters live in Redis so
// every instance sees the same budget. Counting uses a fixed one-minute
// INCR/EXPIRE window rather than a token bucket, which is coarser but
// needs a single round trip per attempt (two for the attempt that opens
// a window and sets its expiry).
type redisConnectLimiter struct {
	client *redis.Client
	perMin int
}

func newRedisConnectLimiter(addr string, perMin int) (*redisConnectLimiter, error) {
	if perMin <= 0 {
		perMin = 6
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &redisConnectLimiter{client: client, perMin: perMin}, nil
}

func (l *redisConnectLimiter) allow(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	counter := "relay:connect:" + key
	n, err := l.client.Incr(ctx, counter).Result()
	if err != nil {
		// Fail open: an unreachable Redis must not take the relay down
		// with it. The handshake validation still gates every attempt.
		return true
	}
	if n == 1 {
		l.client.Expire(ctx, counter, time.Minute)
	}
	return n <= int64(l.perMin)
}
