package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connectLimiter is the in-process connectGate: a visitor map of token
// buckets keyed by the composite (ip, user, session) string, swept
// periodically so abandoned keys do not accumulate.
type connectLimiter struct {
	mu       sync.Mutex
	visitors map[string]*connectVisitor
	perMin   int
	cleanup  time.Duration
}

type connectVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newConnectLimiter(perMin int) *connectLimiter {
	if perMin <= 0 {
		perMin = 6
	}
	cl := &connectLimiter{
		visitors: make(map[string]*connectVisitor),
		perMin:   perMin,
		cleanup:  3 * time.Minute,
	}
	go cl.cleanupLoop()
	return cl
}

func (cl *connectLimiter) allow(key string) bool {
	cl.mu.Lock()
	v, ok := cl.visitors[key]
	if !ok {
		v = &connectVisitor{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cl.perMin)), cl.perMin)}
		cl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	cl.mu.Unlock()
	return v.limiter.Allow()
}

func (cl *connectLimiter) cleanupLoop() {
	ticker := time.NewTicker(cl.cleanup)
	defer ticker.Stop()
	for range ticker.C {
		cl.mu.Lock()
		for k, v := range cl.visitors {
			if time.Since(v.lastSeen) > cl.cleanup {
				delete(cl.visitors, k)
			}
		}
		cl.mu.Unlock()
	}
}
