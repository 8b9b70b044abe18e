package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FrameThrottle keeps one token bucket per sender. Idle buckets are evicted
// opportunistically and by Cleanup.
type FrameThrottle struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	senders  map[string]*sender
	lookups  uint64
	gcEveryN uint64
}

type sender struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewFrameThrottle allows rps frames per second per sender with the given
// burst. A non-positive rps disables throttling.
func NewFrameThrottle(rps float64, burst int, idleTTL time.Duration) *FrameThrottle {
	if burst <= 0 {
		burst = 1
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &FrameThrottle{
		rps:      limit,
		burst:    burst,
		ttl:      idleTTL,
		now:      time.Now,
		senders:  make(map[string]*sender),
		gcEveryN: 5000,
	}
}

// Allow consumes one token from userID's bucket.
func (t *FrameThrottle) Allow(userID string) bool {
	now := t.now()

	t.mu.Lock()
	t.lookups++
	if t.lookups >= t.gcEveryN {
		t.sweepLocked(now)
		t.lookups = 0
	}

	s, ok := t.senders[userID]
	if !ok {
		s = &sender{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.senders[userID] = s
	}
	s.lastSeen = now
	lim := s.limiter
	t.mu.Unlock()

	return lim.AllowN(now, 1)
}

// Cleanup evicts buckets idle for at least the TTL and returns how many.
func (t *FrameThrottle) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(t.now())
}

func (t *FrameThrottle) sweepLocked(now time.Time) int {
	removed := 0
	for userID, s := range t.senders {
		if now.Sub(s.lastSeen) >= t.ttl {
			delete(t.senders, userID)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked senders.
func (t *FrameThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.senders)
}
