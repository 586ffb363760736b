package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterShards controls how many independent shards the limiter uses
// so concurrent connection attempts from distinct addresses rarely contend.
const rateLimiterShards = 16

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per key (client address) for relay
// connection attempts.
type rateLimiter struct {
	limit  rate.Limit
	burst  int
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if perSecond <= 0 {
		perSecond = 2
	}
	if burst <= 0 {
		burst = 10
	}
	rl := &rateLimiter{limit: rate.Limit(perSecond), burst: burst}
	for i := range rl.shards {
		rl.shards[i].entries = make(map[string]*limiterEntry)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	return &rl.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(rateLimiterShards))
}

func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()
	s := rl.shard(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	s.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// cleanup evicts limiters not used for idle. Called by the janitor so the
// allow path never iterates the map.
func (rl *rateLimiter) cleanup(idle time.Duration) {
	now := time.Now()
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, v := range s.entries {
			if now.Sub(v.lastSeen) > idle {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

func (rl *rateLimiter) size() int {
	n := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
