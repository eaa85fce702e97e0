package httpapi

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxLimiterKeys = 10000

// rateLimiter hands each caller key its own token bucket. Acquisition is the
// only hot endpoint, so limits are keyed by bearer token (one bucket per
// scraper fleet) with the remote address as fallback.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*callerBucket
	rate    rate.Limit
	burst   int
	maxKeys int
}

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		buckets: make(map[string]*callerBucket),
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
		maxKeys: defaultMaxLimiterKeys,
	}
}

// allow reports whether the caller identified by key may proceed. A nil
// limiter allows everything.
func (rl *rateLimiter) allow(key string) bool {
	if rl == nil {
		return true
	}
	now := time.Now()

	rl.mu.Lock()
	bucket, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= rl.maxKeys {
			rl.evictOldestLocked(rl.maxKeys / 10)
		}
		bucket = &callerBucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[key] = bucket
	}
	bucket.lastSeen = now
	limiter := bucket.limiter
	rl.mu.Unlock()

	return limiter.Allow()
}

// evictOldestLocked drops the n least-recently-seen buckets so active callers
// keep their limiter state through churn.
func (rl *rateLimiter) evictOldestLocked(n int) {
	if n < 1 {
		n = 1
	}
	type keyAge struct {
		key      string
		lastSeen time.Time
	}
	ages := make([]keyAge, 0, len(rl.buckets))
	for key, bucket := range rl.buckets {
		ages = append(ages, keyAge{key: key, lastSeen: bucket.lastSeen})
	}
	sort.Slice(ages, func(i, j int) bool {
		return ages[i].lastSeen.Before(ages[j].lastSeen)
	})
	if n > len(ages) {
		n = len(ages)
	}
	for _, age := range ages[:n] {
		delete(rl.buckets, age.key)
	}
}
