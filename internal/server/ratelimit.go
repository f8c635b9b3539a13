package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Maximum number of rate limit buckets to prevent memory exhaustion
const maxRateLimitBuckets = 10000

// RateLimiter keeps a token bucket per client and route
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limit    rate.Limit
	burst    int
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows n requests per interval with bursts up to burst.
// A non-positive n returns nil, which the middleware treats as unlimited.
func NewRateLimiter(n int, interval time.Duration, burst int) *RateLimiter {
	if n <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(n) / interval.Seconds()),
		burst:   burst,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go rl.cleanup(5 * time.Minute)
	return rl
}

// Allow takes a token for key if one is left.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= maxRateLimitBuckets {
			rl.evictOldestLocked()
		}
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, b := range rl.buckets {
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey, oldest = k, b.lastSeen
		}
	}
	delete(rl.buckets, oldestKey)
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, b := range rl.buckets {
				if now.Sub(b.lastSeen) > 2*every {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware rejects requests over the limit with 429
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl == nil {
			c.Next()
			return
		}
		key := c.ClientIP() + ":" + c.FullPath()
		if !rl.Allow(key) {
			writeError(c, http.StatusTooManyRequests, "rate_limit_error",
				"Rate limit exceeded. Please slow down your requests.")
			return
		}
		c.Next()
	}
}

// InferenceLimiter bounds concurrent generations, globally and per client.
// A low-end host serves one or two models at a time at best.
type InferenceLimiter struct {
	mu              sync.Mutex
	activeRequests  map[string]int // client -> active requests
	maxConcurrent   int            // per client
	globalSemaphore chan struct{}
}

// NewInferenceLimiter creates a limiter for generation routes
func NewInferenceLimiter(maxConcurrentPerClient, maxGlobalConcurrent int) *InferenceLimiter {
	return &InferenceLimiter{
		activeRequests:  make(map[string]int),
		maxConcurrent:   max(1, maxConcurrentPerClient),
		globalSemaphore: make(chan struct{}, max(1, maxGlobalConcurrent)),
	}
}

// Acquire takes a slot without waiting.
func (l *InferenceLimiter) Acquire(client string) bool {
	select {
	case l.globalSemaphore <- struct{}{}:
	default:
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeRequests[client] >= l.maxConcurrent {
		<-l.globalSemaphore
		return false
	}
	l.activeRequests[client]++
	return true
}

// Release frees a slot taken by Acquire.
func (l *InferenceLimiter) Release(client string) {
	l.mu.Lock()
	if n := l.activeRequests[client]; n > 1 {
		l.activeRequests[client] = n - 1
	} else {
		delete(l.activeRequests, client)
	}
	l.mu.Unlock()
	<-l.globalSemaphore
}

// Active returns the number of generations in flight.
func (l *InferenceLimiter) Active() int {
	return len(l.globalSemaphore)
}

// Middleware rejects requests beyond the concurrency limits with 429
func (l *InferenceLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.ClientIP()
		if !l.Acquire(client) {
			writeError(c, http.StatusTooManyRequests, "concurrency_limit_error",
				"Too many concurrent requests. Please wait for current requests to complete.")
			return
		}
		defer l.Release(client)
		c.Next()
	}
}
