package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter per IP address.
type RateLimiter struct {
	mu       sync.RWMutex
	visitors map[string]*visitor

	requestsPerMinute int
	burstSize         int

	cleanupInterval time.Duration
	lastCleanup     time.Time
}

// visitor tracks rate limit state for a single IP.
type visitor struct {
	tokens       float64
	lastRefill   time.Time
	lastRequest  time.Time
	requestCount int
}

// NewRateLimiter creates a new rate limiter. requestsPerMinute is the
// steady-state rate allowed per IP; burstSize is the bucket capacity.
func NewRateLimiter(requestsPerMinute, burstSize int) *RateLimiter {
	return &RateLimiter{
		visitors:          make(map[string]*visitor),
		requestsPerMinute: requestsPerMinute,
		burstSize:         burstSize,
		cleanupInterval:   5 * time.Minute,
		lastCleanup:       time.Now(),
	}
}

// Allow reports whether a request from ip should be allowed, and the number
// of tokens left in its bucket afterward (floored), for callers that report
// it back to the client.
func (rl *RateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastCleanup) > rl.cleanupInterval {
		rl.cleanup()
	}

	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{
			tokens:      float64(rl.burstSize),
			lastRefill:  time.Now(),
			lastRequest: time.Now(),
		}
		rl.visitors[ip] = v
	}

	now := time.Now()
	elapsed := now.Sub(v.lastRefill).Seconds()
	tokensToAdd := elapsed * (float64(rl.requestsPerMinute) / 60.0)

	v.tokens += tokensToAdd
	if v.tokens > float64(rl.burstSize) {
		v.tokens = float64(rl.burstSize)
	}
	v.lastRefill = now

	if v.tokens >= 1.0 {
		v.tokens -= 1.0
		v.lastRequest = now
		v.requestCount++
		return true, int(v.tokens)
	}

	return false, int(v.tokens)
}

// cleanup removes visitors that haven't made requests in the last 10 minutes.
func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, v := range rl.visitors {
		if v.lastRequest.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
	rl.lastCleanup = time.Now()
}

// GetStats returns statistics about the rate limiter for monitoring.
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	totalRequests := 0
	for _, v := range rl.visitors {
		totalRequests += v.requestCount
	}

	return map[string]interface{}{
		"active_ips":       len(rl.visitors),
		"total_requests":   totalRequests,
		"requests_per_min": rl.requestsPerMinute,
		"burst_size":       rl.burstSize,
	}
}

// RateLimitMiddleware creates HTTP middleware that enforces rate limiting.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)

			allowed, remaining := limiter.Allow(ip)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.burstSize))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the real client IP from the request, handling
// proxies, load balancers, and direct connections.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
