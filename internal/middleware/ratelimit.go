package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter applies a fixed-window per-IP limit backed by Redis. Without
// Redis it degrades to a pass-through.
type RateLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewRateLimiter(redisClient *redis.Client, prefix string, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: redisClient, prefix: prefix, limit: limit, window: window}
}

func (l *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		key := fmt.Sprintf("ratelimit:%s:%s", l.prefix, ip)

		count, err := l.redis.Incr(r.Context(), key).Result()
		if err != nil {
			log.Printf("[RATELIMIT] Counter failed for %s, allowing request: %v", key, err)
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			l.redis.Expire(r.Context(), key, l.window)
		}

		if count > l.limit {
			writeJSONError(w, http.StatusTooManyRequests, "Too many attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}
