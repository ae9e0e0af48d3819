package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// requestLogger logs one line per request with the chi request id.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				ev := log.Info()
				if ww.Status() >= 500 {
					ev = log.Error()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_ip", clientIP(r)).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// basicAuth guards a route group. An empty user disables it.
func basicAuth(user, pass string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if user == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="sharecal"`)
				writeError(w, http.StatusUnauthorized, "Unauthorized", "valid credentials are required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter keeps one token bucket per client IP. The clock is injected so tests
// can move time without sleeping.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimit
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per client with the given burst.
func NewRateLimiter(perMinute, burst int, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimit),
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     now,
	}
}

// Allow reports whether the client may make a request now.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for id, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idle {
			delete(rl.clients, id)
		}
	}
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimit{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "RateLimitExceeded", "rate limit exceeded, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is RemoteAddr without the port; RealIP has already applied proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
