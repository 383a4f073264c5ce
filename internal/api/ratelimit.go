package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-user request limiting.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	// Burst defaults to RequestsPerMinute.
	Burst int
	// CleanupInterval defaults to 10 minutes, MaxIdle to 30.
	CleanupInterval time.Duration
	MaxIdle         time.Duration
}

// limiter is a token bucket per authenticated user.
type limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	rate     rate.Limit
	burst    int
	enabled  bool

	cleanupInterval time.Duration
	maxIdle         time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func newLimiter(cfg RateLimitConfig) *limiter {
	burst := cfg.Burst
	if burst == 0 {
		burst = cfg.RequestsPerMinute
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.MaxIdle == 0 {
		cfg.MaxIdle = 30 * time.Minute
	}

	l := &limiter{
		limiters:        make(map[string]*rate.Limiter),
		lastSeen:        make(map[string]time.Time),
		rate:            rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:           burst,
		enabled:         cfg.Enabled && cfg.RequestsPerMinute > 0,
		cleanupInterval: cfg.CleanupInterval,
		maxIdle:         cfg.MaxIdle,
		stop:            make(chan struct{}),
	}
	if l.enabled {
		go l.cleanupWorker()
	}
	return l
}

func (l *limiter) allow(key string) bool {
	if !l.enabled {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = lim
	}
	l.lastSeen[key] = time.Now()
	l.mu.Unlock()
	return lim.Allow()
}

func (l *limiter) cleanupWorker() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for key, seen := range l.lastSeen {
		if now.Sub(seen) > l.maxIdle {
			delete(l.limiters, key)
			delete(l.lastSeen, key)
		}
	}
}

func (l *limiter) close() { l.stopOnce.Do(func() { close(l.stop) }) }

// middleware limits authenticated requests by user ID. It must run after
// AuthMiddleware.
func (l *limiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := caller(r)
		if !l.allow(string(id.UserID)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(max(1, 1/float64(l.rate)))))
			respondErrCode(w, http.StatusTooManyRequests, ErrCodeLimitExceeded, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
