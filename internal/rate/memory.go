package rate

import (
	"math"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per client IP in fixed windows. One window record
// exists per IP; login routes apply a stricter maximum to the same record.
// Purely advisory: state is process-local and resets on restart.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string]window
	duration time.Duration
	maxReq   int
	maxLogin int
	now      func() time.Time
}

func NewLimiter(windowDur time.Duration, maxRequests, maxLogin int) *Limiter {
	return &Limiter{
		windows:  map[string]window{},
		duration: windowDur,
		maxReq:   maxRequests,
		maxLogin: maxLogin,
		now:      time.Now,
	}
}

// Allow admits or rejects one request from ip. On rejection retryAfter is
// the whole number of seconds until the window resets, rounded up.
// Every call also drops all expired windows; cleanup is amortized over
// traffic instead of running in a background task.
func (l *Limiter) Allow(ip string, login bool) (ok bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()

	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
		}
	}

	w, exists := l.windows[ip]
	if !exists || now.After(w.resetAt) {
		l.windows[ip] = window{count: 1, resetAt: now.Add(l.duration)}
		return true, 0
	}

	w.count++
	l.windows[ip] = w
	max := l.maxReq
	if login {
		max = l.maxLogin
	}
	if w.count > max {
		secs := int(math.Ceil(w.resetAt.Sub(now).Seconds()))
		if secs < 1 {
			secs = 1
		}
		return false, secs
	}
	return true, 0
}
