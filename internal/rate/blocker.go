package rate

import (
	"log"
	"sync"
	"time"
)

type suspicion struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// Blocker tracks suspicious events (failed logins, bad 2FA codes) per IP and
// blocks an IP for a cooldown once it crosses the threshold inside the
// window. Blocks expire on their own; nothing is permanent.
type Blocker struct {
	mu        sync.Mutex
	records   map[string]suspicion
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time
}

func NewBlocker(threshold int, window, cooldown time.Duration) *Blocker {
	return &Blocker{
		records:   map[string]suspicion{},
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *Blocker) IsBlocked(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[ip]
	if !ok {
		return false
	}
	now := b.now().UTC()
	if !rec.blockedUntil.IsZero() {
		if now.Before(rec.blockedUntil) {
			return true
		}
		delete(b.records, ip)
		return false
	}
	if now.Sub(rec.windowStart) > b.window {
		delete(b.records, ip)
	}
	return false
}

func (b *Blocker) RecordSuspicious(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now().UTC()
	rec, ok := b.records[ip]
	if ok && !rec.blockedUntil.IsZero() && now.Before(rec.blockedUntil) {
		return
	}
	if !ok || now.Sub(rec.windowStart) > b.window || !rec.blockedUntil.IsZero() {
		rec = suspicion{windowStart: now}
	}
	rec.count++
	if rec.count >= b.threshold && rec.blockedUntil.IsZero() {
		rec.blockedUntil = now.Add(b.cooldown)
		log.Printf("ip_blocked ip=%s count=%d cooldown=%s", ip, rec.count, b.cooldown)
	}
	b.records[ip] = rec
}
