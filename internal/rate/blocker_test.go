package rate

import (
	"testing"
	"time"
)

func TestBlockerThreshold(t *testing.T) {
	b := NewBlocker(3, 15*time.Minute, time.Hour)
	ip := "5.6.7.8"

	b.RecordSuspicious(ip)
	b.RecordSuspicious(ip)
	if b.IsBlocked(ip) {
		t.Fatalf("blocked below threshold")
	}
	b.RecordSuspicious(ip)
	if !b.IsBlocked(ip) {
		t.Fatalf("not blocked at threshold")
	}
}

func TestBlockerCooldownExpires(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	b := NewBlocker(2, 15*time.Minute, time.Hour)
	b.now = func() time.Time { return current }
	ip := "5.6.7.8"

	b.RecordSuspicious(ip)
	b.RecordSuspicious(ip)
	if !b.IsBlocked(ip) {
		t.Fatalf("not blocked after crossing threshold")
	}

	current = base.Add(time.Hour + time.Minute)
	if b.IsBlocked(ip) {
		t.Fatalf("still blocked after cooldown elapsed")
	}
	// A single new event inside a fresh window must not re-block.
	b.RecordSuspicious(ip)
	if b.IsBlocked(ip) {
		t.Fatalf("re-blocked by one event in a fresh window")
	}
}

func TestBlockerWindowRollsOver(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	b := NewBlocker(3, 15*time.Minute, time.Hour)
	b.now = func() time.Time { return current }
	ip := "1.2.3.4"

	b.RecordSuspicious(ip)
	b.RecordSuspicious(ip)
	current = base.Add(16 * time.Minute)
	b.RecordSuspicious(ip)
	if b.IsBlocked(ip) {
		t.Fatalf("events outside the window counted toward the threshold")
	}
}

func TestBlockerUnknownIP(t *testing.T) {
	b := NewBlocker(3, 15*time.Minute, time.Hour)
	if b.IsBlocked("198.51.100.7") {
		t.Fatalf("unknown ip reported blocked")
	}
}
