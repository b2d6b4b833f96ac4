package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"templesite/internal/models"
)

type recordingSender struct {
	mu       sync.Mutex
	subjects []string
	fail     bool
	ch       chan struct{}
}

func newRecordingSender(fail bool) *recordingSender {
	return &recordingSender{fail: fail, ch: make(chan struct{}, 16)}
}

func (s *recordingSender) SendAlert(ctx context.Context, subject, body string) error {
	s.mu.Lock()
	s.subjects = append(s.subjects, subject)
	s.mu.Unlock()
	s.ch <- struct{}{}
	if s.fail {
		return errors.New("smtp unreachable")
	}
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subjects)
}

func waitForSend(t *testing.T, s *recordingSender) {
	t.Helper()
	select {
	case <-s.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("notification never dispatched")
	}
}

func TestRecentNewestFirst(t *testing.T) {
	m := New(nil)
	defer m.Close()
	m.AddAlert(models.SeverityLow, "first", nil)
	m.AddAlert(models.SeverityLow, "second", nil)
	m.AddAlert(models.SeverityLow, "third", nil)

	got := m.Recent(2)
	if len(got) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(got))
	}
	if got[0].Message != "third" || got[1].Message != "second" {
		t.Fatalf("alerts not newest-first: %q, %q", got[0].Message, got[1].Message)
	}
}

func TestAlertLogCapFIFO(t *testing.T) {
	m := New(nil)
	defer m.Close()
	for i := 0; i < maxAlerts+25; i++ {
		m.AddAlert(models.SeverityLow, fmt.Sprintf("alert-%d", i), nil)
	}
	all := m.Recent(0)
	if len(all) != maxAlerts {
		t.Fatalf("log not capped: %d entries", len(all))
	}
	if all[0].Message != fmt.Sprintf("alert-%d", maxAlerts+24) {
		t.Fatalf("newest entry wrong: %s", all[0].Message)
	}
	if all[len(all)-1].Message != "alert-25" {
		t.Fatalf("oldest retained entry wrong: %s", all[len(all)-1].Message)
	}
}

func TestHighSeverityNotifiesOnce(t *testing.T) {
	s := newRecordingSender(false)
	m := New(s)
	defer m.Close()

	m.AddAlert(models.SeverityHigh, "repeated login failures", map[string]string{"ip": "1.2.3.4"})
	waitForSend(t, s)
	if s.count() != 1 {
		t.Fatalf("expected exactly one notification, got %d", s.count())
	}

	m.AddAlert(models.SeverityMedium, "failed login", nil)
	m.AddAlert(models.SeverityLow, "noise", nil)
	time.Sleep(50 * time.Millisecond)
	if s.count() != 1 {
		t.Fatalf("non-high severity triggered notification")
	}
}

func TestNotificationFailureDoesNotPropagate(t *testing.T) {
	s := newRecordingSender(true)
	m := New(s)
	defer m.Close()

	m.AddAlert(models.SeverityHigh, "disk almost full", nil)
	waitForSend(t, s)

	got := m.Recent(1)
	if len(got) != 1 || got[0].Message != "disk almost full" {
		t.Fatalf("alert lost after failed notification")
	}
}
