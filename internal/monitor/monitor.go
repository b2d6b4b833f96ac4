package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"templesite/internal/models"
	"templesite/internal/notify"
)

const (
	maxAlerts     = 1000
	sweepInterval = 5 * time.Minute
	sendTimeout   = 30 * time.Second
)

// Monitor keeps a FIFO-capped in-memory log of security alerts. High
// severity alerts additionally fan out to the notification sender on a
// goroutine; a send failure is logged and goes no further.
type Monitor struct {
	mu     sync.Mutex
	alerts []models.Alert
	sender notify.Sender
	done   chan struct{}
	once   sync.Once
}

func New(sender notify.Sender) *Monitor {
	if sender == nil {
		sender = notify.LogSender{}
	}
	m := &Monitor{sender: sender, done: make(chan struct{})}
	go m.sweepLoop()
	return m
}

// AddAlert is fire-and-forget: it never returns an error and never blocks
// on notification delivery.
func (m *Monitor) AddAlert(severity models.Severity, message string, details map[string]string) {
	alert := models.Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Message:   message,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxAlerts:]
	}
	m.mu.Unlock()

	log.Printf("security_alert severity=%s message=%q details=%v", severity, message, details)
	if severity == models.SeverityHigh {
		go m.notify(alert)
	}
}

// Recent returns up to limit alerts, newest first.
func (m *Monitor) Recent(limit int) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	out := make([]models.Alert, 0, limit)
	for i := len(m.alerts) - 1; i >= len(m.alerts)-limit; i-- {
		out = append(out, m.alerts[i])
	}
	return out
}

func (m *Monitor) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Monitor) notify(alert models.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	body := fmt.Sprintf("Severity: %s\nTime: %s\nMessage: %s\n", alert.Severity, alert.CreatedAt.Format(time.RFC3339), alert.Message)
	for k, v := range alert.Details {
		body += fmt.Sprintf("%s: %s\n", k, v)
	}
	if err := m.sender.SendAlert(ctx, "Security Alert: "+alert.Message, body); err != nil {
		log.Printf("alert_notification_failed alert_id=%s err=%v", alert.ID, err)
	}
}

func (m *Monitor) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

// sweep is the extension point for periodic pattern analysis over the alert
// log: login-attempt clustering, API-usage anomalies, resource exhaustion
// and file-integrity checks can hang off this hook.
func (m *Monitor) sweep() {
	m.mu.Lock()
	n := len(m.alerts)
	m.mu.Unlock()
	log.Printf("security_sweep alerts=%d", n)
}
