package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"templesite/internal/config"
)

const dialTimeout = 10 * time.Second

// Sender delivers security notifications. Delivery is best-effort; callers
// must treat failures as log-only events.
type Sender interface {
	SendAlert(ctx context.Context, subject, body string) error
}

type LogSender struct{}

func (LogSender) SendAlert(ctx context.Context, subject, body string) error {
	_ = ctx
	log.Printf("security_alert_notification subject=%q body=%q", subject, body)
	return nil
}

type SMTPSender struct {
	cfg config.Config
}

func NewSender(cfg config.Config) Sender {
	if cfg.AlertSender == "smtp" {
		return SMTPSender{cfg: cfg}
	}
	return LogSender{}
}

func (s SMTPSender) SendAlert(ctx context.Context, subject, body string) error {
	raw := buildMessage(s.cfg.AlertFrom, s.cfg.AlertRecipient, subject, body)
	addr := net.JoinHostPort(s.cfg.SMTPHost, strconv.Itoa(s.cfg.SMTPPort))
	tlsConfig := &tls.Config{ServerName: s.cfg.SMTPHost, InsecureSkipVerify: s.cfg.SMTPInsecureSkipVerify}

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if s.cfg.SMTPTLS {
		conn = tls.Client(conn, tlsConfig)
	}
	client, err := smtp.NewClient(conn, s.cfg.SMTPHost)
	if err != nil {
		return err
	}
	defer client.Close()

	if s.cfg.SMTPStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return err
			}
		}
	}
	if s.cfg.SMTPUser != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, s.cfg.SMTPHost)
			if err := client.Auth(auth); err != nil {
				return err
			}
		}
	}

	if err := client.Mail(s.cfg.AlertFrom); err != nil {
		return err
	}
	if err := client.Rcpt(strings.TrimSpace(s.cfg.AlertRecipient)); err != nil {
		return err
	}
	wc, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(raw); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "\r\n%s\r\n", body)
	return []byte(b.String())
}
