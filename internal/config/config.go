package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string

	DBDriver          string
	DBPath            string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	SessionCookieName  string
	CSRFCookieName     string
	SessionSigningKey  string
	CSRFSigningKey     string
	TwoFactorKey       string
	SessionHours       int
	CookieSecureMode   string
	TrustProxy         bool
	CORSAllowedOrigins []string

	RequireAdmin2FA bool
	TOTPIssuer      string

	RateWindowMinutes int
	RateMaxRequests   int
	RateMaxLogin      int

	BlockThreshold     int
	BlockWindowMinutes int
	BlockCooldownHours int

	AlertSender    string
	AlertFrom      string
	AlertRecipient string

	SMTPHost               string
	SMTPPort               int
	SMTPTLS                bool
	SMTPStartTLS           bool
	SMTPUser               string
	SMTPPassword           string
	SMTPInsecureSkipVerify bool

	PasswordMinLength int
	PasswordMaxLength int

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int

	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		DBDriver:                 strings.ToLower(env("APP_DB_DRIVER", "sqlite")),
		DBPath:                   env("APP_DB_PATH", "./data/app.db"),
		DBDSN:                    env("APP_DB_DSN", ""),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		SessionCookieName:        env("SESSION_COOKIE_NAME", "templesite_session"),
		CSRFCookieName:           env("CSRF_COOKIE_NAME", "templesite_csrf"),
		SessionSigningKey:        env("SESSION_SIGNING_KEY", ""),
		CSRFSigningKey:           env("CSRF_SIGNING_KEY", ""),
		TwoFactorKey:             env("TWOFA_ENCRYPT_KEY", ""),
		SessionHours:             envInt("SESSION_HOURS", 24),
		CookieSecureMode:         strings.ToLower(env("COOKIE_SECURE_MODE", "auto")),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		RequireAdmin2FA:          envBool("REQUIRE_ADMIN_2FA", false),
		TOTPIssuer:               env("TOTP_ISSUER", "Temple Website"),
		RateWindowMinutes:        envInt("RATE_WINDOW_MINUTES", 15),
		RateMaxRequests:          envInt("RATE_MAX_REQUESTS", 100),
		RateMaxLogin:             envInt("RATE_MAX_LOGIN", 5),
		BlockThreshold:           envInt("BLOCK_THRESHOLD", 10),
		BlockWindowMinutes:       envInt("BLOCK_WINDOW_MINUTES", 15),
		BlockCooldownHours:       envInt("BLOCK_COOLDOWN_HOURS", 1),
		AlertSender:              strings.ToLower(env("ALERT_SENDER", "log")),
		AlertFrom:                env("ALERT_FROM", "security@example.org"),
		AlertRecipient:           env("ALERT_RECIPIENT", ""),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		SMTPTLS:                  envBool("SMTP_TLS", false),
		SMTPStartTLS:             envBool("SMTP_STARTTLS", true),
		SMTPUser:                 env("SMTP_USER", ""),
		SMTPPassword:             env("SMTP_PASSWORD", ""),
		SMTPInsecureSkipVerify:   envBool("SMTP_INSECURE_SKIP_VERIFY", false),
		PasswordMinLength:        envInt("PASSWORD_MIN_LENGTH", 8),
		PasswordMaxLength:        envInt("PASSWORD_MAX_LENGTH", 128),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		BootstrapAdminEmail:      env("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminPassword:   env("BOOTSTRAP_ADMIN_PASSWORD", ""),
	}

	switch cfg.DBDriver {
	case "sqlite":
	case "mysql", "pgx":
		if strings.TrimSpace(cfg.DBDSN) == "" {
			return Config{}, fmt.Errorf("APP_DB_DSN is required for driver %q", cfg.DBDriver)
		}
	default:
		return Config{}, fmt.Errorf("APP_DB_DRIVER must be one of: sqlite, mysql, pgx")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	if cfg.SessionHours <= 0 || cfg.SessionHours > 24 {
		return Config{}, fmt.Errorf("SESSION_HOURS must be between 1 and 24")
	}
	for name, key := range map[string]string{
		"SESSION_SIGNING_KEY": cfg.SessionSigningKey,
		"CSRF_SIGNING_KEY":    cfg.CSRFSigningKey,
		"TWOFA_ENCRYPT_KEY":   cfg.TwoFactorKey,
	} {
		if len(strings.TrimSpace(key)) < 24 {
			return Config{}, fmt.Errorf("%s must be set to a strong value (>=24 chars)", name)
		}
	}
	switch cfg.CookieSecureMode {
	case "auto", "always", "never":
	default:
		return Config{}, fmt.Errorf("COOKIE_SECURE_MODE must be one of: auto, always, never")
	}
	if cfg.CookieSecureMode == "never" && !isLocalListen(cfg.ListenAddr) {
		return Config{}, fmt.Errorf("COOKIE_SECURE_MODE=never is allowed only for local listen addresses")
	}
	if cfg.RateWindowMinutes <= 0 || cfg.RateMaxRequests <= 0 || cfg.RateMaxLogin <= 0 {
		return Config{}, fmt.Errorf("rate limit config values must be positive")
	}
	if cfg.RateMaxLogin > cfg.RateMaxRequests {
		return Config{}, fmt.Errorf("RATE_MAX_LOGIN must not exceed RATE_MAX_REQUESTS")
	}
	if cfg.BlockThreshold <= 0 || cfg.BlockWindowMinutes <= 0 || cfg.BlockCooldownHours <= 0 {
		return Config{}, fmt.Errorf("blocker config values must be positive")
	}
	switch cfg.AlertSender {
	case "log", "smtp":
		if cfg.AlertSender == "smtp" && strings.TrimSpace(cfg.AlertRecipient) == "" {
			return Config{}, fmt.Errorf("ALERT_RECIPIENT is required when ALERT_SENDER=smtp")
		}
	default:
		return Config{}, fmt.Errorf("ALERT_SENDER must be one of: log, smtp")
	}
	if cfg.SMTPPort <= 0 {
		return Config{}, fmt.Errorf("invalid SMTP port")
	}
	if cfg.PasswordMinLength < 8 {
		return Config{}, fmt.Errorf("password min length must be >= 8")
	}
	if cfg.PasswordMaxLength < cfg.PasswordMinLength {
		return Config{}, fmt.Errorf("password max length must be >= min length")
	}
	return cfg, nil
}

func (c Config) SessionDuration() time.Duration {
	return time.Duration(c.SessionHours) * time.Hour
}

func (c Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowMinutes) * time.Minute
}

func (c Config) BlockWindow() time.Duration {
	return time.Duration(c.BlockWindowMinutes) * time.Minute
}

func (c Config) BlockCooldown() time.Duration {
	return time.Duration(c.BlockCooldownHours) * time.Hour
}

// ResolveCookieSecure decides the Secure flag per request so that "auto"
// works both behind TLS-terminating proxies and on plain local listeners.
func (c Config) ResolveCookieSecure(r *http.Request) bool {
	switch c.CookieSecureMode {
	case "always":
		return true
	case "never":
		return false
	}
	if r == nil {
		return true
	}
	if r.TLS != nil {
		return true
	}
	if c.TrustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return false
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isLocalListen(addr string) bool {
	a := strings.ToLower(strings.TrimSpace(addr))
	return strings.Contains(a, "127.0.0.1") || strings.Contains(a, "localhost") || strings.Contains(a, "[::1]") || strings.HasPrefix(a, ":")
}
