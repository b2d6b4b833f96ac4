package service

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"templesite/internal/auth"
	"templesite/internal/config"
	"templesite/internal/models"
	"templesite/internal/monitor"
	"templesite/internal/rate"
	"templesite/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidTwoFactor   = errors.New("invalid 2FA token")
	ErrTwoFactorRequired  = errors.New("2FA token required")
	ErrIPBlocked          = errors.New("access denied")
	ErrConflict           = errors.New("account already exists")
	ErrNotFound           = errors.New("user not found")
)

// CredentialStore is the slice of the persistence layer the auth core
// reads. The core never deletes credential records.
type CredentialStore interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, email, displayName, passwordHash string, role models.Role) (models.User, error)
	GetUserByIdentifier(ctx context.Context, identifier string) (models.User, error)
	GetUserByID(ctx context.Context, id string) (models.User, error)
	UpdateUserPassword(ctx context.Context, id, passwordHash string) error
	TouchUserLastLogin(ctx context.Context, id string, at time.Time) error
	ListUsers(ctx context.Context, q models.UserQuery) ([]models.User, int, error)
	AppendAudit(ctx context.Context, action, actor, ip, detail string) error
}

// TwoFactor abstracts the TOTP manager so tests can count collaborator
// calls.
type TwoFactor interface {
	GenerateSecret(ctx context.Context, userID, accountLabel string) (secret, qrDataURI string, err error)
	VerifyCode(ctx context.Context, userID, code string) bool
	RemoveSecret(ctx context.Context, userID string) error
	Enrolled(ctx context.Context, userID string) bool
}

type Service struct {
	cfg        config.Config
	st         CredentialStore
	twofa      TwoFactor
	blocker    *rate.Blocker
	mon        *monitor.Monitor
	sessionKey []byte
	csrfKey    []byte
}

func New(cfg config.Config, st CredentialStore, twofa TwoFactor, blocker *rate.Blocker, mon *monitor.Monitor) *Service {
	return &Service{
		cfg:        cfg,
		st:         st,
		twofa:      twofa,
		blocker:    blocker,
		mon:        mon,
		sessionKey: []byte(cfg.SessionSigningKey),
		csrfKey:    []byte(cfg.CSRFSigningKey),
	}
}

func (s *Service) CSRFKey() []byte    { return s.csrfKey }
func (s *Service) SessionKey() []byte { return s.sessionKey }

type LoginInput struct {
	Identifier string
	Password   string
	TOTPCode   string
	IP         string
}

type LoginResult struct {
	User       models.User
	Token      string
	CSRFSecret string
	CSRFToken  string
}

// Login runs the verification chain in order, short-circuiting on the first
// failure: IP block, credential lookup, password compare, optional 2FA,
// then token issuance. Lookup failure and password mismatch surface the
// same error so callers cannot probe which identifiers exist.
func (s *Service) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	identifier := strings.TrimSpace(in.Identifier)

	if s.blocker.IsBlocked(in.IP) {
		log.Printf("login_rejected_blocked_ip identifier=%s ip=%s", identifier, in.IP)
		s.mon.AddAlert(models.SeverityMedium, "login attempt from blocked IP", map[string]string{"ip": in.IP})
		return LoginResult{}, ErrIPBlocked
	}

	u, err := s.st.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if err != store.ErrNotFound {
			log.Printf("login_store_error identifier=%s ip=%s err=%v", identifier, in.IP, err)
			return LoginResult{}, err
		}
		log.Printf("login_failed_unknown_user identifier=%s ip=%s", identifier, in.IP)
		return LoginResult{}, ErrInvalidCredentials
	}

	if !auth.VerifyPassword(u.PasswordHash, in.Password) {
		s.blocker.RecordSuspicious(in.IP)
		s.mon.AddAlert(models.SeverityMedium, "failed login", map[string]string{"identifier": identifier, "ip": in.IP})
		log.Printf("login_failed_bad_password identifier=%s ip=%s", identifier, in.IP)
		return LoginResult{}, ErrInvalidCredentials
	}

	if u.Role == models.RoleAdmin && s.cfg.RequireAdmin2FA {
		if in.TOTPCode == "" {
			log.Printf("login_requires_twofactor identifier=%s ip=%s", identifier, in.IP)
			return LoginResult{}, ErrTwoFactorRequired
		}
		if !s.twofa.VerifyCode(ctx, u.ID, in.TOTPCode) {
			s.blocker.RecordSuspicious(in.IP)
			s.mon.AddAlert(models.SeverityHigh, "failed 2FA verification", map[string]string{"identifier": identifier, "ip": in.IP})
			log.Printf("login_failed_bad_totp identifier=%s ip=%s", identifier, in.IP)
			return LoginResult{}, ErrInvalidTwoFactor
		}
	}

	token, err := auth.NewSessionToken(u.ID, u.DisplayName, string(u.Role), s.sessionKey, s.cfg.SessionDuration())
	if err != nil {
		return LoginResult{}, err
	}
	secret, csrfToken, err := auth.IssueCSRF(s.csrfKey)
	if err != nil {
		return LoginResult{}, err
	}

	now := time.Now().UTC()
	_ = s.st.TouchUserLastLogin(ctx, u.ID, now)
	_ = s.st.AppendAudit(ctx, "login", u.Email, in.IP, "")
	log.Printf("login_success identifier=%s user_id=%s role=%s ip=%s", identifier, u.ID, u.Role, in.IP)
	return LoginResult{User: u, Token: token, CSRFSecret: secret, CSRFToken: csrfToken}, nil
}

// Register creates a user record; the plaintext password is hashed here and
// discarded.
func (s *Service) Register(ctx context.Context, email, displayName, password string) (models.User, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return models.User{}, err
	}
	u, err := s.st.CreateUser(ctx, email, displayName, hash, models.RoleUser)
	if err == store.ErrConflict {
		return models.User{}, ErrConflict
	}
	if err != nil {
		return models.User{}, err
	}
	_ = s.st.AppendAudit(ctx, "register", u.Email, "", "")
	log.Printf("user_registered user_id=%s email=%s", u.ID, u.Email)
	return u, nil
}

func (s *Service) VerifyToken(tokenString string) (auth.SessionClaims, error) {
	return auth.VerifySessionToken(tokenString, s.sessionKey)
}

// EnrollTwoFactor replaces any prior secret for the user; re-enrollment
// invalidates the old one immediately.
func (s *Service) EnrollTwoFactor(ctx context.Context, userID string) (secret, qrDataURI string, err error) {
	u, err := s.st.GetUserByID(ctx, userID)
	if err == store.ErrNotFound {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	secret, qrDataURI, err = s.twofa.GenerateSecret(ctx, u.ID, u.Email)
	if err != nil {
		return "", "", err
	}
	_ = s.st.AppendAudit(ctx, "twofactor_enrolled", u.Email, "", "")
	log.Printf("twofactor_enrolled user_id=%s", u.ID)
	return secret, qrDataURI, nil
}

func (s *Service) TwoFactorEnrolled(ctx context.Context, userID string) bool {
	return s.twofa.Enrolled(ctx, userID)
}

func (s *Service) DisableTwoFactor(ctx context.Context, userID string) error {
	if err := s.twofa.RemoveSecret(ctx, userID); err != nil {
		return err
	}
	_ = s.st.AppendAudit(ctx, "twofactor_disabled", userID, "", "")
	log.Printf("twofactor_disabled user_id=%s", userID)
	return nil
}

func (s *Service) Ping(ctx context.Context) error { return s.st.Ping(ctx) }

// ChangePassword re-verifies the current password before storing a new hash.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.st.GetUserByID(ctx, userID)
	if err == store.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !auth.VerifyPassword(u.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.st.UpdateUserPassword(ctx, u.ID, hash); err != nil {
		return err
	}
	_ = s.st.AppendAudit(ctx, "password_changed", u.Email, "", "")
	log.Printf("password_changed user_id=%s", u.ID)
	return nil
}

func (s *Service) GetUser(ctx context.Context, id string) (models.User, error) {
	u, err := s.st.GetUserByID(ctx, id)
	if err == store.ErrNotFound {
		return models.User{}, ErrNotFound
	}
	return u, err
}

func (s *Service) ListUsers(ctx context.Context, q models.UserQuery) ([]models.User, int, error) {
	return s.st.ListUsers(ctx, q)
}

func (s *Service) RecentAlerts(limit int) []models.Alert {
	return s.mon.Recent(limit)
}

func (s *Service) ValidatePassword(pw string) error {
	if len(pw) < s.cfg.PasswordMinLength {
		return errors.New("password too short")
	}
	if len(pw) > s.cfg.PasswordMaxLength {
		return errors.New("password too long")
	}
	return nil
}

// Monitor exposes the alert log to the router's error paths.
func (s *Service) Monitor() *monitor.Monitor { return s.mon }
